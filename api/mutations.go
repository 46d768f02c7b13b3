package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rcmon/config"
)

// ConfigStore persists controller changes made through the API.
type ConfigStore struct {
	Config *config.Config
	Path   string
}

func (h *handlers) requireStore(w http.ResponseWriter) bool {
	if h.store == nil || h.store.Config == nil {
		h.writeError(w, http.StatusServiceUnavailable, "mutation API not available")
		return false
	}
	return true
}

// controllerRequest is the JSON body for creating a controller. Interval
// is a Go duration string.
type controllerRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"password"`
	Terminator string `json:"terminator"`
	Locale     string `json:"locale"`
	Interval   string `json:"interval"`
	Start      string `json:"start"`
}

func (req controllerRequest) toConfig() (config.ControllerConfig, error) {
	cc := config.ControllerConfig{
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Password:   req.Password,
		Terminator: req.Terminator,
		Locale:     req.Locale,
		Start:      req.Start,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return cc, errors.New("invalid interval: " + err.Error())
		}
		cc.Interval = d
	}
	cc.Defaults()
	return cc, cc.Validate()
}

func (h *handlers) handleCreateController(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cc, err := req.toConfig()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.controllers.Add(cc); err != nil {
		h.writeManagerError(w, err)
		return
	}

	cfg := h.store.Config
	cfg.Lock()
	cfg.AddController(cc)
	if err := cfg.UnlockAndSave(h.store.Path); err != nil {
		h.writeError(w, http.StatusInternalServerError, "controller added but config not saved: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteController(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	name, err := controllerParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in controller name")
		return
	}
	if err := h.controllers.Remove(name); err != nil {
		h.writeManagerError(w, err)
		return
	}

	cfg := h.store.Config
	cfg.Lock()
	cfg.RemoveController(name)
	if err := cfg.UnlockAndSave(h.store.Path); err != nil {
		h.writeError(w, http.StatusInternalServerError, "controller removed but config not saved: "+err.Error())
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}
