package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/monitor"
)

// Controllers is the monitor manager surface the API serves.
type Controllers interface {
	Statuses() []monitor.Status
	Status(name string) (monitor.Status, bool)
	Snapshot(name string) (erc.Snapshot, bool)
	SetActive(name string, active bool) error
	Add(cfg config.ControllerConfig) error
	Remove(name string) error
	Events() *monitor.EventBus
}

// ControllerResponse is the JSON response for a controller's status.
type ControllerResponse struct {
	Name         string         `json:"name"`
	Address      string         `json:"address"`
	Online       bool           `json:"online"`
	State        string         `json:"state"`
	Code         erc.StatusCode `json:"code"`
	Phase        erc.Phase      `json:"phase,omitempty"`
	Countdown    int            `json:"countdown,omitempty"`
	Error        string         `json:"error,omitempty"`
	Warning      string         `json:"warning,omitempty"`
	Cycles       uint64         `json:"cycles"`
	LastSnapshot string         `json:"last_snapshot,omitempty"`
}

// NewControllerResponse converts a monitor status for output.
func NewControllerResponse(st monitor.Status) ControllerResponse {
	resp := ControllerResponse{
		Name:      st.Name,
		Address:   st.Address,
		Online:    st.State == monitor.StateConnected,
		State:     st.State.String(),
		Code:      st.Code,
		Phase:     st.Phase,
		Countdown: st.Countdown,
		Error:     st.LastError,
		Warning:   st.LastWarning,
		Cycles:    st.Cycles,
	}
	if !st.LastSnapshot.IsZero() {
		resp.LastSnapshot = st.LastSnapshot.UTC().Format(time.RFC3339)
	}
	return resp
}

// ControlResponse is the JSON response after an activate/idle request.
type ControlResponse struct {
	Controller string `json:"controller"`
	Active     bool   `json:"active"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// handlers holds the API handler functions.
type handlers struct {
	controllers Controllers
	hub         *eventHub

	// Optional; controller create/delete is unavailable without it.
	store *ConfigStore

	// Optional; /webhooks and /triggers list nothing without them.
	webhooks Webhooks
	triggers Triggers

	// Nil leaves the API open.
	auth *authenticator
}

// NewRouter creates the REST API router. The returned cleanup function
// stops the event hub.
func NewRouter(controllers Controllers, store *ConfigStore) (chi.Router, func()) {
	h := newHandlers(controllers, store)
	cleanup := h.setupSSE()
	return h.routes(), cleanup
}

func newHandlers(controllers Controllers, store *ConfigStore) *handlers {
	return &handlers{
		controllers: controllers,
		hub:         newEventHub(),
		store:       store,
	}
}

func (h *handlers) routes() chi.Router {
	r := chi.NewRouter()

	if h.auth != nil {
		r.Use(h.auth.require)
		r.Post("/login", h.auth.handleLogin)
		r.Post("/logout", h.auth.handleLogout)
	}

	r.Get("/", h.handleList)
	r.Post("/", h.handleCreateController)
	r.Get("/events", h.handleSSE)
	r.Route("/webhooks", h.webhookRoutes)
	r.Route("/triggers", h.triggerRoutes)

	r.Route("/{controller}", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Delete("/", h.handleDeleteController)
		r.Get("/state", h.handleState)
		r.Post("/activate", h.handleActivate)
		r.Post("/idle", h.handleIdle)
		r.Post("/control", h.handleControl)
	})

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeManagerError maps monitor sentinel errors to HTTP status codes.
func (h *handlers) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func controllerParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "controller"))
}

func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	statuses := h.controllers.Statuses()
	response := make([]ControllerResponse, 0, len(statuses))
	for _, st := range statuses {
		response = append(response, NewControllerResponse(st))
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	name, err := controllerParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in controller name")
		return
	}
	st, ok := h.controllers.Status(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	h.writeJSON(w, NewControllerResponse(st))
}

func (h *handlers) handleState(w http.ResponseWriter, r *http.Request) {
	name, err := controllerParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in controller name")
		return
	}
	if _, ok := h.controllers.Status(name); !ok {
		h.writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	snap, ok := h.controllers.Snapshot(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	h.writeJSON(w, snap)
}

func (h *handlers) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *handlers) handleIdle(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// handleControl accepts any control payload form: true/false, on/off or
// {"active": bool}. A controller named in the body must match the URL.
func (h *handlers) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := monitor.ParseControl(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, _ := controllerParam(r)
	if req.Controller != "" && req.Controller != name {
		h.writeError(w, http.StatusBadRequest, "controller name mismatch: URL has '"+name+"', request has '"+req.Controller+"'")
		return
	}
	h.setActive(w, r, req.Active)
}

func (h *handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	name, err := controllerParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in controller name")
		return
	}

	resp := ControlResponse{
		Controller: name,
		Active:     active,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.controllers.SetActive(name, active); err != nil {
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		if errors.Is(err, monitor.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(resp)
		return
	}
	resp.Success = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}
