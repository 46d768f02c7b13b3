package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"rcmon/trigger"
)

// Triggers is the trigger manager surface the API serves.
type Triggers interface {
	GetAllTriggerInfo() []trigger.TriggerInfo
	TestFireTrigger(name string) error
	ResetTrigger(name string) error
}

func (h *handlers) triggerRoutes(r chi.Router) {
	r.Get("/", h.handleTriggerList)
	r.Post("/{trigger}/test", func(w http.ResponseWriter, r *http.Request) {
		h.triggerAction(w, r, "tested", func(name string) error { return h.triggers.TestFireTrigger(name) })
	})
	r.Post("/{trigger}/reset", func(w http.ResponseWriter, r *http.Request) {
		h.triggerAction(w, r, "reset", func(name string) error { return h.triggers.ResetTrigger(name) })
	})
}

func (h *handlers) handleTriggerList(w http.ResponseWriter, r *http.Request) {
	if h.triggers == nil {
		h.writeJSON(w, []trigger.TriggerInfo{})
		return
	}
	h.writeJSON(w, h.triggers.GetAllTriggerInfo())
}

func (h *handlers) triggerAction(w http.ResponseWriter, r *http.Request, verb string, fn func(string) error) {
	if h.triggers == nil {
		h.writeError(w, http.StatusNotFound, "triggers not configured")
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "trigger"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in trigger name")
		return
	}
	if err := fn(name); err != nil {
		if strings.HasPrefix(err.Error(), "trigger not found") {
			h.writeError(w, http.StatusNotFound, err.Error())
		} else {
			h.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	h.writeJSON(w, map[string]string{"trigger": name, "result": verb})
}
