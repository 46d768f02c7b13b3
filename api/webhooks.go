package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"rcmon/push"
)

// Webhooks is the push manager surface the API serves.
type Webhooks interface {
	GetAllPushInfo() []push.PushInfo
	TestFirePush(name string) error
	ResetPush(name string) error
}

func (h *handlers) webhookRoutes(r chi.Router) {
	r.Get("/", h.handleWebhookList)
	r.Post("/{webhook}/test", h.handleWebhookTest)
	r.Post("/{webhook}/reset", h.handleWebhookReset)
}

func (h *handlers) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		h.writeJSON(w, []push.PushInfo{})
		return
	}
	h.writeJSON(w, h.webhooks.GetAllPushInfo())
}

func (h *handlers) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	h.webhookAction(w, r, "tested", func(name string) error { return h.webhooks.TestFirePush(name) })
}

func (h *handlers) handleWebhookReset(w http.ResponseWriter, r *http.Request) {
	h.webhookAction(w, r, "reset", func(name string) error { return h.webhooks.ResetPush(name) })
}

func (h *handlers) webhookAction(w http.ResponseWriter, r *http.Request, verb string, fn func(string) error) {
	if h.webhooks == nil {
		h.writeError(w, http.StatusNotFound, "webhooks not configured")
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "webhook"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in webhook name")
		return
	}
	if err := fn(name); err != nil {
		if strings.HasPrefix(err.Error(), "push not found") {
			h.writeError(w, http.StatusNotFound, err.Error())
		} else {
			h.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	h.writeJSON(w, map[string]string{"webhook": name, "result": verb})
}
