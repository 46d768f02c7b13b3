package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rcmon/erc"
	"rcmon/logging"
)

// SSE event type constants.
const (
	eventStatus   = "status"
	eventSnapshot = "snapshot"
	eventWarning  = "warning"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type       string
	Controller string // for filtering
	Data       interface{}
}

// apiWarning is the JSON payload for warning events.
type apiWarning struct {
	Controller string `json:"controller"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves the /api/events endpoint. Optional query filters:
// types=status,snapshot,warning and controllers=a,b.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	typeFilter := splitFilter(r.URL.Query().Get("types"))
	ctrlFilter := splitFilter(r.URL.Query().Get("controllers"))

	client := &apiSSEClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if ctrlFilter != nil && !ctrlFilter[event.Controller] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func splitFilter(v string) map[string]bool {
	if v == "" {
		return nil
	}
	m := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		m[strings.TrimSpace(s)] = true
	}
	return m
}

// setupSSE subscribes to monitor events and rebroadcasts them. The returned
// cleanup function unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	bus := h.controllers.Events()
	id := bus.SubscribeKinds(func(ev erc.Event) {
		if ev.Kind == erc.EventWarning {
			h.hub.Broadcast(sseEvent{
				Type:       eventWarning,
				Controller: ev.Controller,
				Data: apiWarning{
					Controller: ev.Controller,
					Text:       ev.Text,
					Timestamp:  ev.Time.UTC().Format(time.RFC3339),
				},
			})
			return
		}
		st, ok := h.controllers.Status(ev.Controller)
		if !ok {
			return
		}
		h.hub.Broadcast(sseEvent{
			Type:       eventStatus,
			Controller: ev.Controller,
			Data:       NewControllerResponse(st),
		})
	}, erc.EventConnection, erc.EventPhaseChanged, erc.EventFatal, erc.EventWarning)

	return func() {
		bus.Unsubscribe(id)
		h.hub.Stop()
	}
}

// broadcastSnapshot pushes a completed poll cycle to SSE clients.
func (h *handlers) broadcastSnapshot(snap erc.Snapshot) {
	h.hub.Broadcast(sseEvent{
		Type:       eventSnapshot,
		Controller: snap.Controller,
		Data:       snap,
	})
}
