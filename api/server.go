// Package api provides a REST API server for controller status, snapshots
// and activate/idle control.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
)

// Server is the REST API server. Routes are mounted under /api.
type Server struct {
	controllers Controllers
	store       *ConfigStore
	webhooks    Webhooks
	triggers    Triggers
	config      *config.WebConfig
	server      *http.Server
	listener    net.Listener
	handlers    *handlers
	cleanup     func()
	running     bool
	mu          sync.RWMutex
}

// NewServer creates a new REST API server. store may be nil, which
// disables controller create/delete.
func NewServer(controllers Controllers, cfg *config.WebConfig, store *ConfigStore) *Server {
	return &Server{
		controllers: controllers,
		config:      cfg,
		store:       store,
	}
}

// SetWebhooks exposes webhook status and test/reset under /api/webhooks.
// Call before Start.
func (s *Server) SetWebhooks(w Webhooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = w
}

// SetTriggers exposes trigger status and test/reset under /api/triggers.
// Call before Start.
func (s *Server) SetTriggers(t Triggers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = t
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handler builds the HTTP handler tree with the API mounted under /api.
// The returned cleanup function releases the event hub.
func (s *Server) handler() (http.Handler, *handlers, func()) {
	h := newHandlers(s.controllers, s.store)
	h.webhooks = s.webhooks
	h.triggers = s.triggers
	h.auth = newAuthenticator(s.config.SessionSecret, s.config.Users)
	cleanup := h.setupSSE()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Mount("/api", h.routes())
	return r, h, cleanup
}

// Start listens and serves in the background. Listen errors are returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}

	handler, h, cleanup := s.handler()
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = ln
	s.handlers = h
	s.cleanup = cleanup

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("api", "REST API listening on %s", ln.Addr())
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	// Close SSE streams first so Shutdown does not wait on them.
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	s.handlers = nil
	return err
}

// Address returns the configured server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// ListenAddr returns the bound address while running, or "".
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// PublishSnapshot forwards a snapshot to connected SSE clients.
func (s *Server) PublishSnapshot(snap erc.Snapshot) {
	s.mu.RLock()
	h := s.handlers
	s.mu.RUnlock()
	if h != nil {
		h.broadcastSnapshot(snap)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
