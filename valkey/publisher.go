// Package valkey stores controller snapshots and status in Valkey/Redis and
// consumes activate/idle requests from a control queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
	"rcmon/monitor"
	"rcmon/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// StateMessage is the snapshot record stored under {factory}:{controller}:state.
type StateMessage struct {
	Factory    string     `json:"factory"`
	Controller string     `json:"controller"`
	Payload    *erc.State `json:"payload"`
	Timestamp  int64      `json:"timestamp"`
}

// StatusMessage is the connection status stored under {factory}:{controller}:status.
type StatusMessage struct {
	Factory    string         `json:"factory"`
	Controller string         `json:"controller"`
	Online     bool           `json:"online"`
	State      string         `json:"state"`
	Code       erc.StatusCode `json:"code"`
	Phase      erc.Phase      `json:"phase,omitempty"`
	Countdown  int            `json:"countdown,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ControlResponse is published after each control request.
type ControlResponse struct {
	Factory    string    `json:"factory"`
	Controller string    `json:"controller"`
	Active     bool      `json:"active"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ControlHandler is a callback for handling activate/idle requests.
type ControlHandler func(controller string, active bool) error

// Publisher handles one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	// Callbacks
	controlHandler    ControlHandler
	onConnectCallback func()

	// Control queue processing
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		ns:       namespace.New(ns, cfg.Selector),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableControl {
		p.wg.Add(1)
		go p.controlListener(client, p.stopChan)
	}

	// Publish current snapshots and statuses
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// controlListener uses a 1s BLPOP timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// NewStateMessage wraps a snapshot for storage.
func NewStateMessage(factory string, snap erc.Snapshot) StateMessage {
	return StateMessage{
		Factory:    factory,
		Controller: snap.Controller,
		Payload:    snap.Payload,
		Timestamp:  snap.Timestamp,
	}
}

// NewStatusMessage builds the status record for st.
func NewStatusMessage(factory string, st monitor.Status) StatusMessage {
	return StatusMessage{
		Factory:    factory,
		Controller: st.Name,
		Online:     st.State == monitor.StateConnected,
		State:      st.State.String(),
		Code:       st.Code,
		Phase:      st.Phase,
		Countdown:  st.Countdown,
		Error:      st.LastError,
		Timestamp:  time.Now().UTC(),
	}
}

// PublishSnapshot stores the latest snapshot and, when enabled, publishes it
// on the change channels.
func (p *Publisher) PublishSnapshot(snap erc.Snapshot) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(NewStateMessage(p.ns.ValkeyFactory(), snap))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.ns.ValkeyStateKey(snap.Controller), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, p.ns.ValkeyChangesChannel(snap.Controller), data)
		client.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
	}
	return nil
}

// PublishStatus stores the controller's connection status.
func (p *Publisher) PublishStatus(st monitor.Status) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	key := p.ns.ValkeyStatusKey(st.Name)
	data, err := json.Marshal(NewStatusMessage(p.ns.ValkeyFactory(), st))
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set status key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetControlHandler sets the callback for activate/idle requests.
func (p *Publisher) SetControlHandler(handler ControlHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controlHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// controlListener pops control requests off the control list.
func (p *Publisher) controlListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.ns.ValkeyControlQueue()
	responseChannel := p.ns.ValkeyControlResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey control queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processControl([]byte(result[1]))
		data, _ := json.Marshal(resp)
		pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pctx, responseChannel, data)
		pcancel()

		debugLog("Valkey control %s active=%v -> success=%v", resp.Controller, resp.Active, resp.Success)
	}
}

// processControl decodes and executes one control request.
func (p *Publisher) processControl(payload []byte) ControlResponse {
	p.mu.RLock()
	handler := p.controlHandler
	p.mu.RUnlock()

	resp := ControlResponse{
		Factory:   p.ns.ValkeyFactory(),
		Timestamp: time.Now().UTC(),
	}

	req, err := monitor.ParseControl(payload)
	switch {
	case err != nil:
		resp.Error = err.Error()
	case req.Controller == "":
		resp.Active = req.Active
		resp.Error = "controller is required"
	case handler == nil:
		resp.Controller, resp.Active = req.Controller, req.Active
		resp.Error = "no control handler configured"
	default:
		resp.Controller, resp.Active = req.Controller, req.Active
		if err := handler(req.Controller, req.Active); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}
	return resp
}
