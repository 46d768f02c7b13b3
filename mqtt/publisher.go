// Package mqtt publishes controller snapshots and status to MQTT brokers and
// accepts activate/idle requests on per-controller control topics.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
	"rcmon/monitor"
	"rcmon/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// controlJob represents a pending activate/idle request.
type controlJob struct {
	controller string
	active     bool
	handler    ControlHandler
}

// MaxControlWorkers is the maximum number of concurrent control goroutines per publisher.
const MaxControlWorkers = 2

// MaxControlQueueSize is the maximum number of pending control jobs per publisher.
const MaxControlQueueSize = 32

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Last published status per controller, to suppress repeats
	lastStatus map[string]string
	lastMu     sync.RWMutex

	controlHandler ControlHandler

	// Worker pool for bounded control goroutines
	controlQueue chan controlJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// StatusMessage is the JSON structure published on the status topic.
type StatusMessage struct {
	Topic      string         `json:"topic"`
	Controller string         `json:"controller"`
	State      string         `json:"state"`
	Code       erc.StatusCode `json:"code"`
	Phase      erc.Phase      `json:"phase,omitempty"`
	Countdown  int            `json:"countdown,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ControlHandler is a callback for handling activate/idle requests.
type ControlHandler func(controller string, active bool) error

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:       cfg,
		ns:           namespace.New(ns, cfg.Selector),
		lastStatus:   make(map[string]string),
		controlQueue: make(chan controlJob, MaxControlQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker and subscribes to the control topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	// Resubscribe after an automatic reconnect; the session is not persistent.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.subscribeControl(c)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force the next status of every controller to be republished
	p.lastMu.Lock()
	p.lastStatus = make(map[string]string)
	p.lastMu.Unlock()

	p.startControlWorkers()
	return nil
}

func (p *Publisher) startControlWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.controlQueue
	p.mu.RUnlock()
	for i := 0; i < MaxControlWorkers; i++ {
		p.wg.Add(1)
		go p.controlWorker(stop, queue)
	}
}

func (p *Publisher) controlWorker(stop <-chan struct{}, queue <-chan controlJob) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			if job.handler == nil {
				logMQTT("No control handler configured, dropping request for %s", job.controller)
				continue
			}
			logMQTT("Control: %s active=%v", job.controller, job.active)
			if err := job.handler(job.controller, job.active); err != nil {
				logMQTT("Control error for %s: %v", job.controller, err)
			}
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.controlQueue = make(chan controlJob, MaxControlQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for control workers to stop")
	}

	client.Disconnect(500)
}

// PublishSnapshot publishes a retained snapshot on the controller's state topic.
func (p *Publisher) PublishSnapshot(snap erc.Snapshot) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		logMQTT("Snapshot marshal error for %s: %v", snap.Controller, err)
		return false
	}
	return p.publish(client, p.ns.MQTTStateTopic(snap.Controller), payload)
}

// PublishStatus publishes a retained status message when it differs from
// the last one sent for the controller, or when force is set.
func (p *Publisher) PublishStatus(st monitor.Status, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	msg := NewStatusMessage(p.ns.MQTTBase(), st)
	key := statusKey(msg)

	p.lastMu.RLock()
	last, exists := p.lastStatus[st.Name]
	p.lastMu.RUnlock()
	if exists && !force && last == key {
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if !p.publish(client, p.ns.MQTTStatusTopic(st.Name), payload) {
		return false
	}

	p.lastMu.Lock()
	p.lastStatus[st.Name] = key
	p.lastMu.Unlock()
	return true
}

func (p *Publisher) publish(client pahomqtt.Client, topic string, payload []byte) bool {
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Publish timeout on %s", topic)
		return false
	}
	if token.Error() != nil {
		logMQTT("Publish error on %s: %v", topic, token.Error())
		return false
	}
	return true
}

// NewStatusMessage builds the status payload for st.
func NewStatusMessage(topic string, st monitor.Status) StatusMessage {
	return StatusMessage{
		Topic:      topic,
		Controller: st.Name,
		State:      st.State.String(),
		Code:       st.Code,
		Phase:      st.Phase,
		Countdown:  st.Countdown,
		Error:      st.LastError,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// statusKey identifies a status message for change detection. The
// timestamp is excluded.
func statusKey(m StatusMessage) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", m.State, m.Code, m.Phase, m.Countdown, m.Error)
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetControlHandler sets the callback for activate/idle requests.
func (p *Publisher) SetControlHandler(handler ControlHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controlHandler = handler
}

func (p *Publisher) subscribeControl(client pahomqtt.Client) {
	topic := p.ns.MQTTControlWildcard()
	logMQTT("Subscribing to control topic: %s", topic)
	token := client.Subscribe(topic, 1, p.handleControlMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", topic, token.Error())
		} else {
			logMQTT("Subscribe timeout for %s", topic)
		}
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

// controllerFromTopic extracts the controller from {base}/{controller}/control.
func (p *Publisher) controllerFromTopic(topic string) (string, bool) {
	prefix := p.ns.MQTTBase() + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/control") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/control")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (p *Publisher) handleControlMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received control request on topic %s: %s", msg.Topic(), string(msg.Payload()))
	// Retained control messages would replay on every reconnect.
	if msg.Retained() {
		logMQTT("Ignoring retained control message on %s", msg.Topic())
		return
	}
	p.enqueueControl(msg.Topic(), msg.Payload())
}

func (p *Publisher) enqueueControl(topic string, payload []byte) bool {
	controller, ok := p.controllerFromTopic(topic)
	if !ok {
		logMQTT("Control topic not recognised: %s", topic)
		return false
	}
	req, err := monitor.ParseControl(payload)
	if err != nil {
		logMQTT("Control parse error: %v", err)
		return false
	}

	p.mu.RLock()
	handler := p.controlHandler
	queue := p.controlQueue
	p.mu.RUnlock()

	select {
	case queue <- controlJob{controller: controller, active: req.Active, handler: handler}:
		return true
	default:
		logMQTT("Control queue full, dropping request for %s", controller)
		return false
	}
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	controlHandler ControlHandler
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.controlHandler
	m.mu.Unlock()

	if handler != nil {
		pub.SetControlHandler(handler)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// PublishSnapshot publishes a snapshot to all running publishers.
func (m *Manager) PublishSnapshot(snap erc.Snapshot) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishSnapshot(snap)
		}
	}
}

// PublishStatus publishes a status to all running publishers.
func (m *Manager) PublishStatus(st monitor.Status, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishStatus(st, force)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// SetControlHandler sets the control handler for all publishers.
func (m *Manager) SetControlHandler(handler ControlHandler) {
	m.mu.Lock()
	m.controlHandler = handler
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetControlHandler(handler)
	}
}
