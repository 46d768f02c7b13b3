package valkey

import (
	"sync"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/monitor"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	// Shared callbacks
	controlHandler    ControlHandler
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, ns string) {
	for i := range configs {
		m.Add(&configs[i], ns)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, ns string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, ns)
	pub.SetControlHandler(m.controlHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
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

// PublishSnapshot stores a snapshot on all running publishers.
func (m *Manager) PublishSnapshot(snap erc.Snapshot) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishSnapshot(snap); err != nil {
				debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// PublishStatus stores a controller status on all running publishers.
func (m *Manager) PublishStatus(st monitor.Status) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishStatus(st); err != nil {
				debugLog("Valkey status publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// SetControlHandler sets the control handler for all publishers.
func (m *Manager) SetControlHandler(handler ControlHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.controlHandler = handler
	for _, pub := range m.publishers {
		pub.SetControlHandler(handler)
	}
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
