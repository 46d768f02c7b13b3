package trigger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"rcmon/config"
	"rcmon/push"
)

// Manager manages all configured triggers.
type Manager struct {
	triggers map[string]*Trigger
	producer Producer
	reader   push.SnapshotReader
	mu       sync.RWMutex

	logFn func(format string, args ...interface{})
}

// NewManager creates a trigger manager reading state from reader and
// producing captures through producer.
func NewManager(producer Producer, reader push.SnapshotReader) *Manager {
	return &Manager{
		triggers: make(map[string]*Trigger),
		producer: producer,
		reader:   reader,
	}
}

// SetLogFunc sets the logging callback for all triggers.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	for _, t := range m.triggers {
		t.SetLogFunc(fn)
	}
	m.mu.Unlock()
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[TriggerMgr] "+format, args...)
	}
}

// AddTrigger adds a new trigger configuration.
func (m *Manager) AddTrigger(cfg *config.TriggerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.triggers[cfg.Name]; exists {
		return fmt.Errorf("trigger already exists: %s", cfg.Name)
	}

	t, err := NewTrigger(cfg, m.producer, m.reader)
	if err != nil {
		return err
	}
	t.SetLogFunc(m.logFn)
	m.triggers[cfg.Name] = t
	return nil
}

// RemoveTrigger removes and stops a trigger.
func (m *Manager) RemoveTrigger(name string) {
	m.mu.Lock()
	t, exists := m.triggers[name]
	delete(m.triggers, name)
	m.mu.Unlock()

	if exists {
		t.Stop()
	}
}

// GetTrigger returns the trigger with the given name.
func (m *Manager) GetTrigger(name string) *Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggers[name]
}

// ListTriggers returns all trigger names, sorted.
func (m *Manager) ListTriggers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.triggers))
	for name := range m.triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) all() []*Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	return out
}

func (m *Manager) lookup(name string) (*Trigger, error) {
	m.mu.RLock()
	t, ok := m.triggers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trigger not found: %s", name)
	}
	return t, nil
}

// Start starts all enabled triggers.
func (m *Manager) Start() {
	triggers := m.all()
	for _, t := range triggers {
		t.Start()
	}
	m.log("started %d triggers", len(triggers))
}

// Stop stops all triggers.
func (m *Manager) Stop() {
	for _, t := range m.all() {
		t.Stop()
	}
	m.log("stopped all triggers")
}

// RestartTrigger stops and starts one trigger.
func (m *Manager) RestartTrigger(name string) error {
	t, err := m.lookup(name)
	if err != nil {
		return err
	}
	t.Stop()
	t.Start()
	return nil
}

// ResetTrigger re-arms a trigger waiting in cooldown.
func (m *Manager) ResetTrigger(name string) error {
	t, err := m.lookup(name)
	if err != nil {
		return err
	}
	t.Reset()
	return nil
}

// TestFireTrigger fires a trigger immediately.
func (m *Manager) TestFireTrigger(name string) error {
	t, err := m.lookup(name)
	if err != nil {
		return err
	}
	return t.TestFire()
}

// LoadFromConfig loads triggers from configuration.
func (m *Manager) LoadFromConfig(configs []config.TriggerConfig) {
	for i := range configs {
		if err := m.AddTrigger(&configs[i]); err != nil {
			m.log("error adding trigger %s: %v", configs[i].Name, err)
		}
	}
}

// TriggerInfo holds summary information about a trigger.
type TriggerInfo struct {
	Name       string    `json:"name"`
	Controller string    `json:"controller"`
	Field      string    `json:"field"`
	Cluster    string    `json:"cluster,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FireCount  int64     `json:"fireCount"`
	LastFire   time.Time `json:"lastFire,omitempty"`
}

// Info returns a summary of the trigger.
func (t *Trigger) Info() TriggerInfo {
	count, lastFire := t.GetStats()
	info := TriggerInfo{
		Name:       t.config.Name,
		Controller: t.config.Controller,
		Field:      t.config.Condition.Field,
		Cluster:    t.config.KafkaCluster,
		Topic:      t.config.Topic,
		Enabled:    t.config.Enabled,
		Status:     t.GetStatus().String(),
		FireCount:  count,
		LastFire:   lastFire,
	}
	if err := t.GetError(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// GetAllTriggerInfo returns info for all triggers, sorted by name.
func (m *Manager) GetAllTriggerInfo() []TriggerInfo {
	triggers := m.all()
	infos := make([]TriggerInfo, 0, len(triggers))
	for _, t := range triggers {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
