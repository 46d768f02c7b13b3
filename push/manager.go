package push

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"rcmon/config"
)

// Manager manages all configured pushes.
type Manager struct {
	pushes map[string]*Push
	reader SnapshotReader
	mu     sync.RWMutex

	logFn func(format string, args ...interface{})
}

// NewManager creates a push manager reading state from reader.
func NewManager(reader SnapshotReader) *Manager {
	return &Manager{
		pushes: make(map[string]*Push),
		reader: reader,
	}
}

// SetLogFunc sets the logging callback for all pushes.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	for _, p := range m.pushes {
		p.SetLogFunc(fn)
	}
	m.mu.Unlock()
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[PushMgr] "+format, args...)
	}
}

// AddPush adds a new push configuration.
func (m *Manager) AddPush(cfg *config.PushConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pushes[cfg.Name]; exists {
		return fmt.Errorf("push already exists: %s", cfg.Name)
	}

	p, err := NewPush(cfg, m.reader)
	if err != nil {
		return err
	}
	p.SetLogFunc(m.logFn)
	m.pushes[cfg.Name] = p
	return nil
}

// RemovePush removes and stops a push.
func (m *Manager) RemovePush(name string) {
	m.mu.Lock()
	p, exists := m.pushes[name]
	delete(m.pushes, name)
	m.mu.Unlock()

	if exists {
		p.Stop()
	}
}

// GetPush returns the push with the given name.
func (m *Manager) GetPush(name string) *Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushes[name]
}

// ListPushes returns all push names, sorted.
func (m *Manager) ListPushes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.pushes))
	for name := range m.pushes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) all() []*Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pushes := make([]*Push, 0, len(m.pushes))
	for _, p := range m.pushes {
		pushes = append(pushes, p)
	}
	return pushes
}

// Start starts all enabled pushes.
func (m *Manager) Start() {
	pushes := m.all()
	for _, p := range pushes {
		p.Start()
	}
	m.log("started %d pushes", len(pushes))
}

// Stop stops all pushes.
func (m *Manager) Stop() {
	for _, p := range m.all() {
		p.Stop()
	}
	m.log("stopped all pushes")
}

func (m *Manager) lookup(name string) (*Push, error) {
	m.mu.RLock()
	p, exists := m.pushes[name]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("push not found: %s", name)
	}
	return p, nil
}

// RestartPush stops and starts a push, clearing its cooldown.
func (m *Manager) RestartPush(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	p.Stop()
	p.Start()
	return nil
}

// TestFirePush manually fires a push.
func (m *Manager) TestFirePush(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	return p.TestFire()
}

// ResetPush clears a push's error and re-arms it.
func (m *Manager) ResetPush(name string) error {
	p, err := m.lookup(name)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}

// LoadFromConfig loads pushes from configuration.
func (m *Manager) LoadFromConfig(configs []config.PushConfig) {
	for i := range configs {
		if err := m.AddPush(&configs[i]); err != nil {
			m.log("error adding push %s: %v", configs[i].Name, err)
		}
	}
}

// PushInfo holds summary information about a push.
type PushInfo struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Enabled      bool      `json:"enabled"`
	Conditions   int       `json:"conditions"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	SendCount    int64     `json:"sendCount"`
	LastSend     time.Time `json:"lastSend,omitempty"`
	LastHTTPCode int       `json:"lastHttpCode,omitempty"`
}

// Info returns a summary of the push.
func (p *Push) Info() PushInfo {
	count, lastSend, lastCode := p.GetStats()
	info := PushInfo{
		Name:         p.config.Name,
		URL:          p.config.URL,
		Method:       p.method(),
		Enabled:      p.config.Enabled,
		Conditions:   len(p.config.Conditions),
		Status:       p.GetStatus().String(),
		SendCount:    count,
		LastSend:     lastSend,
		LastHTTPCode: lastCode,
	}
	if err := p.GetError(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// GetAllPushInfo returns info for all pushes, sorted by name.
func (m *Manager) GetAllPushInfo() []PushInfo {
	pushes := m.all()
	infos := make([]PushInfo, 0, len(pushes))
	for _, p := range pushes {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
