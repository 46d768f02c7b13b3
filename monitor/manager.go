package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
)

// Sentinel errors returned by Manager lookups.
var (
	ErrNotFound      = errors.New("controller not found")
	ErrAlreadyExists = errors.New("controller already exists")
)

// ManagerOptions are shared by every monitor the manager creates.
type ManagerOptions struct {
	Clock  clockwork.Clock
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger logging.Logger
}

// Manager runs one Monitor per configured controller.
type Manager struct {
	opts     ManagerOptions
	bus      *EventBus
	monitors map[string]*Monitor
	running  bool
	mu       sync.RWMutex

	// Callbacks
	onSnapshot func(erc.Snapshot)
	onStatus   func(name string, st Status)
	onChange   func()
	cbMu       sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		opts:     opts,
		bus:      NewEventBus(),
		monitors: make(map[string]*Monitor),
	}
	m.bus.SubscribeKinds(m.statusEvent,
		erc.EventConnection, erc.EventPhaseChanged, erc.EventFatal)
	return m
}

// Events returns the bus every monitor emits on.
func (m *Manager) Events() *EventBus { return m.bus }

// SetOnSnapshot sets the callback for completed poll cycles.
func (m *Manager) SetOnSnapshot(fn func(erc.Snapshot)) {
	m.cbMu.Lock()
	m.onSnapshot = fn
	m.cbMu.Unlock()
}

// SetOnStatus sets the callback that receives a monitor's status after every
// connection, phase or fatal event.
func (m *Manager) SetOnStatus(fn func(name string, st Status)) {
	m.cbMu.Lock()
	m.onStatus = fn
	m.cbMu.Unlock()
}

// SetOnChange sets the callback for any change in the monitor list or status.
func (m *Manager) SetOnChange(fn func()) {
	m.cbMu.Lock()
	m.onChange = fn
	m.cbMu.Unlock()
}

func (m *Manager) statusEvent(ev erc.Event) {
	m.cbMu.RLock()
	fn := m.onStatus
	m.cbMu.RUnlock()
	if fn != nil {
		if mon := m.Get(ev.Controller); mon != nil {
			fn(ev.Controller, mon.Status())
		}
	}
	m.markStatusDirty()
}

func (m *Manager) markStatusDirty() {
	m.cbMu.RLock()
	fn := m.onChange
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) sendSnapshot(snap erc.Snapshot) {
	m.cbMu.RLock()
	fn := m.onSnapshot
	m.cbMu.RUnlock()
	if fn != nil {
		fn(snap)
	}
	m.markStatusDirty()
}

// Add creates a monitor for cfg. It starts immediately if the manager is running.
func (m *Manager) Add(cfg config.ControllerConfig) error {
	mon, err := New(cfg, Options{
		Clock:      m.opts.Clock,
		Dial:       m.opts.Dial,
		Bus:        m.bus,
		Logger:     m.opts.Logger,
		OnSnapshot: m.sendSnapshot,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.monitors[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.Name)
	}
	m.monitors[cfg.Name] = mon
	running := m.running
	m.mu.Unlock()

	if running {
		mon.Start()
	}
	m.markStatusDirty()
	return nil
}

// Remove stops and forgets the named monitor.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	mon, exists := m.monitors[name]
	delete(m.monitors, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	mon.Stop()
	m.markStatusDirty()
	return nil
}

// Get returns the named monitor or nil.
func (m *Manager) Get(name string) *Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitors[name]
}

// List returns all monitors sorted by name.
func (m *Manager) List() []*Monitor {
	m.mu.RLock()
	result := make([]*Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		result = append(result, mon)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Statuses returns the status of every monitor sorted by name.
func (m *Manager) Statuses() []Status {
	mons := m.List()
	result := make([]Status, len(mons))
	for i, mon := range mons {
		result[i] = mon.Status()
	}
	return result
}

// Snapshots returns the latest snapshot of every monitor that has one. It is
// used for the initial publish when a sink connects.
func (m *Manager) Snapshots() []erc.Snapshot {
	var result []erc.Snapshot
	for _, mon := range m.List() {
		if snap, ok := mon.LastSnapshot(); ok {
			result = append(result, snap)
		}
	}
	return result
}

// Status returns the named monitor's status.
func (m *Manager) Status(name string) (Status, bool) {
	mon := m.Get(name)
	if mon == nil {
		return Status{}, false
	}
	return mon.Status(), true
}

// Snapshot returns the named monitor's last snapshot. The second result is
// false if the controller is unknown or has not completed a cycle yet.
func (m *Manager) Snapshot(name string) (erc.Snapshot, bool) {
	mon := m.Get(name)
	if mon == nil {
		return erc.Snapshot{}, false
	}
	return mon.LastSnapshot()
}

// Activate requests the named monitor to start operating.
func (m *Manager) Activate(name string) error {
	mon := m.Get(name)
	if mon == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	mon.Activate()
	return nil
}

// Idle requests the named monitor to stop operating.
func (m *Manager) Idle(name string) error {
	mon := m.Get(name)
	if mon == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	mon.Idle()
	return nil
}

// SetActive routes a boolean control message to the named monitor.
func (m *Manager) SetActive(name string, active bool) error {
	if active {
		return m.Activate(name)
	}
	return m.Idle(name)
}

// LoadFromConfig adds every configured controller. Invalid entries are
// logged and skipped.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for _, cc := range cfg.Controllers {
		if err := m.Add(cc); err != nil && m.opts.Logger != nil {
			m.opts.Logger.Log("controller %s: %v", cc.Name, err)
		}
	}
}

// Start launches every monitor. Each one applies its own start mode.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	mons := make([]*Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		mons = append(mons, mon)
	}
	m.mu.Unlock()

	for _, mon := range mons {
		mon.Start()
	}
}

// IdleAll requests every monitor to log out and stop operating.
func (m *Manager) IdleAll() {
	for _, mon := range m.List() {
		mon.Idle()
	}
}

// Stop tears every monitor down and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	mons := make([]*Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		mons = append(mons, mon)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mon := range mons {
		wg.Add(1)
		go func(mon *Monitor) {
			defer wg.Done()
			mon.Stop()
		}(mon)
	}
	wg.Wait()
}
