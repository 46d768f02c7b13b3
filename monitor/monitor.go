package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rcmon/codec"
	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
)

// LogoutTimeout bounds the $Logout sent while going idle.
const LogoutTimeout = 2 * time.Second

// Status is the externally visible state of one monitor.
type Status struct {
	Name         string         `json:"name"`
	Address      string         `json:"address"`
	State        ConnState      `json:"state"`
	Code         erc.StatusCode `json:"code"`
	Phase        erc.Phase      `json:"phase,omitempty"`
	Countdown    int            `json:"countdown,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	LastWarning  string         `json:"lastWarning,omitempty"`
	Cycles       uint64         `json:"cycles"`
	LastSnapshot time.Time      `json:"lastSnapshot,omitempty"`
}

// Options configures a Monitor. Zero values select production defaults.
type Options struct {
	Clock          clockwork.Clock
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	Bus            *EventBus
	Logger         logging.Logger
	OnSnapshot     func(erc.Snapshot)
	ReplyTimeout   time.Duration
	ReconnectDelay time.Duration
}

// Monitor supervises the connection to one controller: it dials, runs a
// Scheduler per session, and reconnects after socket failures.
type Monitor struct {
	cfg   config.ControllerConfig
	codec *codec.Codec
	opts  Options
	log   logging.Logger

	requests chan ConnEvent
	internal chan sessionMsg
	cancel   context.CancelFunc
	quit     chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	status   Status
	snapshot *erc.Snapshot
	started  bool
}

type sessionMsg struct {
	gen  uint64
	ev   ConnEvent
	conn net.Conn
	err  error
}

type session struct {
	gen    uint64
	ch     *erc.Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for one controller. The config is validated.
func New(cfg config.ControllerConfig, opts Options) (*Monitor, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.Locale, cfg.Terminator)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = erc.DefaultReplyTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = ReconnectDelay
	}

	return &Monitor{
		cfg:      cfg,
		codec:    c,
		opts:     opts,
		log:      logging.Prefixed(opts.Logger, cfg.Name),
		requests: make(chan ConnEvent, 8),
		internal: make(chan sessionMsg, 8),
		quit:     make(chan struct{}),
		status: Status{
			Name:    cfg.Name,
			Address: cfg.Address(),
			State:   StateDisconnected,
			Code:    erc.StatusDisconnected,
		},
	}, nil
}

// Name returns the controller name.
func (m *Monitor) Name() string { return m.cfg.Name }

// Config returns the controller configuration.
func (m *Monitor) Config() config.ControllerConfig { return m.cfg }

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastSnapshot returns the most recent snapshot, if any cycle has completed.
func (m *Monitor) LastSnapshot() (erc.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return erc.Snapshot{}, false
	}
	return *m.snapshot, true
}

// Start launches the supervisor and applies the configured start mode.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)

	if m.cfg.Start == config.StartActive {
		m.Activate()
	}
}

// Stop tears the monitor down without logging out and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Activate starts operating. It is a no-op when already connected or connecting.
func (m *Monitor) Activate() { m.request(EvActivate) }

// Idle logs out and closes the session, or cancels a pending reconnect.
func (m *Monitor) Idle() { m.request(EvIdle) }

// SetActive maps a boolean control message onto Activate or Idle.
func (m *Monitor) SetActive(active bool) {
	if active {
		m.Activate()
	} else {
		m.Idle()
	}
}

func (m *Monitor) request(ev ConnEvent) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return
	}
	select {
	case m.requests <- ev:
	case <-m.quit:
	}
}

func (m *Monitor) post(msg sessionMsg) {
	select {
	case m.internal <- msg:
	case <-m.quit:
		if msg.conn != nil {
			msg.conn.Close()
		}
	}
}

// run owns the state machine. Every transition happens on this goroutine.
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.quit)

	var (
		mach       machine
		gen        uint64
		dialCancel context.CancelFunc = func() {}
		sess       *session
		ticker     clockwork.Ticker
		remaining  int
	)

	stopCountdown := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
	}

	apply := func(ev ConnEvent, msg sessionMsg) {
		prev := mach.state
		step := mach.fire(ev)
		logging.DebugLog("monitor", "%s: %s --%s--> %s", m.cfg.Name, prev, ev, step.Next)

		a := step.Action
		if a.Has(ActStopCountdown) {
			stopCountdown()
		}
		if a.Has(ActAbortDial) {
			dialCancel()
			gen++
			m.log.Log("Operation stopped")
		}
		if a.Has(ActClose) && sess != nil {
			m.closeSession(sess, a.Has(ActLogout))
			sess = nil
		}
		if a.Has(ActDial) {
			gen++
			var dctx context.Context
			dctx, dialCancel = context.WithTimeout(ctx, m.opts.ReplyTimeout)
			m.dial(dctx, gen)
			if prev == StateDisconnected {
				m.log.Log("Operation started")
			}
		}
		if a.Has(ActStartSession) {
			sess = m.startSession(ctx, gen, msg.conn)
		}
		if a.Has(ActStartCountdown) {
			remaining = int(m.opts.ReconnectDelay / time.Second)
			if remaining < 1 {
				remaining = 1
			}
			ticker = m.opts.Clock.NewTicker(time.Second)
			if prev == StateConnected {
				m.log.Log("Disconnected from controller. Trying to reconnect.")
			}
		}
		if ev == EvIdle && prev == StateReconnecting {
			m.log.Log("Operation stopped")
		}

		m.publishState(step.Next, remaining)
	}

	for {
		var tickC <-chan time.Time
		if ticker != nil {
			tickC = ticker.Chan()
		}

		select {
		case <-ctx.Done():
			stopCountdown()
			dialCancel()
			if sess != nil {
				sess.cancel()
				<-sess.done
				sess.ch.CloseWrite()
				sess.ch.Close()
			}
			m.publishState(StateDisconnected, 0)
			return

		case ev := <-m.requests:
			apply(ev, sessionMsg{})

		case msg := <-m.internal:
			if msg.gen != gen {
				if msg.conn != nil {
					msg.conn.Close()
				}
				continue
			}
			if msg.err != nil {
				m.setError(msg.err)
			}
			apply(msg.ev, msg)
			if msg.ev == EvConnected && mach.state != StateConnected && msg.conn != nil {
				msg.conn.Close()
			}

		case <-tickC:
			remaining--
			if remaining <= 0 {
				apply(EvCountdownExpired, sessionMsg{})
				continue
			}
			m.publishState(mach.state, remaining)
		}
	}
}

func (m *Monitor) dial(ctx context.Context, gen uint64) {
	addr := m.cfg.Address()
	logging.DebugConnect("erc", addr)
	go func() {
		conn, err := m.opts.Dial(ctx, "tcp", addr)
		if err != nil {
			logging.DebugConnectError("erc", addr, err)
			m.post(sessionMsg{gen: gen, ev: EvSocketError, err: err})
			return
		}
		logging.DebugConnectSuccess("erc", addr, conn.RemoteAddr().String())
		m.post(sessionMsg{gen: gen, ev: EvConnected, conn: conn})
	}()
}

func (m *Monitor) startSession(ctx context.Context, gen uint64, conn net.Conn) *session {
	m.log.Log("Connected to %s", m.cfg.Address())

	st := erc.NewState(m.cfg.Host, m.cfg.Port, m.cfg.Locale)
	ch := erc.NewChannel(conn, m.codec, st, erc.ChannelOptions{
		Password: m.cfg.Password,
		Timeout:  m.opts.ReplyTimeout,
		Clock:    m.opts.Clock,
		OnEvent:  m.emit,
	})
	sched := NewScheduler(st, SchedulerOptions{
		Name:         m.cfg.Name,
		LocaleNumber: m.codec.Locale().Number,
		Interval:     m.cfg.Interval,
		Clock:        m.opts.Clock,
		Emit:         m.emit,
		OnSnapshot:   m.storeSnapshot,
	})

	sctx, cancel := context.WithCancel(ctx)
	s := &session{gen: gen, ch: ch, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := sched.Run(sctx, ch)
		if sctx.Err() != nil {
			return
		}
		ev := classify(err)
		if ev == EvSessionFatal {
			m.emit(erc.Fatal(err))
		}
		m.post(sessionMsg{gen: gen, ev: ev, err: err})
	}()
	return s
}

// closeSession interrupts the session and closes its socket in the
// background, then reports EvClosed. $Logout is only attempted when no
// command was cut off mid-exchange.
func (m *Monitor) closeSession(s *session, logout bool) {
	// Cancelling mid-exchange breaks the channel, so an Idle that lands
	// during a command closes without $Logout.
	s.cancel()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-s.done
		if logout && !s.ch.Broken() {
			ctx, cancel := context.WithTimeout(context.Background(), LogoutTimeout)
			if err := s.ch.Logout(ctx); err != nil {
				logging.DebugError("monitor", "logout", err)
			}
			cancel()
		}
		s.ch.CloseWrite()
		s.ch.Close()
		if logout {
			m.log.Log("Operation stopped")
		}
		m.post(sessionMsg{gen: s.gen, ev: EvClosed})
	}()
}

func classify(err error) ConnEvent {
	switch {
	case erc.IsFatal(err):
		return EvSessionFatal
	case errors.Is(err, erc.ErrTimeout):
		return EvIdleTimeout
	case errors.Is(err, io.EOF):
		return EvRemoteEOF
	default:
		return EvSocketError
	}
}

func (m *Monitor) emit(ev erc.Event) {
	ev.Controller = m.cfg.Name
	codeChanged := false
	m.mu.Lock()
	switch ev.Kind {
	case erc.EventWarning:
		m.status.LastWarning = ev.Text
	case erc.EventFatal:
		m.status.LastError = ev.Text
	case erc.EventPhaseChanged:
		m.status.Phase = ev.Phase
		if m.status.State == StateConnected && m.status.Code != erc.StatusConnectedWithPhase {
			m.status.Code = erc.StatusConnectedWithPhase
			codeChanged = true
		}
	}
	m.mu.Unlock()

	switch ev.Kind {
	case erc.EventWarning:
		m.log.Log("warning: %s", ev.Text)
	case erc.EventFatal:
		m.log.Log("error: %s", ev.Text)
	}
	m.opts.Bus.Emit(ev)
	if codeChanged {
		conn := erc.Connection(erc.StatusConnectedWithPhase, 0)
		conn.Controller = m.cfg.Name
		m.opts.Bus.Emit(conn)
	}
}

func (m *Monitor) setError(err error) {
	m.mu.Lock()
	m.status.LastError = err.Error()
	m.mu.Unlock()
	m.log.Log("error: %v", err)
}

func (m *Monitor) storeSnapshot(snap erc.Snapshot) {
	m.mu.Lock()
	m.snapshot = &snap
	m.status.Cycles++
	m.status.LastSnapshot = time.UnixMilli(snap.Timestamp)
	m.mu.Unlock()
	if m.opts.OnSnapshot != nil {
		m.opts.OnSnapshot(snap)
	}
}

// publishState records the connection state and emits a connection event
// when the visible status changes.
func (m *Monitor) publishState(s ConnState, countdown int) {
	code := erc.StatusDisconnected
	switch s {
	case StateConnecting:
		code = erc.StatusConnecting
	case StateConnected, StateClosing:
		code = erc.StatusConnected
	case StateReconnecting:
		code = erc.StatusReconnecting
	default:
		countdown = 0
	}
	if s != StateReconnecting {
		countdown = 0
	}

	m.mu.Lock()
	if code == erc.StatusConnected && m.status.Phase != "" {
		code = erc.StatusConnectedWithPhase
	}
	if s == StateConnecting {
		m.status.Phase = ""
	}
	changed := m.status.State != s || m.status.Code != code || m.status.Countdown != countdown
	m.status.State = s
	m.status.Code = code
	m.status.Countdown = countdown
	m.mu.Unlock()

	if changed {
		ev := erc.Connection(code, countdown)
		ev.Controller = m.cfg.Name
		m.opts.Bus.Emit(ev)
	}
}
