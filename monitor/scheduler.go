package monitor

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"rcmon/erc"
	"rcmon/logging"
)

// DailyInterval is the minimum time between maintenance queue runs.
const DailyInterval = 24 * time.Hour

// Commander is the command channel as seen by the scheduler.
type Commander interface {
	Login(ctx context.Context) error
	Exec(ctx context.Context, cmds []string) error
}

// Scheduler runs the login, discovery, daily and periodic queues for one
// session. A Scheduler is single-use; a new session gets a new Scheduler.
type Scheduler struct {
	name         string
	state        *erc.State
	localeNumber int
	interval     time.Duration
	clock        clockwork.Clock
	emit         func(erc.Event)
	onSnapshot   func(erc.Snapshot)

	daily     []string
	periodic  []string
	dailyAt   time.Time
	prevPhase erc.Phase
	cycles    uint64
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Name         string
	LocaleNumber int
	Interval     time.Duration
	Clock        clockwork.Clock
	// Emit receives warnings and phase changes. May be nil.
	Emit func(erc.Event)
	// OnSnapshot receives one snapshot per completed cycle. May be nil.
	OnSnapshot func(erc.Snapshot)
}

// NewScheduler creates a scheduler that reads and mutates st.
func NewScheduler(st *erc.State, opts SchedulerOptions) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Emit == nil {
		opts.Emit = func(erc.Event) {}
	}
	if opts.OnSnapshot == nil {
		opts.OnSnapshot = func(erc.Snapshot) {}
	}
	return &Scheduler{
		name:         opts.Name,
		state:        st,
		localeNumber: opts.LocaleNumber,
		interval:     opts.Interval,
		clock:        opts.Clock,
		emit:         opts.Emit,
		onSnapshot:   opts.OnSnapshot,
	}
}

// Run logs in, discovers, then polls until ctx ends or a command fails.
// It always returns a non-nil error.
func (s *Scheduler) Run(ctx context.Context, c Commander) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	if err := s.Discover(ctx, c); err != nil {
		return err
	}
	if err := s.RunDaily(ctx, c); err != nil {
		return err
	}
	for {
		if err := s.Cycle(ctx, c); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
		if s.DailyDue() {
			if err := s.RunDaily(ctx, c); err != nil {
				return err
			}
		}
	}
}

// Discover runs the once-per-session queues and builds the daily and
// periodic queues from what was found.
func (s *Scheduler) Discover(ctx context.Context, c Commander) error {
	if err := c.Exec(ctx, queueOnceCommon); err != nil {
		return err
	}
	if err := c.Exec(ctx, OnceQueue(s.state)); err != nil {
		return err
	}

	var warnings []erc.Event
	s.daily, warnings = DailyQueue(s.state)
	for _, w := range warnings {
		s.emit(w)
	}
	s.periodic = PeriodicQueue(s.state)
	logging.DebugLog("monitor", "%s: discovered %d robots, firmware %q, %d daily and %d periodic commands",
		s.name, len(s.state.Robots), s.state.Controller.Firmware, len(s.daily), len(s.periodic))
	return nil
}

// RunDaily runs the maintenance queue and records when it ran.
func (s *Scheduler) RunDaily(ctx context.Context, c Commander) error {
	if err := c.Exec(ctx, s.daily); err != nil {
		return err
	}
	s.dailyAt = s.clock.Now()
	return nil
}

// DailyDue reports whether a full day has passed since the last daily run.
func (s *Scheduler) DailyDue() bool {
	return s.clock.Since(s.dailyAt) >= DailyInterval
}

// Cycle runs the periodic queue, the error follow-up queue, and emits one
// snapshot.
func (s *Scheduler) Cycle(ctx context.Context, c Commander) error {
	if err := c.Exec(ctx, s.periodic); err != nil {
		return err
	}

	if phase := s.state.Controller.Status.Phase; phase != s.prevPhase {
		s.prevPhase = phase
		s.emit(erc.PhaseChanged(phase))
	}

	if err := c.Exec(ctx, ErrorQueue(s.state, s.localeNumber)); err != nil {
		return err
	}

	s.cycles++
	s.onSnapshot(erc.NewSnapshot(s.name, s.state, s.clock.Now()))
	return nil
}

// Cycles returns the number of completed periodic cycles.
func (s *Scheduler) Cycles() uint64 { return s.cycles }
