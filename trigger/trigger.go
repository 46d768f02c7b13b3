package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/push"
)

// Status represents the current state of a trigger.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed
	StatusFiring
	StatusCooldown
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusArmed:
		return "Armed"
	case StatusFiring:
		return "Firing"
	case StatusCooldown:
		return "Cooldown"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer delivers a capture to a Kafka cluster.
type Producer interface {
	Produce(ctx context.Context, cluster, topic string, key, value []byte) error
}

// PollInterval is how often the condition field is read.
const PollInterval = 100 * time.Millisecond

// Trigger watches one field of a controller's state and captures a set of
// fields each time its condition goes from false to true.
type Trigger struct {
	config    *config.TriggerConfig
	condition *push.Condition
	producer  Producer
	reader    push.SnapshotReader

	status    Status
	lastErr   error
	fireCount int64
	lastFire  time.Time
	mu        sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastConditionMet bool
	lastEdgeTime     time.Time

	logFn func(format string, args ...interface{})
}

// NewTrigger creates a trigger. producer may be nil when no trigger
// publishes to Kafka.
func NewTrigger(cfg *config.TriggerConfig, producer Producer, reader push.SnapshotReader) (*Trigger, error) {
	op, err := push.ParseOperator(cfg.Condition.Operator)
	if err != nil {
		return nil, fmt.Errorf("invalid condition operator: %w", err)
	}

	return &Trigger{
		config:    cfg,
		condition: &push.Condition{Operator: op, Value: cfg.Condition.Value},
		producer:  producer,
		reader:    reader,
		status:    StatusDisabled,
	}, nil
}

// Name returns the trigger name.
func (t *Trigger) Name() string { return t.config.Name }

// Config returns the trigger configuration.
func (t *Trigger) Config() *config.TriggerConfig { return t.config }

// SetLogFunc sets the logging callback.
func (t *Trigger) SetLogFunc(fn func(format string, args ...interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logFn = fn
}

func (t *Trigger) log(format string, args ...interface{}) {
	// Skip rather than block while fire() holds the lock.
	if !t.mu.TryRLock() {
		return
	}
	fn := t.logFn
	t.mu.RUnlock()
	if fn != nil {
		fn("[Trigger:%s] "+format, append([]interface{}{t.config.Name}, args...)...)
	}
}

// GetStatus returns the current trigger status.
// Uses TryRLock to avoid blocking the UI thread.
func (t *Trigger) GetStatus() Status {
	if !t.mu.TryRLock() {
		return StatusFiring
	}
	defer t.mu.RUnlock()
	return t.status
}

// GetError returns the last error.
func (t *Trigger) GetError() error {
	if !t.mu.TryRLock() {
		return nil
	}
	defer t.mu.RUnlock()
	return t.lastErr
}

// GetStats returns the fire count and last fire time.
func (t *Trigger) GetStats() (fireCount int64, lastFire time.Time) {
	if !t.mu.TryRLock() {
		return 0, time.Time{}
	}
	defer t.mu.RUnlock()
	return t.fireCount, t.lastFire
}

// Start begins watching the condition. A disabled trigger stays disabled.
func (t *Trigger) Start() {
	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		return
	}
	if !t.config.Enabled {
		t.status = StatusDisabled
		t.mu.Unlock()
		return
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.status = StatusArmed
	t.lastConditionMet = false
	ctx := t.ctx
	t.mu.Unlock()

	t.wg.Add(1)
	go t.monitorLoop(ctx)

	t.log("started, watching %s %s", t.config.Controller, t.config.Condition.Field)
}

// Stop halts the trigger.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	// A Kafka write in progress may outlast this wait; it ends on its own
	// context timeout.
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	t.mu.Lock()
	t.ctx = nil
	t.cancel = nil
	t.status = StatusDisabled
	t.mu.Unlock()

	t.log("stopped")
}

func (t *Trigger) monitorLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTrigger()
		}
	}
}

// checkTrigger reads the condition field and fires on a rising edge.
func (t *Trigger) checkTrigger() {
	t.mu.RLock()
	status := t.status
	t.mu.RUnlock()

	if status != StatusArmed && status != StatusCooldown {
		return
	}

	value, err := push.NewFieldReader(t.reader).Read(t.config.Controller, t.config.Condition.Field)
	if err != nil {
		// No state yet or the field is absent; both read as false.
		value = nil
	}
	conditionMet := false
	if value != nil {
		conditionMet, err = t.condition.Evaluate(value)
		if err != nil {
			t.log("error evaluating condition: %v", err)
			return
		}
	}

	t.mu.Lock()
	wasConditionMet := t.lastConditionMet
	t.lastConditionMet = conditionMet

	switch t.status {
	case StatusArmed:
		if conditionMet && !wasConditionMet {
			debounce := time.Duration(t.config.DebounceMS) * time.Millisecond
			if time.Since(t.lastEdgeTime) < debounce {
				t.mu.Unlock()
				return
			}
			t.lastEdgeTime = time.Now()
			t.status = StatusFiring
			t.mu.Unlock()

			t.fire()
			return
		}

	case StatusCooldown:
		if !conditionMet {
			t.status = StatusArmed
			t.mu.Unlock()
			t.log("re-armed")
			return
		}
	}
	t.mu.Unlock()
}

// capture reads the configured fields from one consistent snapshot. With
// no fields configured the whole state is captured.
func (t *Trigger) capture() (map[string]interface{}, int64, error) {
	snap, ok := t.reader.Snapshot(t.config.Controller)
	if !ok || snap.Payload == nil {
		return nil, 0, fmt.Errorf("no state for %s", t.config.Controller)
	}
	if len(t.config.Fields) == 0 {
		return map[string]interface{}{"state": snap.Payload}, snap.Timestamp, nil
	}

	fields := push.NewFieldReader(fixedReader{snap})
	data := make(map[string]interface{}, len(t.config.Fields))
	for _, f := range t.config.Fields {
		v, err := fields.Read(t.config.Controller, f)
		if err != nil {
			return nil, 0, err
		}
		data[f] = v
	}
	return data, snap.Timestamp, nil
}

// fire captures data and sends it to Kafka.
func (t *Trigger) fire() {
	t.log("triggered, capturing %d fields", len(t.config.Fields))

	data, stateTime, err := t.capture()
	if err != nil {
		t.handleError(fmt.Errorf("capture failed: %w", err))
		return
	}

	msg := NewMessage(t.config.Name, t.config.Controller, stateTime, t.config.Metadata, data)
	payload, err := msg.ToJSON()
	if err != nil {
		t.handleError(fmt.Errorf("failed to serialize message: %w", err))
		return
	}

	if t.config.KafkaCluster != "" && t.config.Topic != "" {
		if t.producer == nil {
			t.handleError(fmt.Errorf("no Kafka producer for cluster %s", t.config.KafkaCluster))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := t.producer.Produce(ctx, t.config.KafkaCluster, t.config.Topic, msg.Key(), payload); err != nil {
			t.handleError(fmt.Errorf("failed to send to Kafka: %w", err))
			return
		}
		t.log("sent to Kafka topic %s, sequence=%d", t.config.Topic, msg.Sequence)
	} else {
		t.log("fired, sequence=%d (no Kafka configured)", msg.Sequence)
	}

	t.mu.Lock()
	t.fireCount++
	t.lastFire = time.Now()
	t.status = StatusCooldown
	t.lastErr = nil
	t.mu.Unlock()
}

// handleError records err and waits for the condition to clear.
func (t *Trigger) handleError(err error) {
	t.log("error: %v", err)

	t.mu.Lock()
	t.lastErr = err
	t.status = StatusCooldown
	t.mu.Unlock()
}

// Reset clears the error state and re-arms the trigger.
func (t *Trigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusError || t.status == StatusCooldown {
		t.status = StatusArmed
		t.lastErr = nil
		t.lastConditionMet = false
	}
}

// TestFire captures and sends immediately, bypassing the condition.
func (t *Trigger) TestFire() error {
	if t.GetStatus() == StatusDisabled {
		return fmt.Errorf("trigger is disabled, start it first")
	}

	t.log("TEST FIRE triggered manually")
	t.fire()

	t.mu.RLock()
	lastErr := t.lastErr
	t.mu.RUnlock()
	return lastErr
}

// fixedReader serves one already-taken snapshot.
type fixedReader struct{ snap erc.Snapshot }

func (r fixedReader) Snapshot(string) (erc.Snapshot, bool) { return r.snap, true }
