// Package push sends HTTP webhooks when conditions on controllers' live
// state become true, with rising-edge detection and a cooldown.
package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"rcmon/config"
)

// Status represents the current state of a push.
type Status int

const (
	StatusDisabled     Status = iota
	StatusArmed               // Monitoring conditions
	StatusFiring              // Sending HTTP request
	StatusWaitingClear        // Sent, waiting for triggering condition(s) to clear
	StatusMinInterval         // Cleared, waiting minimum cooldown interval
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
	case StatusWaitingClear:
		return "Waiting Clear"
	case StatusMinInterval:
		return "Cooldown"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// PollInterval is how often conditions are evaluated.
const PollInterval = 100 * time.Millisecond

// fieldRefRegex matches #{controller:field.path} references in body templates.
var fieldRefRegex = regexp.MustCompile(`#\{([^:{}]+):([^{}]+)\}`)

// conditionState tracks per-condition edge detection and cooldown state.
type conditionState struct {
	lastMet       bool
	inCooldown    bool
	condClearedAt time.Time
}

// Push watches controller state fields and sends an HTTP request when a
// condition rises.
type Push struct {
	config     *config.PushConfig
	conditions []*Condition
	reader     SnapshotReader

	status       Status
	lastErr      error
	sendCount    int64
	lastSend     time.Time
	lastHTTPCode int
	mu           sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	condStates []conditionState

	httpClient *http.Client
	logFn      func(format string, args ...interface{})
}

// NewPush creates a new push from configuration.
func NewPush(cfg *config.PushConfig, reader SnapshotReader) (*Push, error) {
	conditions := make([]*Condition, len(cfg.Conditions))
	for i, cond := range cfg.Conditions {
		op, err := ParseOperator(cond.Operator)
		if err != nil {
			return nil, fmt.Errorf("condition %d: invalid operator: %w", i, err)
		}
		conditions[i] = &Condition{Operator: op, Value: cond.Value}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Push{
		config:     cfg,
		conditions: conditions,
		reader:     reader,
		status:     StatusDisabled,
		condStates: make([]conditionState, len(cfg.Conditions)),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the push name.
func (p *Push) Name() string { return p.config.Name }

// Config returns the push configuration.
func (p *Push) Config() *config.PushConfig { return p.config }

// SetLogFunc sets the logging callback.
func (p *Push) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

func (p *Push) log(format string, args ...interface{}) {
	p.mu.RLock()
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Push:%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	}
}

// GetStatus returns the current push status.
func (p *Push) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Push) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns push statistics.
func (p *Push) GetStats() (sendCount int64, lastSend time.Time, lastHTTPCode int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sendCount, p.lastSend, p.lastHTTPCode
}

// Start begins monitoring conditions. Disabled pushes stay idle.
func (p *Push) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	if !p.config.Enabled {
		p.status = StatusDisabled
		p.mu.Unlock()
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.status = StatusArmed
	p.condStates = make([]conditionState, len(p.config.Conditions))
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitorLoop(ctx)

	p.log("started, monitoring %d conditions", len(p.config.Conditions))
}

// Stop halts monitoring. An in-flight request finishes in the background.
func (p *Push) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.status = StatusDisabled
	p.mu.Unlock()

	p.log("stopped")
}

func (p *Push) monitorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkConditions(ctx)
		}
	}
}

// checkConditions evaluates every condition once and advances the state machine.
func (p *Push) checkConditions(ctx context.Context) {
	p.mu.RLock()
	status := p.status
	p.mu.RUnlock()

	switch status {
	case StatusArmed:
		p.checkArmed(ctx)
	case StatusWaitingClear:
		p.checkWaitingClear()
	case StatusMinInterval:
		p.checkMinInterval()
	}
}

// evaluate returns each condition's result. ok is false where the field
// could not be read or compared.
func (p *Push) evaluate() (met, ok []bool) {
	fields := NewFieldReader(p.reader)
	met = make([]bool, len(p.conditions))
	ok = make([]bool, len(p.conditions))
	for i, cond := range p.config.Conditions {
		value, err := fields.Read(cond.Controller, cond.Field)
		if err != nil {
			continue
		}
		m, err := p.conditions[i].Evaluate(value)
		if err != nil {
			continue
		}
		met[i], ok[i] = m, true
	}
	return met, ok
}

// checkArmed fires on the first rising edge.
func (p *Push) checkArmed(ctx context.Context) {
	met, ok := p.evaluate()

	for i := range met {
		if !ok[i] {
			continue
		}
		p.mu.Lock()
		wasMet := p.condStates[i].lastMet
		p.condStates[i].lastMet = met[i]

		if met[i] && !wasMet && !p.condStates[i].inCooldown {
			p.status = StatusFiring
			p.mu.Unlock()

			cond := p.config.Conditions[i]
			p.log("condition %d fired: %s %s %s %v", i, cond.Controller, cond.Field, cond.Operator, cond.Value)
			p.fire(ctx, i)
			return
		}
		p.mu.Unlock()
	}
}

// checkWaitingClear re-arms once the triggering conditions clear.
func (p *Push) checkWaitingClear() {
	met, ok := p.evaluate()

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range met {
		if ok[i] {
			p.condStates[i].lastMet = met[i]
		}
	}

	allClear := true
	if p.config.CooldownPerCond {
		for i := range p.condStates {
			st := &p.condStates[i]
			if st.inCooldown && !st.lastMet {
				if p.config.CooldownMin == 0 {
					st.inCooldown = false
				} else if st.condClearedAt.IsZero() {
					st.condClearedAt = time.Now()
				}
			}
			if st.inCooldown && (p.config.CooldownMin == 0 || st.condClearedAt.IsZero()) {
				allClear = false
			}
		}
	} else {
		for i := range p.condStates {
			if p.condStates[i].lastMet {
				allClear = false
				break
			}
		}
	}
	if !allClear {
		return
	}

	if p.config.CooldownMin == 0 {
		p.status = StatusArmed
		p.log("all conditions cleared, re-armed")
	} else {
		p.status = StatusMinInterval
		p.log("all conditions cleared, entering min interval")
	}
}

// checkMinInterval re-arms once the minimum interval since the last send elapses.
func (p *Push) checkMinInterval() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastSend) >= p.config.CooldownMin {
		p.status = StatusArmed
		for i := range p.condStates {
			p.condStates[i] = conditionState{}
		}
		p.log("cooldown elapsed, re-armed")
	}
}

// send resolves the body, performs the request and records the result.
func (p *Push) send(ctx context.Context) (int, error) {
	req, err := p.buildRequest(ctx, p.resolveBody())
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	p.mu.Lock()
	p.sendCount++
	p.lastSend = time.Now()
	p.lastHTTPCode = resp.StatusCode
	p.lastErr = nil
	p.mu.Unlock()

	return resp.StatusCode, nil
}

func (p *Push) fire(ctx context.Context, condIndex int) {
	code, err := p.send(ctx)
	if err != nil {
		p.handleError(err)
		return
	}
	p.log("sent HTTP %s to %s, status=%d", p.method(), p.config.URL, code)

	p.mu.Lock()
	if p.config.CooldownPerCond {
		p.condStates[condIndex].inCooldown = true
		p.condStates[condIndex].condClearedAt = time.Time{}
	}
	p.status = StatusWaitingClear
	p.mu.Unlock()
}

// TestFire sends the request immediately, bypassing conditions and cooldown.
func (p *Push) TestFire() error {
	p.log("TEST FIRE triggered manually")

	code, err := p.send(context.Background())
	if err != nil {
		return err
	}
	p.log("test fire sent, status=%d", code)

	if code >= 400 {
		return fmt.Errorf("HTTP %d", code)
	}
	return nil
}

// resolveBody substitutes #{controller:field} references with live values.
// Unresolvable references are left as-is.
func (p *Push) resolveBody() string {
	if p.config.Body == "" {
		return ""
	}
	fields := NewFieldReader(p.reader)
	return fieldRefRegex.ReplaceAllStringFunc(p.config.Body, func(match string) string {
		m := fieldRefRegex.FindStringSubmatch(match)
		value, err := fields.Read(m[1], m[2])
		if err != nil {
			return match
		}
		if value == nil {
			return "null"
		}
		return fmt.Sprintf("%v", value)
	})
}

func (p *Push) method() string {
	if p.config.Method == "" {
		return http.MethodPost
	}
	return p.config.Method
}

// buildRequest constructs the HTTP request with headers and auth.
func (p *Push) buildRequest(ctx context.Context, body string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, p.method(), p.config.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		ct := p.config.ContentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}

	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	switch p.config.Auth.Type {
	case config.PushAuthBearer, config.PushAuthJWT:
		req.Header.Set("Authorization", "Bearer "+p.config.Auth.Token)
	case config.PushAuthBasic:
		req.SetBasicAuth(p.config.Auth.Username, p.config.Auth.Password)
	case config.PushAuthCustomHeader:
		if p.config.Auth.HeaderName != "" {
			req.Header.Set(p.config.Auth.HeaderName, p.config.Auth.HeaderValue)
		}
	}

	return req, nil
}

// handleError records err and waits for the conditions to clear so a
// persistent failure does not resend every poll.
func (p *Push) handleError(err error) {
	p.log("error: %v", err)

	p.mu.Lock()
	p.lastErr = err
	p.status = StatusWaitingClear
	p.mu.Unlock()
}

// Reset clears the error and re-arms the push.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErr = nil
	if p.status == StatusError || p.status == StatusWaitingClear || p.status == StatusMinInterval {
		p.status = StatusArmed
		for i := range p.condStates {
			p.condStates[i] = conditionState{}
		}
	}
}
