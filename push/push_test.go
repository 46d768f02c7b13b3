package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rcmon/config"
	"rcmon/erc"
)

// mockReader serves snapshots built by mutating per-controller state.
type mockReader struct {
	mu     sync.RWMutex
	states map[string]*erc.State
}

func newMockReader() *mockReader {
	return &mockReader{states: make(map[string]*erc.State)}
}

func (m *mockReader) Set(controller string, fn func(*erc.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[controller]
	if !ok {
		s = erc.NewState("10.0.0.1", 5000, "en")
		s.Controller.Status.Signal = &erc.Signals{}
		s.Controller.Status.ErrCode = erc.NoError
		m.states[controller] = s
	}
	fn(s)
}

func (m *mockReader) Snapshot(name string) (erc.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[name]
	if !ok {
		return erc.Snapshot{}, false
	}
	return erc.NewSnapshot(name, s, time.Now()), true
}

func estop(on bool) func(*erc.State) {
	return func(s *erc.State) { s.Controller.Status.Signal.EmergencyStop = on }
}

func TestParseOperator(t *testing.T) {
	for _, s := range ValidOperators() {
		op, err := ParseOperator(s)
		if err != nil || string(op) != s {
			t.Errorf("ParseOperator(%q) = %q, %v", s, op, err)
		}
	}
	if _, err := ParseOperator("=~"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestConditionEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operator
		target  interface{}
		value   interface{}
		want    bool
		wantErr bool
	}{
		{"bool equal", OpEqual, true, true, true, false},
		{"bool not equal", OpNotEqual, true, false, true, false},
		{"error code above zero", OpGreater, 0, "4001", true, false},
		{"no error code", OpGreater, 0, "0000", false, false},
		{"yaml int vs json float", OpGreaterEqual, 80, 85.5, true, false},
		{"less", OpLess, 10.0, 12.0, false, false},
		{"less equal", OpLessEqual, 12, 12.0, true, false},
		{"string equal", OpEqual, "Running", "Running", true, false},
		{"string differs", OpNotEqual, "Running", "Paused", true, false},
		{"string ordering rejected", OpGreater, "a", "b", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Condition{Operator: tt.op, Value: tt.target}
			got, err := c.Evaluate(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestFieldReader(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", func(s *erc.State) {
		s.Connected = true
		s.Controller.Status.Phase = erc.PhaseRunning
		s.Controller.Status.ErrCode = "4001"
		s.Robots = []erc.Robot{{Number: 1, Name: "r1", Hofs: []float64{1, 2}}}
	})

	tests := []struct {
		path    string
		want    interface{}
		wantErr bool
	}{
		{"connected", true, false},
		{"controller.status.phase", "Running", false},
		{"controller.status.errCode", "4001", false},
		{"controller.status.signal.emergencyStop", false, false},
		{"robots.0.name", "r1", false},
		{"robots.0.hofs", "[1,2]", false},
		{"robots.1.name", nil, true},
		{"controller.nope", nil, true},
		{"connected.deeper", nil, true},
	}
	f := NewFieldReader(reader)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := f.Read("cell-a", tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Read(%s) = %#v, want %#v", tt.path, got, tt.want)
			}
		})
	}

	if _, err := f.Read("missing", "connected"); err == nil {
		t.Error("expected error for unknown controller")
	}
}

func TestBodyResolution(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", func(s *erc.State) {
		s.Controller.Status.ErrCode = "4001"
		s.Controller.Status.ErrMsg = "Collision detected"
	})

	cfg := &config.PushConfig{
		Name: "test",
		URL:  "http://example.com",
		Body: `{"code": "#{cell-a:controller.status.errCode}", "msg": "#{cell-a:controller.status.errMsg}", "x": "#{cell-z:connected}"}`,
	}
	p, err := NewPush(cfg, reader)
	if err != nil {
		t.Fatal(err)
	}

	resolved := p.resolveBody()
	for _, want := range []string{`"code": "4001"`, `"msg": "Collision detected"`, `#{cell-z:connected}`} {
		if !strings.Contains(resolved, want) {
			t.Errorf("resolved body missing %s: %s", want, resolved)
		}
	}
}

func TestBuildRequestAuth(t *testing.T) {
	tests := []struct {
		name    string
		auth    config.PushAuthConfig
		checkFn func(*http.Request) error
	}{
		{
			name: "bearer",
			auth: config.PushAuthConfig{Type: config.PushAuthBearer, Token: "mytoken123"},
			checkFn: func(r *http.Request) error {
				if r.Header.Get("Authorization") != "Bearer mytoken123" {
					return fmt.Errorf("expected Bearer auth, got: %s", r.Header.Get("Authorization"))
				}
				return nil
			},
		},
		{
			name: "basic",
			auth: config.PushAuthConfig{Type: config.PushAuthBasic, Username: "user", Password: "pass"},
			checkFn: func(r *http.Request) error {
				u, p, ok := r.BasicAuth()
				if !ok || u != "user" || p != "pass" {
					return fmt.Errorf("expected basic auth user/pass, got: %s/%s ok=%v", u, p, ok)
				}
				return nil
			},
		},
		{
			name: "custom_header",
			auth: config.PushAuthConfig{Type: config.PushAuthCustomHeader, HeaderName: "X-API-Key", HeaderValue: "secret"},
			checkFn: func(r *http.Request) error {
				if r.Header.Get("X-API-Key") != "secret" {
					return fmt.Errorf("expected custom header, got: %s", r.Header.Get("X-API-Key"))
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPush(&config.PushConfig{Name: "test", URL: "http://example.com", Auth: tt.auth}, newMockReader())
			if err != nil {
				t.Fatal(err)
			}
			req, err := p.buildRequest(context.Background(), `{"test": true}`)
			if err != nil {
				t.Fatal(err)
			}
			if req.Method != http.MethodPost {
				t.Errorf("default method = %s, want POST", req.Method)
			}
			if req.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
			}
			if err := tt.checkFn(req); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestNewPushRejectsBadOperator(t *testing.T) {
	cfg := &config.PushConfig{
		Name:       "bad",
		URL:        "http://example.com",
		Conditions: []config.PushCondition{{Controller: "a", Field: "connected", Operator: "~"}},
	}
	if _, err := NewPush(cfg, newMockReader()); err == nil {
		t.Error("expected error for invalid operator")
	}
}

func TestTestFire(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", func(s *erc.State) { s.Controller.Status.ErrCode = "4001" })

	var (
		mu       sync.Mutex
		body     string
		method   string
		headers  http.Header
		respCode = http.StatusOK
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, method, headers = string(data), r.Method, r.Header
		code := respCode
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer server.Close()

	cfg := &config.PushConfig{
		Name:    "test",
		Method:  "PUT",
		URL:     server.URL,
		Body:    `{"code": "#{cell-a:controller.status.errCode}"}`,
		Headers: map[string]string{"X-Custom": "value1"},
	}
	p, err := NewPush(cfg, reader)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.TestFire(); err != nil {
		t.Fatalf("TestFire failed: %v", err)
	}
	mu.Lock()
	if method != "PUT" {
		t.Errorf("method = %s, want PUT", method)
	}
	if !strings.Contains(body, "4001") {
		t.Errorf("body not resolved: %s", body)
	}
	if headers.Get("X-Custom") != "value1" {
		t.Errorf("X-Custom = %q", headers.Get("X-Custom"))
	}
	respCode = http.StatusBadGateway
	mu.Unlock()

	if err := p.TestFire(); err == nil {
		t.Error("expected error for HTTP 502")
	}
	count, _, code := p.GetStats()
	if count != 2 || code != http.StatusBadGateway {
		t.Errorf("stats = %d sends, last code %d", count, code)
	}
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.n++
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCooldownStateMachine(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", estop(false))

	var hits counter
	server := httptest.NewServer(hits.handler())
	defer server.Close()

	cfg := &config.PushConfig{
		Name:    "estop",
		Enabled: true,
		Conditions: []config.PushCondition{
			{Controller: "cell-a", Field: "controller.status.signal.emergencyStop", Operator: "==", Value: true},
		},
		URL:  server.URL,
		Body: `{"estop": true}`,
	}
	p, err := NewPush(cfg, reader)
	if err != nil {
		t.Fatal(err)
	}

	p.Start()
	defer p.Stop()

	time.Sleep(200 * time.Millisecond)
	if n := hits.get(); n != 0 {
		t.Errorf("expected 0 requests while clear, got %d", n)
	}

	reader.Set("cell-a", estop(true))
	time.Sleep(300 * time.Millisecond)
	if n := hits.get(); n != 1 {
		t.Errorf("expected 1 request on rising edge, got %d", n)
	}

	time.Sleep(200 * time.Millisecond)
	if n := hits.get(); n != 1 {
		t.Errorf("expected no resend while still met, got %d", n)
	}
	if s := p.GetStatus(); s != StatusWaitingClear {
		t.Errorf("status = %v, want Waiting Clear", s)
	}

	reader.Set("cell-a", estop(false))
	time.Sleep(300 * time.Millisecond)
	reader.Set("cell-a", estop(true))
	time.Sleep(300 * time.Millisecond)
	if n := hits.get(); n != 2 {
		t.Errorf("expected 2 requests after re-fire, got %d", n)
	}
}

func TestMinInterval(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", estop(false))

	var hits counter
	server := httptest.NewServer(hits.handler())
	defer server.Close()

	cfg := &config.PushConfig{
		Name:    "estop",
		Enabled: true,
		Conditions: []config.PushCondition{
			{Controller: "cell-a", Field: "controller.status.signal.emergencyStop", Operator: "==", Value: true},
		},
		URL:         server.URL,
		CooldownMin: time.Hour,
	}
	p, err := NewPush(cfg, reader)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	reader.Set("cell-a", estop(true))
	time.Sleep(300 * time.Millisecond)
	reader.Set("cell-a", estop(false))
	time.Sleep(300 * time.Millisecond)
	if s := p.GetStatus(); s != StatusMinInterval {
		t.Fatalf("status = %v, want Cooldown", s)
	}
	reader.Set("cell-a", estop(true))
	time.Sleep(300 * time.Millisecond)
	if n := hits.get(); n != 1 {
		t.Errorf("expected cooldown to suppress second send, got %d", n)
	}

	reader.Set("cell-a", estop(false))
	p.Reset()
	if s := p.GetStatus(); s != StatusArmed {
		t.Errorf("status after Reset = %v, want Armed", s)
	}
}

func TestMultiConditionOR(t *testing.T) {
	reader := newMockReader()
	reader.Set("cell-a", estop(false))
	reader.Set("cell-b", estop(false))

	var hits counter
	server := httptest.NewServer(hits.handler())
	defer server.Close()

	cfg := &config.PushConfig{
		Name:    "any-estop",
		Enabled: true,
		Conditions: []config.PushCondition{
			{Controller: "cell-a", Field: "controller.status.signal.emergencyStop", Operator: "==", Value: true},
			{Controller: "cell-b", Field: "controller.status.signal.emergencyStop", Operator: "==", Value: true},
		},
		URL: server.URL,
	}
	p, err := NewPush(cfg, reader)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	reader.Set("cell-a", estop(true))
	time.Sleep(300 * time.Millisecond)
	if n := hits.get(); n != 1 {
		t.Errorf("expected 1 request from first condition, got %d", n)
	}

	reader.Set("cell-a", estop(false))
	time.Sleep(300 * time.Millisecond)
	reader.Set("cell-b", estop(true))
	time.Sleep(300 * time.Millisecond)
	if n := hits.get(); n != 2 {
		t.Errorf("expected 2 requests after second condition, got %d", n)
	}
}

func TestManager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mgr := NewManager(newMockReader())
	var logged []string
	var logMu sync.Mutex
	mgr.SetLogFunc(func(format string, args ...interface{}) {
		logMu.Lock()
		logged = append(logged, fmt.Sprintf(format, args...))
		logMu.Unlock()
	})

	mgr.LoadFromConfig([]config.PushConfig{
		{Name: "zeta", URL: server.URL, Enabled: true},
		{Name: "alpha", URL: server.URL},
		{Name: "broken", URL: server.URL, Conditions: []config.PushCondition{{Controller: "a", Field: "b", Operator: "??"}}},
	})

	if names := mgr.ListPushes(); len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("ListPushes = %v, want [alpha zeta]", names)
	}
	if err := mgr.AddPush(&config.PushConfig{Name: "alpha", URL: server.URL}); err == nil {
		t.Error("expected error for duplicate push")
	}

	mgr.Start()
	defer mgr.Stop()

	infos := mgr.GetAllPushInfo()
	if len(infos) != 2 || infos[0].Status != "Disabled" || infos[1].Status != "Armed" {
		t.Errorf("infos = %+v", infos)
	}
	data, err := json.Marshal(infos[1])
	if err != nil || !strings.Contains(string(data), `"method":"POST"`) {
		t.Errorf("info JSON = %s, %v", data, err)
	}

	if err := mgr.TestFirePush("alpha"); err != nil {
		t.Errorf("TestFirePush: %v", err)
	}
	if err := mgr.TestFirePush("nope"); err == nil {
		t.Error("expected error for unknown push")
	}
	if err := mgr.RestartPush("zeta"); err != nil {
		t.Errorf("RestartPush: %v", err)
	}
	if err := mgr.ResetPush("nope"); err == nil {
		t.Error("expected error resetting unknown push")
	}

	mgr.RemovePush("zeta")
	if mgr.GetPush("zeta") != nil {
		t.Error("push not removed")
	}

	logMu.Lock()
	defer logMu.Unlock()
	found := false
	for _, l := range logged {
		if strings.Contains(l, "error adding push broken") {
			found = true
		}
	}
	if !found {
		t.Errorf("bad push not logged: %v", logged)
	}
}
