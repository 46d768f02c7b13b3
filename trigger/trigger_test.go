package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"rcmon/config"
	"rcmon/erc"
)

type mockReader struct {
	mu    sync.RWMutex
	state *erc.State
}

func newMockReader() *mockReader {
	s := erc.NewState("10.0.0.1", 5000, "en")
	s.Controller.Status.Signal = &erc.Signals{}
	s.Controller.Status.ErrCode = erc.NoError
	return &mockReader{state: s}
}

func (m *mockReader) Set(fn func(*erc.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

func (m *mockReader) Snapshot(name string) (erc.Snapshot, bool) {
	if name != "cell-a" {
		return erc.Snapshot{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return erc.NewSnapshot(name, m.state, time.Now()), true
}

func estop(on bool) func(*erc.State) {
	return func(s *erc.State) { s.Controller.Status.Signal.EmergencyStop = on }
}

type sent struct {
	cluster, topic string
	key            string
	msg            Message
}

type mockProducer struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (p *mockProducer) Produce(ctx context.Context, cluster, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return err
	}
	p.sent = append(p.sent, sent{cluster: cluster, topic: topic, key: string(key), msg: msg})
	return nil
}

func (p *mockProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *mockProducer) last() sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func estopTrigger() *config.TriggerConfig {
	return &config.TriggerConfig{
		Name:         "estop-capture",
		Enabled:      true,
		Controller:   "cell-a",
		Condition:    config.TriggerCondition{Field: "controller.status.signal.emergencyStop", Operator: "==", Value: true},
		Fields:       []string{"controller.status.errCode", "controller.status.signal.emergencyStop"},
		KafkaCluster: "plant",
		Topic:        "captures",
		Metadata:     map[string]string{"line": "L1"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusDisabled, "Disabled"},
		{StatusArmed, "Armed"},
		{StatusFiring, "Firing"},
		{StatusCooldown, "Cooldown"},
		{StatusError, "Error"},
		{Status(99), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.expected {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.expected)
		}
	}
}

func TestMessage(t *testing.T) {
	a := NewMessage("fault", "cell-a", 1700000000000, map[string]string{"line": "L1"}, map[string]interface{}{"x": 1})
	b := NewMessage("fault", "cell-a", 0, nil, nil)

	if b.Sequence <= a.Sequence {
		t.Errorf("sequence not increasing: %d then %d", a.Sequence, b.Sequence)
	}
	if string(a.Key()) != "cell-a:fault" {
		t.Errorf("Key() = %q", a.Key())
	}

	data, err := a.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"trigger", "timestamp", "sequence", "controller", "stateTimestamp", "metadata", "data"} {
		if _, ok := decoded[k]; !ok {
			t.Errorf("JSON missing %q", k)
		}
	}
}

func TestNewTrigger(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		tr, err := NewTrigger(estopTrigger(), nil, newMockReader())
		if err != nil {
			t.Fatalf("NewTrigger: %v", err)
		}
		if tr.GetStatus() != StatusDisabled {
			t.Error("expected initial status Disabled")
		}
	})

	t.Run("invalid operator", func(t *testing.T) {
		cfg := estopTrigger()
		cfg.Condition.Operator = "~="
		if _, err := NewTrigger(cfg, nil, nil); err == nil {
			t.Error("expected error for invalid operator")
		}
	})
}

func TestTrigger_StartStop(t *testing.T) {
	tr, _ := NewTrigger(estopTrigger(), nil, newMockReader())

	tr.Start()
	if s := tr.GetStatus(); s != StatusArmed {
		t.Errorf("status after Start = %s, want Armed", s)
	}
	tr.Stop()
	if s := tr.GetStatus(); s != StatusDisabled {
		t.Errorf("status after Stop = %s, want Disabled", s)
	}

	cfg := estopTrigger()
	cfg.Enabled = false
	off, _ := NewTrigger(cfg, nil, newMockReader())
	off.Start()
	if off.GetStatus() != StatusDisabled {
		t.Error("disabled trigger should stay disabled after Start")
	}
	if err := off.TestFire(); err == nil {
		t.Error("TestFire on disabled trigger succeeded")
	}
}

func TestTrigger_FiresOnRisingEdge(t *testing.T) {
	reader := newMockReader()
	reader.Set(func(s *erc.State) { s.Controller.Status.ErrCode = "4001" })
	producer := &mockProducer{}

	tr, _ := NewTrigger(estopTrigger(), producer, reader)
	tr.Start()
	defer tr.Stop()

	// Held false: nothing fires.
	time.Sleep(3 * PollInterval)
	if producer.count() != 0 {
		t.Fatalf("fired while condition false")
	}

	reader.Set(estop(true))
	waitFor(t, "first capture", func() bool { return producer.count() == 1 })

	got := producer.last()
	if got.cluster != "plant" || got.topic != "captures" || got.key != "cell-a:estop-capture" {
		t.Errorf("sent to %s/%s key %s", got.cluster, got.topic, got.key)
	}
	if got.msg.Data["controller.status.errCode"] != "4001" {
		t.Errorf("errCode = %v", got.msg.Data["controller.status.errCode"])
	}
	if got.msg.Data["controller.status.signal.emergencyStop"] != true {
		t.Errorf("emergencyStop = %v", got.msg.Data["controller.status.signal.emergencyStop"])
	}
	if got.msg.Metadata["line"] != "L1" || got.msg.StateTime == 0 {
		t.Errorf("message = %+v", got.msg)
	}
	waitFor(t, "cooldown", func() bool { return tr.GetStatus() == StatusCooldown })

	// Still true: no second capture until it clears.
	time.Sleep(3 * PollInterval)
	if producer.count() != 1 {
		t.Fatalf("fired again while held: %d", producer.count())
	}

	reader.Set(estop(false))
	waitFor(t, "re-arm", func() bool { return tr.GetStatus() == StatusArmed })
	reader.Set(estop(true))
	waitFor(t, "second capture", func() bool { return producer.count() == 2 })
	waitFor(t, "fire count", func() bool { n, _ := tr.GetStats(); return n == 2 })
}

func TestTrigger_WholeStateCapture(t *testing.T) {
	cfg := estopTrigger()
	cfg.Fields = nil
	producer := &mockProducer{}

	tr, _ := NewTrigger(cfg, producer, newMockReader())
	tr.Start()
	defer tr.Stop()

	if err := tr.TestFire(); err != nil {
		t.Fatalf("TestFire: %v", err)
	}
	state, ok := producer.last().msg.Data["state"].(map[string]interface{})
	if !ok {
		t.Fatalf("state not captured: %+v", producer.last().msg.Data)
	}
	if _, ok := state["controller"]; !ok {
		t.Error("captured state has no controller")
	}
}

func TestTrigger_Errors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.TriggerConfig)
		producer Producer
	}{
		{"produce fails", func(*config.TriggerConfig) {}, &mockProducer{err: errors.New("broker down")}},
		{"no producer", func(*config.TriggerConfig) {}, nil},
		{"missing field", func(c *config.TriggerConfig) { c.Fields = []string{"controller.nope"} }, &mockProducer{}},
		{"unknown controller", func(c *config.TriggerConfig) { c.Controller = "cell-z" }, &mockProducer{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := estopTrigger()
			tt.mutate(cfg)
			tr, _ := NewTrigger(cfg, tt.producer, newMockReader())
			tr.Start()
			defer tr.Stop()

			if err := tr.TestFire(); err == nil {
				t.Fatal("TestFire succeeded")
			}
			if tr.GetError() == nil {
				t.Error("error not recorded")
			}
			if tr.GetStatus() != StatusCooldown {
				t.Errorf("status = %s, want Cooldown", tr.GetStatus())
			}

			tr.Reset()
			if tr.GetStatus() != StatusArmed || tr.GetError() != nil {
				t.Errorf("after Reset: %s, %v", tr.GetStatus(), tr.GetError())
			}
		})
	}
}

func TestTrigger_LogOnly(t *testing.T) {
	cfg := estopTrigger()
	cfg.KafkaCluster, cfg.Topic = "", ""

	var logged []string
	var mu sync.Mutex
	tr, _ := NewTrigger(cfg, nil, newMockReader())
	tr.SetLogFunc(func(format string, args ...interface{}) {
		mu.Lock()
		logged = append(logged, format)
		mu.Unlock()
	})
	tr.Start()
	defer tr.Stop()

	if err := tr.TestFire(); err != nil {
		t.Fatalf("TestFire: %v", err)
	}
	if n, _ := tr.GetStats(); n != 1 {
		t.Errorf("fire count = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(logged) == 0 {
		t.Error("nothing logged")
	}
}

func TestManager(t *testing.T) {
	producer := &mockProducer{}
	m := NewManager(producer, newMockReader())

	second := estopTrigger()
	second.Name = "another"
	bad := estopTrigger()
	bad.Name = "bad"
	bad.Condition.Operator = "??"
	m.LoadFromConfig([]config.TriggerConfig{*estopTrigger(), *second, *bad})

	if got := m.ListTriggers(); len(got) != 2 || got[0] != "another" || got[1] != "estop-capture" {
		t.Fatalf("ListTriggers() = %v", got)
	}
	if err := m.AddTrigger(estopTrigger()); err == nil {
		t.Error("duplicate AddTrigger succeeded")
	}

	m.Start()
	defer m.Stop()

	if err := m.TestFireTrigger("estop-capture"); err != nil {
		t.Fatalf("TestFireTrigger: %v", err)
	}
	infos := m.GetAllTriggerInfo()
	if len(infos) != 2 || infos[1].FireCount != 1 || infos[1].Topic != "captures" || infos[1].Field != "controller.status.signal.emergencyStop" {
		t.Errorf("infos = %+v", infos)
	}

	for _, op := range []func(string) error{m.TestFireTrigger, m.ResetTrigger, m.RestartTrigger} {
		if err := op("missing"); err == nil {
			t.Error("operation on unknown trigger succeeded")
		}
	}
	if err := m.RestartTrigger("another"); err != nil {
		t.Errorf("RestartTrigger: %v", err)
	}

	m.RemoveTrigger("another")
	if m.GetTrigger("another") != nil {
		t.Error("trigger not removed")
	}
}
