package valkey

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/monitor"
)

func testPublisher(handler ControlHandler) *Publisher {
	pub := NewPublisher(&config.ValkeyConfig{Name: "cache", Address: "localhost:6379", Selector: "line2"}, "plant1")
	pub.SetControlHandler(handler)
	return pub
}

// TestStateMessage_Structure tests the StateMessage JSON structure.
func TestStateMessage_Structure(t *testing.T) {
	st := erc.NewState("10.0.0.5", 5000, "en")
	st.Controller.Firmware = "7.5.1.0"
	snap := erc.NewSnapshot("cell-a", st, time.UnixMilli(1700000000000))

	data, err := json.Marshal(NewStateMessage("plant1:line2", snap))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	for _, field := range []string{"factory", "controller", "payload", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if decoded["factory"] != "plant1:line2" || decoded["controller"] != "cell-a" {
		t.Errorf("envelope = %v", decoded)
	}
	if decoded["timestamp"] != float64(1700000000000) {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
	payload := decoded["payload"].(map[string]interface{})
	ctrl := payload["controller"].(map[string]interface{})
	if ctrl["firmware"] != "7.5.1.0" {
		t.Errorf("firmware = %v", ctrl["firmware"])
	}
}

// TestStatusMessage_Structure tests the StatusMessage JSON structure.
func TestStatusMessage_Structure(t *testing.T) {
	t.Run("connected with phase", func(t *testing.T) {
		msg := NewStatusMessage("plant1", monitor.Status{
			Name:  "cell-a",
			State: monitor.StateConnected,
			Code:  erc.StatusConnectedWithPhase,
			Phase: erc.PhaseRunning,
		})
		if !msg.Online {
			t.Error("connected status should be online")
		}

		data, _ := json.Marshal(msg)
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded["code"] != "connected-with-phase" || decoded["phase"] != "Running" || decoded["state"] != "Connected" {
			t.Errorf("decoded = %v", decoded)
		}
		if _, ok := decoded["error"]; ok {
			t.Error("error should be omitted when empty")
		}
		if _, ok := decoded["countdown"]; ok {
			t.Error("countdown should be omitted when zero")
		}
	})

	t.Run("reconnecting is offline", func(t *testing.T) {
		msg := NewStatusMessage("plant1", monitor.Status{
			Name:      "cell-a",
			State:     monitor.StateReconnecting,
			Code:      erc.StatusReconnecting,
			Countdown: 12,
			LastError: "read: connection reset",
		})
		if msg.Online {
			t.Error("reconnecting should be offline")
		}
		if msg.Countdown != 12 || msg.Error != "read: connection reset" {
			t.Errorf("msg = %+v", msg)
		}
	})
}

func TestProcessControl(t *testing.T) {
	var gotName string
	var gotActive bool
	pub := testPublisher(func(controller string, active bool) error {
		gotName, gotActive = controller, active
		if controller == "missing" {
			return errors.New("controller not found: missing")
		}
		return nil
	})

	tests := []struct {
		name    string
		payload string
		success bool
		errText string
	}{
		{"activate", `{"controller":"cell-a","active":true}`, true, ""},
		{"idle", `{"controller":"cell-a","active":false}`, true, ""},
		{"unknown controller", `{"controller":"missing","active":true}`, false, "controller not found: missing"},
		{"no controller", `true`, false, "controller is required"},
		{"bad json", `{"controller":`, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := pub.processControl([]byte(tc.payload))
			if resp.Success != tc.success {
				t.Errorf("success = %v (%s)", resp.Success, resp.Error)
			}
			if tc.errText != "" && resp.Error != tc.errText {
				t.Errorf("error = %q, want %q", resp.Error, tc.errText)
			}
			if !tc.success && resp.Error == "" {
				t.Error("failure without error text")
			}
			if resp.Factory != "plant1:line2" {
				t.Errorf("factory = %q", resp.Factory)
			}
		})
	}

	pub.processControl([]byte(`{"controller":"cell-b","active":true}`))
	if gotName != "cell-b" || !gotActive {
		t.Errorf("handler got (%q, %v)", gotName, gotActive)
	}
}

func TestProcessControlWithoutHandler(t *testing.T) {
	pub := testPublisher(nil)
	resp := pub.processControl([]byte(`{"controller":"cell-a","active":true}`))
	if resp.Success || resp.Error != "no control handler configured" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Controller != "cell-a" || !resp.Active {
		t.Errorf("request not echoed: %+v", resp)
	}
}

func TestPublisherStoppedIsNoop(t *testing.T) {
	pub := testPublisher(nil)
	if pub.IsRunning() {
		t.Fatal("new publisher running")
	}
	snap := erc.NewSnapshot("cell-a", erc.NewState("h", 5000, "en"), time.Now())
	if err := pub.PublishSnapshot(snap); err != nil {
		t.Errorf("PublishSnapshot: %v", err)
	}
	if err := pub.PublishStatus(monitor.Status{Name: "cell-a"}); err != nil {
		t.Errorf("PublishStatus: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestPublisherAddress(t *testing.T) {
	plain := NewPublisher(&config.ValkeyConfig{Address: "cache:6379"}, "ns")
	if plain.Address() != "redis://cache:6379" {
		t.Errorf("Address = %q", plain.Address())
	}
	secure := NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "ns")
	if secure.Address() != "rediss://cache:6380" {
		t.Errorf("Address = %q", secure.Address())
	}
}

func TestManagerAddRemove(t *testing.T) {
	m := NewManager()
	called := false
	m.SetControlHandler(func(string, bool) error { called = true; return nil })
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}}, "plant1")

	if len(m.List()) != 2 {
		t.Fatalf("publishers = %d", len(m.List()))
	}
	pub := m.Get("b")
	if pub == nil {
		t.Fatal("Get(b) = nil")
	}
	pub.processControl([]byte(`{"controller":"x","active":true}`))
	if !called {
		t.Error("shared control handler not applied")
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove result mismatch")
	}
	if m.AnyRunning() {
		t.Error("nothing should be running")
	}
	if n := m.StartAll(); n != 0 {
		t.Errorf("StartAll started %d disabled publishers", n)
	}
	m.StopAll()
}
