package brokertest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"rcmon/config"
	"rcmon/erc"
)

func TestCalculateLatencyStats(t *testing.T) {
	var lat []time.Duration
	for i := 100; i >= 1; i-- {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	avg, p50, p95, p99, max := calculateLatencyStats(lat)

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"avg", avg, 50500 * time.Microsecond},
		{"p50", p50, 51 * time.Millisecond},
		{"p95", p95, 96 * time.Millisecond},
		{"p99", p99, 100 * time.Millisecond},
		{"max", max, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if lat[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}
	if a, _, _, _, m := calculateLatencyStats(nil); a != 0 || m != 0 {
		t.Errorf("empty input gave avg=%v max=%v", a, m)
	}
}

func TestSyntheticSnapshots(t *testing.T) {
	snaps := SyntheticSnapshots(3, 2)
	if len(snaps) != 3 {
		t.Fatalf("len = %d, want 3", len(snaps))
	}
	seen := map[string]bool{}
	for _, s := range snaps {
		if seen[s.Controller] {
			t.Errorf("duplicate controller %s", s.Controller)
		}
		seen[s.Controller] = true
		if s.Payload == nil || len(s.Payload.Robots) != 2 {
			t.Fatalf("snapshot %s has bad payload", s.Controller)
		}
		if s.Payload.Controller.Status.Phase != erc.PhaseRunning {
			t.Errorf("phase = %s", s.Payload.Controller.Status.Phase)
		}
		if s.Payload.Robots[1].Number != 2 {
			t.Errorf("robot numbering = %d", s.Payload.Robots[1].Number)
		}
	}
}

func TestRunTimed(t *testing.T) {
	r := NewRunner(config.DefaultConfig(), TestConfig{Duration: 20 * time.Millisecond, NumControllers: 2, NumRobots: 1}, &bytes.Buffer{})

	calls := 0
	res := r.runTimed(TestResult{SinkType: "Fake"}, func(snap erc.Snapshot) error {
		calls++
		if snap.Controller == "" {
			t.Error("empty controller")
		}
		return nil
	})
	if !res.Success || res.MessagesSent != int64(calls) || res.Errors != 0 {
		t.Errorf("result = %+v, calls = %d", res, calls)
	}

	res = r.runTimed(TestResult{SinkType: "Fake"}, func(erc.Snapshot) error {
		return errors.New("down")
	})
	if res.Success || res.MessagesSent != 0 || res.Errors == 0 {
		t.Errorf("failing sink result = %+v", res)
	}
}

func TestRunWithoutSinks(t *testing.T) {
	var out bytes.Buffer
	r := NewRunner(config.DefaultConfig(), TestConfig{Duration: time.Millisecond, NumControllers: 1, NumRobots: 1}, &out)
	results := r.Run()
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
	if !strings.Contains(out.String(), "No enabled sinks") {
		t.Errorf("report = %q", out.String())
	}
	if !Passed(results) {
		t.Error("empty result set should pass")
	}
	if Passed([]TestResult{{Success: true}, {Success: false}}) {
		t.Error("Passed with a failure")
	}
}
