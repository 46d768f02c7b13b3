package monitor

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from   ConnState
		ev     ConnEvent
		half   bool
		next   ConnState
		half2  bool
		action Action
	}{
		{StateDisconnected, EvActivate, false, StateConnecting, false, ActDial},
		{StateConnecting, EvConnected, false, StateConnected, false, ActStartSession},
		{StateConnecting, EvSocketError, false, StateReconnecting, false, ActStartCountdown},
		{StateConnecting, EvRemoteEOF, false, StateReconnecting, false, ActStartCountdown},
		{StateConnecting, EvIdleTimeout, false, StateReconnecting, false, ActStartCountdown},
		{StateConnecting, EvIdle, false, StateDisconnected, false, ActAbortDial},
		{StateConnected, EvSocketError, false, StateReconnecting, false, ActClose | ActStartCountdown},
		{StateConnected, EvRemoteEOF, false, StateReconnecting, false, ActClose | ActStartCountdown},
		{StateConnected, EvIdleTimeout, false, StateReconnecting, false, ActClose | ActStartCountdown},
		{StateConnected, EvClosed, false, StateReconnecting, false, ActClose | ActStartCountdown},
		{StateConnected, EvSocketError, true, StateDisconnected, false, ActClose},
		{StateConnected, EvIdle, false, StateClosing, true, ActLogout | ActClose},
		{StateConnected, EvSessionFatal, false, StateClosing, true, ActClose},
		{StateClosing, EvClosed, true, StateDisconnected, false, 0},
		{StateReconnecting, EvCountdownExpired, false, StateConnecting, false, ActStopCountdown | ActDial},
		{StateReconnecting, EvActivate, false, StateConnecting, false, ActStopCountdown | ActDial},
		{StateReconnecting, EvIdle, false, StateDisconnected, false, ActStopCountdown},
	}

	for _, tc := range tests {
		t.Run(tc.from.String()+"/"+tc.ev.String(), func(t *testing.T) {
			got := Transition(tc.from, tc.ev, tc.half)
			if got.Next != tc.next || got.HalfClosed != tc.half2 || got.Action != tc.action {
				t.Errorf("got %+v, want {%s %v %b}", got, tc.next, tc.half2, tc.action)
			}
		})
	}
}

func TestTransitionIgnoredEventsStay(t *testing.T) {
	handled := map[ConnState]map[ConnEvent]bool{
		StateDisconnected: {EvActivate: true},
		StateConnecting:   {EvConnected: true, EvSocketError: true, EvRemoteEOF: true, EvIdleTimeout: true, EvIdle: true},
		StateConnected:    {EvSocketError: true, EvRemoteEOF: true, EvIdleTimeout: true, EvClosed: true, EvIdle: true, EvSessionFatal: true},
		StateClosing:      {EvClosed: true},
		StateReconnecting: {EvActivate: true, EvCountdownExpired: true, EvIdle: true},
	}

	for s, evs := range handled {
		for ev := ConnEvent(0); ev < numConnEvents; ev++ {
			if evs[ev] {
				continue
			}
			for _, half := range []bool{false, true} {
				got := Transition(s, ev, half)
				if got.Next != s || got.Action != 0 || got.HalfClosed != half {
					t.Errorf("%s/%s half=%v: got %+v, want no-op", s, ev, half, got)
				}
			}
		}
	}
}

func TestMachineIdleThenSocketErrorDoesNotReconnect(t *testing.T) {
	var m machine
	m.fire(EvActivate)
	m.fire(EvConnected)
	m.fire(EvIdle)
	if m.state != StateClosing || !m.halfClosed {
		t.Fatalf("after idle: %s half=%v", m.state, m.halfClosed)
	}
	// activate while closing is ignored
	if step := m.fire(EvActivate); step.Action != 0 {
		t.Errorf("activate during closing: %+v", step)
	}
	step := m.fire(EvClosed)
	if step.Next != StateDisconnected || step.Action.Has(ActStartCountdown) {
		t.Errorf("closed: %+v", step)
	}
	if m.halfClosed {
		t.Error("halfClosed not cleared")
	}
}

func TestMachineFatalDoesNotRetry(t *testing.T) {
	var m machine
	m.fire(EvActivate)
	m.fire(EvConnected)
	m.fire(EvSessionFatal)
	// the socket error raised by our own close lands in Closing and is ignored
	if step := m.fire(EvSocketError); step.Next != StateClosing {
		t.Errorf("socket error while closing: %+v", step)
	}
	if step := m.fire(EvClosed); step.Next != StateDisconnected {
		t.Errorf("closed: %+v", step)
	}
}

func TestActionHas(t *testing.T) {
	a := ActClose | ActStartCountdown
	if !a.Has(ActClose) || !a.Has(ActStartCountdown) || !a.Has(ActClose|ActStartCountdown) {
		t.Error("expected bits missing")
	}
	if a.Has(ActDial) || a.Has(ActClose|ActDial) {
		t.Error("unexpected bits")
	}
}

func TestConnStateText(t *testing.T) {
	b, err := StateReconnecting.MarshalText()
	if err != nil || string(b) != "Reconnecting" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	if ConnState(99).String() != "Unknown" {
		t.Error("out of range state")
	}
	if ConnEvent(99).String() != "unknown" {
		t.Error("out of range event")
	}
}
