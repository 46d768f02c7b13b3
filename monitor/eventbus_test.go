package monitor

import (
	"sync"
	"testing"
	"time"

	"rcmon/erc"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewEventBus()
	var received []erc.Event

	bus.Subscribe(func(e erc.Event) {
		received = append(received, e)
	})

	bus.Emit(erc.Warning("low battery"))
	bus.Emit(erc.PhaseChanged(erc.PhaseRunning))

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Kind != erc.EventWarning || received[0].Text != "low battery" {
		t.Errorf("unexpected first event: %+v", received[0])
	}
	if received[1].Kind != erc.EventPhaseChanged || received[1].Phase != erc.PhaseRunning {
		t.Errorf("unexpected second event: %+v", received[1])
	}
}

func TestSubscribeKinds(t *testing.T) {
	bus := NewEventBus()
	var received []erc.Event

	bus.SubscribeKinds(func(e erc.Event) {
		received = append(received, e)
	}, erc.EventConnection, erc.EventFatal)

	bus.Emit(erc.Connection(erc.StatusConnecting, 0))
	bus.Emit(erc.Warning("filtered"))
	bus.Emit(erc.Connection(erc.StatusReconnecting, 60))

	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(received))
	}
	if received[1].Status != erc.StatusReconnecting || received[1].Countdown != 60 {
		t.Errorf("unexpected event: %+v", received[1])
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	id := bus.Subscribe(func(e erc.Event) {
		count++
	})

	bus.Emit(erc.Log("one"))
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Emit(erc.Log("two"))
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestUnsubscribeNonExistent(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Unsubscribe(999)
}

func TestEmitStampsTime(t *testing.T) {
	bus := NewEventBus()
	fixed := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got []time.Time
	bus.Subscribe(func(e erc.Event) { got = append(got, e.Time) })

	bus.Emit(erc.Log("unstamped"))
	ev := erc.Log("stamped")
	ev.Time = fixed.Add(time.Hour)
	bus.Emit(ev)

	if !got[0].Equal(fixed) {
		t.Errorf("unstamped event time = %v", got[0])
	}
	if !got[1].Equal(fixed.Add(time.Hour)) {
		t.Errorf("stamped event time overwritten: %v", got[1])
	}
}

func TestHandlerMaySubscribe(t *testing.T) {
	bus := NewEventBus()
	inner := 0
	bus.Subscribe(func(e erc.Event) {
		bus.Subscribe(func(erc.Event) { inner++ })
	})
	bus.Emit(erc.Log("first"))
	bus.Emit(erc.Log("second"))
	if inner != 1 {
		t.Errorf("inner = %d, want 1", inner)
	}
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e erc.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(erc.Log("concurrent"))
		}()
	}
	wg.Wait()

	if count != 100 {
		t.Errorf("expected 100, got %d", count)
	}
}
