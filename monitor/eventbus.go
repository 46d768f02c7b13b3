package monitor

import (
	"sync"
	"time"

	"rcmon/erc"
)

// EventBus fans monitor events out to subscribers. Handlers run
// synchronously on the emitting goroutine and must not block.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	now    func() time.Time
}

type subscription struct {
	fn    func(erc.Event)
	kinds map[erc.EventKind]bool // nil = all kinds
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription), now: time.Now}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(erc.Event)) int {
	return b.add(subscription{fn: fn})
}

// SubscribeKinds registers fn for the listed event kinds only.
func (b *EventBus) SubscribeKinds(fn func(erc.Event), kinds ...erc.EventKind) int {
	set := make(map[erc.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return b.add(subscription{fn: fn, kinds: set})
}

func (b *EventBus) add(s subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit stamps ev if it has no time and delivers it.
func (b *EventBus) Emit(ev erc.Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	targets := make([]func(erc.Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds == nil || s.kinds[ev.Kind] {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}
