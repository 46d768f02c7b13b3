package stream

import (
	"sync"
	"time"
)

type ringEntry struct {
	data      []byte
	timestamp time.Time
}

// RingBuffer keeps the most recent serialized messages for replay.
type RingBuffer struct {
	mu      sync.Mutex
	entries []ringEntry
	head    int
	count   int
	size    int
}

// DefaultBufferSize is used when the configured size is not positive.
const DefaultBufferSize = 10000

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RingBuffer{
		entries: make([]ringEntry, size),
		size:    size,
	}
}

// Add appends a copy of data, overwriting the oldest entry when full.
func (r *RingBuffer) Add(data []byte, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	r.entries[idx] = ringEntry{data: cp, timestamp: ts}
}

// Since returns, oldest first, every entry stamped strictly after ts.
func (r *RingBuffer) Since(ts time.Time) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result [][]byte
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%r.size]
		if e.timestamp.After(ts) {
			result = append(result, e.data)
		}
	}
	return result
}

// Len returns the number of buffered entries.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
