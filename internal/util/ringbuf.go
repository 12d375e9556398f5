package util

import "sync"

// RingBuffer keeps the last N values pushed into it. Push never blocks and
// never grows the buffer: once capacity is reached each write evicts the
// oldest entry. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int // slot the next Push writes to
	full  bool
}

// NewRingBuffer creates a ring buffer holding at most capacity values.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push stores v, evicting the oldest value when the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the stored values oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]T(nil), r.items[:r.next]...)
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}

// Len returns the number of values stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}
