package util

import "sync"

// Ring keeps the last N values pushed to it, each tagged with a sequence
// number that keeps growing after old values are overwritten. Readers that
// remember the last sequence they saw can ask for what they missed.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next uint64 // sequence of the next push; buf[next%len] is the oldest slot
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push stores v and returns its sequence number, starting at 1.
func (r *Ring[T]) Push(v T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next%uint64(len(r.buf))] = v
	r.next++
	return r.next
}

// Since returns the retained values with a sequence number above seq,
// oldest first, and the sequence of the newest one.
func (r *Ring[T]) Since(seq uint64) ([]T, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	first := uint64(0)
	if r.next > uint64(len(r.buf)) {
		first = r.next - uint64(len(r.buf))
	}
	if seq > first {
		first = seq
	}
	if first >= r.next {
		return nil, r.next
	}
	out := make([]T, 0, r.next-first)
	for s := first; s < r.next; s++ {
		out = append(out, r.buf[s%uint64(len(r.buf))])
	}
	return out, r.next
}

// Snapshot returns every retained value, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out, _ := r.Since(0)
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(min(r.next, uint64(len(r.buf))))
}
