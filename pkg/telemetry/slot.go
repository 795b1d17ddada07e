// Package telemetry keeps the latest sample of each asynchronous sensor
// feed. Samples are pushed by the transport's delivery goroutines and read
// by the control loop without blocking on the network.
package telemetry

import (
	"sync"
	"time"
)

// Slot is a single-slot mailbox: the newest value replaces the previous
// one. Reads return a copy made by the slot's clone function, so callers
// never share memory with the writer.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	set     bool
	updated time.Time
	clone   func(T) T
}

// NewSlot creates an empty slot. clone may be nil for value types that
// hold no references.
func NewSlot[T any](clone func(T) T) *Slot[T] {
	return &Slot[T]{clone: clone}
}

// Store replaces the slot's value. The slot takes ownership of v.
func (s *Slot[T]) Store(v T, at time.Time) {
	s.mu.Lock()
	s.value = v
	s.set = true
	s.updated = at
	s.mu.Unlock()
}

// Load returns a copy of the current value and when it was stored. ok is
// false if nothing was ever stored.
func (s *Slot[T]) Load() (v T, at time.Time, ok bool) {
	s.mu.Lock()
	v, at, ok = s.value, s.updated, s.set
	s.mu.Unlock()
	// the stored value is never mutated in place, only replaced, so the
	// deep copy can happen outside the lock
	if ok && s.clone != nil {
		v = s.clone(v)
	}
	return v, at, ok
}

// Updated returns when the value was last stored, without copying it.
func (s *Slot[T]) Updated() (at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated, s.set
}
