package telemetry

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Payload is a raw, still-encoded sample as delivered by the transport.
// rosbridge.Message satisfies it.
type Payload interface {
	Decode(v any) error
}

// Decoder turns a raw payload into a typed sample.
type Decoder[T any] func(Payload) (T, error)

// Stats describes a feed's delivery history.
type Stats struct {
	Received     uint64
	DecodeErrors uint64
	LastUpdate   time.Time // zero if nothing was stored yet
}

// Age returns how old the last stored sample is at now, or 0 if none.
func (s Stats) Age(now time.Time) time.Duration {
	if s.LastUpdate.IsZero() {
		return 0
	}
	return now.Sub(s.LastUpdate)
}

// Subscriber decodes one feed and keeps its most recent sample.
//
// OnSample runs on the transport's delivery goroutine. It never returns an
// error or panics: a malformed sample is logged and counted, and the
// previous good sample stays in place.
type Subscriber[T any] struct {
	name   string
	decode Decoder[T]
	slot   *Slot[T]
	logger *slog.Logger
	now    func() time.Time

	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewSubscriber creates a subscriber for the named feed. clone deep-copies
// a sample and may be nil for types without references.
func NewSubscriber[T any](name string, decode Decoder[T], clone func(T) T, logger *slog.Logger) *Subscriber[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber[T]{
		name:   name,
		decode: decode,
		slot:   NewSlot(clone),
		logger: logger.With("feed", name),
		now:    time.Now,
	}
}

// Name returns the feed name.
func (s *Subscriber[T]) Name() string { return s.name }

// OnSample decodes raw and, on success, replaces the stored sample.
func (s *Subscriber[T]) OnSample(raw Payload) {
	s.received.Add(1)
	v, err := s.safeDecode(raw)
	if err != nil {
		n := s.decodeErrors.Add(1)
		s.logger.Warn("dropping undecodable sample", "error", err, "decode_errors", n)
		return
	}
	s.slot.Store(v, s.now())
}

func (s *Subscriber[T]) safeDecode(raw Payload) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return s.decode(raw)
}

// Last returns a deep copy of the newest sample; ok is false until the
// first sample decodes.
func (s *Subscriber[T]) Last() (v T, ok bool) {
	v, _, ok = s.slot.Load()
	return v, ok
}

// LastAt is Last plus the time the sample was stored.
func (s *Subscriber[T]) LastAt() (v T, at time.Time, ok bool) {
	return s.slot.Load()
}

// Stats returns delivery counters for the feed.
func (s *Subscriber[T]) Stats() Stats {
	at, _ := s.slot.Updated()
	return Stats{
		Received:     s.received.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		LastUpdate:   at,
	}
}
