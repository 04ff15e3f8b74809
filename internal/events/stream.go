package events

import (
	"sync"
	"time"
)

// DefaultBuffer is the stream channel capacity used when the caller does
// not specify one.
const DefaultBuffer = 256

// Stream is the bounded queue between the run (producer side: the loop
// and its tools) and the single consumer. Emission order is delivery
// order. When the buffer is full, Emit blocks; the run is
// single-threaded, so back-pressure simply pauses the loop until the
// consumer catches up.
type Stream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewStream creates a stream with the given buffer capacity. A
// non-positive capacity selects DefaultBuffer.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Emit enqueues an event, stamping its timestamp if unset. Emitting on a
// closed stream is a no-op: late producers (a tool finishing after
// cancellation) must not panic the run.
func (s *Stream) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- e
}

// Events returns the consumer side. It is closed when the run finishes;
// the done (or error-then-done) event always precedes the close.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close marks the stream finished. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Drain consumes and discards all remaining events. Useful for callers
// that only care about the final state (which they take from Collect or
// the run result instead).
func (s *Stream) Drain() {
	for range s.ch {
	}
}

// Collect consumes the stream to completion and returns every event in
// order. Intended for tests and synchronous callers.
func (s *Stream) Collect() []Event {
	var out []Event
	for e := range s.ch {
		out = append(out, e)
	}
	return out
}
