package inference

import (
	"sync"
	"time"
)

const (
	// DefaultStreamDepth bounds the number of undelivered token events.
	DefaultStreamDepth = 4096
	// DefaultSendWindow bounds how long a producer blocks on a full queue.
	DefaultSendWindow = 5 * time.Second
)

// TokenCallback receives stream events in generation order. Returning an
// error aborts the stream; the session then ends as cancelled. Callbacks must
// not start a new generation on the same engine.
type TokenCallback func(Event) error

// Stream is a bounded, ordered queue of token events followed by exactly one
// terminal event. Send and Finish belong to a single producer goroutine;
// Recv and Abort belong to the consumer.
type Stream struct {
	events chan Event
	wait   time.Duration

	abort     chan struct{}
	abortOnce sync.Once
	finish    sync.Once

	mu       sync.Mutex
	terminal Event
	taken    bool
}

// NewStream returns a stream holding at most depth undelivered token events.
// A producer blocked on a full queue gives up after wait.
func NewStream(depth int, wait time.Duration) *Stream {
	if depth <= 0 {
		depth = DefaultStreamDepth
	}
	if wait <= 0 {
		wait = DefaultSendWindow
	}
	return &Stream{
		events: make(chan Event, depth),
		wait:   wait,
		abort:  make(chan struct{}),
	}
}

// Send enqueues a token event. It tries a non-blocking enqueue first and
// only waits, for at most the send window, when the queue is full.
func (s *Stream) Send(ev Event) error {
	select {
	case <-s.abort:
		return ErrStreamClosed
	default:
	}

	select {
	case s.events <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.events <- ev:
		return nil
	case <-s.abort:
		return ErrStreamClosed
	case <-timer.C:
		return newEngineError(ErrStreamStalled, "queue full for "+s.wait.String(), nil)
	}
}

// Finish closes the stream with its terminal event. It never blocks; only
// the first call has an effect.
func (s *Stream) Finish(terminal Event) {
	s.finish.Do(func() {
		s.mu.Lock()
		s.terminal = terminal
		s.mu.Unlock()
		close(s.events)
	})
}

// Recv returns the next event: token events in order, then the terminal
// event once, then ok == false.
func (s *Stream) Recv() (Event, bool) {
	if ev, ok := <-s.events; ok {
		return ev, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return Event{}, false
	}
	s.taken = true
	return s.terminal, true
}

// Abort tells the producer to stop. Pending events can still be received.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() { close(s.abort) })
}

// Aborted reports whether the consumer aborted the stream.
func (s *Stream) Aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// Len is the number of queued, undelivered token events.
func (s *Stream) Len() int { return len(s.events) }

// dispatch drives cb until the terminal event has been delivered. A callback
// error aborts the stream; remaining token events are drained without being
// delivered, the terminal event is still passed to cb.
func (s *Stream) dispatch(cb TokenCallback) {
	failed := false
	for {
		ev, ok := s.Recv()
		if !ok {
			return
		}
		if ev.Terminal() {
			if cb != nil {
				_ = cb(ev)
			}
			return
		}
		if failed || cb == nil {
			continue
		}
		if err := cb(ev); err != nil {
			failed = true
			s.Abort()
		}
	}
}
