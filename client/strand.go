package client

import (
	"errors"
	"sync"
)

// ErrStrandStopped is returned by Submit/SubmitInternal once the strand has
// been asked to stop. ExecuteSingular and the FSMs' re-entry ignore it; the
// stream paths (LaunchServerStream, a reconnect timer) answer it by giving
// the stream callback a Canceled terminal status.
var ErrStrandStopped = errors.New("grpcfy: strand stopped")

// strand is the client engine's single-threaded cooperative context: a
// small command queue run by exactly one goroutine, so every closure
// submitted to it observes and mutates engine/FSM state without locks.
// It is grounded on the shape of the teacher's Loop interface
// (Submit/SubmitInternal) but implemented locally rather than by adopting
// a full event-loop dependency — see DESIGN.md.
//
// mu guards closed the same way CompletionQueue's mu guards its own closed
// flag: Submit/SubmitInternal hold a read lock for their check-then-send, so
// stop can never observe "not closed" and then race a send against run
// exiting — taking the write lock waits out every in-flight submit first.
type strand struct {
	mu       sync.RWMutex
	closed   bool
	external chan func()
	internal chan func()
	done     chan struct{}
	stopped  chan struct{}
}

func newStrand() *strand {
	return &strand{
		external: make(chan func(), 256),
		internal: make(chan func(), 256),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// run is the strand's event loop. Internal closures — posted by the
// dispatcher thread re-entering an FSM — always drain ahead of external
// API calls, so a burst of user Submit calls can never starve in-flight
// call completions.
func (s *strand) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.internal:
			fn()
			continue
		default:
		}
		select {
		case fn := <-s.internal:
			fn()
			continue
		case fn := <-s.external:
			fn()
			continue
		case <-s.done:
			// A submit that raced stop's write lock may have already
			// queued fn before closed was set; drain it rather than
			// letting select's random choice among ready cases drop it.
			s.drain()
			return
		}
	}
}

func (s *strand) drain() {
	for {
		select {
		case fn := <-s.internal:
			fn()
		case fn := <-s.external:
			fn()
		default:
			return
		}
	}
}

// Submit posts fn to run on the strand. It returns ErrStrandStopped instead
// of running fn once the strand has been told to stop.
func (s *strand) Submit(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStrandStopped
	}
	s.external <- fn
	return nil
}

// SubmitInternal posts fn to the strand's priority queue, used exclusively
// by FSMs re-entering themselves after a dispatcher completion.
func (s *strand) SubmitInternal(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStrandStopped
	}
	s.internal <- fn
	return nil
}

// stop signals the strand to exit after draining whatever is already
// queued, and blocks until it has. Setting closed under the write lock
// before closing done guarantees no Submit/SubmitInternal can enqueue work
// after this point without observing ErrStrandStopped instead.
func (s *strand) stop() {
	s.mu.Lock()
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	<-s.stopped
}
