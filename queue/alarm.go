package queue

import (
	"sync"
	"time"

	"github.com/grpcfy/grpcfy/tag"
)

// Alarm is a completion-queue primitive that, once Set, delivers a
// completion for a given Tag after a delay (zero for "as soon as
// possible"). It is the mechanism an FSM uses to hop from whatever
// goroutine called into it back onto a dispatcher goroutine, which is the
// only place an FSM's state may be mutated.
//
// An Alarm is reusable: Set replaces any pending firing. Cancel suppresses
// a pending firing that hasn't happened yet; it cannot unsend a completion
// that has already been pushed.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Set arms the alarm to push (t, true) onto q after delay. An immediate-fire
// alarm — the common case, used to re-enter the dispatcher after a user
// thread mutates FSM-owned data under a lock — passes delay 0.
func (a *Alarm) Set(q *CompletionQueue, t tag.Tag, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(delay, func() {
		q.Push(t, true)
	})
}

// Cancel stops a pending firing, if any. It is a no-op if the alarm has
// already fired or was never set.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
