// Package queue implements the completion-queue dispatcher: a blocking
// event loop that demultiplexes tagged completions to per-call finite state
// machines.
//
// A CompletionQueue never interprets the ok flag or the flags bits it
// delivers; both are meaningful only to the CallContext that receives them.
// The queue's only job is: accept a registration that binds a Tag to a
// CallContext, accept completions pushed against a previously registered
// Tag, and hand each completion to the right CallContext exactly once.
package queue

import (
	"sync"
	"unsafe"

	"github.com/grpcfy/grpcfy/tag"
)

// CallContext is the polymorphic call-context contract every FSM satisfies.
// Run arms the first asynchronous operation; OnEvent delivers a completion.
//
// OnEvent's alive result is advisory, not enforced by CompletionQueue or
// Run: actual lifetime is governed entirely by the live registry's
// per-address tag refcount (an address is collectible once every tag issued
// against it has resolved), mirroring the C++ runtime this design
// generalizes, where the equivalent "should I suicide" check is the FSM's
// own business, not the completion queue's. alive exists so a CallContext
// can express self-destruction intent in its own return value the way the
// ground truth does, and so tests can assert the draining invariant
// directly against OnEvent without needing to inspect CompletionQueue's
// internals.
type CallContext interface {
	Run()
	OnEvent(ok bool, flags tag.Flags) (alive bool)

	// tagPointer returns the address used to derive this context's Tag. It
	// is satisfied by embedding Header as the first field of the concrete
	// FSM struct; see Header's docs.
	tagPointer() unsafe.Pointer
}

// Header must be embedded as the first field of every concrete call-context
// struct. Embedding it first is load-bearing: Go guarantees that a pointer
// to a struct's first field may be converted to a pointer to the struct
// itself and back, which is what lets tagPointer return an address that
// identifies the whole FSM, not just the Header.
type Header struct{}

func (h *Header) tagPointer() unsafe.Pointer { return unsafe.Pointer(h) }

// event is one (tag, ok) pair as pulled from the underlying channel.
type event struct {
	t  tag.Tag
	ok bool
}

// liveEntry is the GC-safety registry's value type. A context may have more
// than one tag outstanding at once — a server stream FSM, for instance,
// keeps an AsyncNotifyWhenDone tag armed for its entire lifetime alongside
// whatever alarm or write tag is separately in flight — so the registry
// reference-counts registrations per address instead of storing a single
// entry that the first resolution would delete out from under the others.
type liveEntry struct {
	ctx   CallContext
	count int
}

// CompletionQueue is a thread-safe, shutdown-aware FIFO of tagged
// completions, realizing component B of the specification.
//
// Next blocks until an event is available or the queue is shut down. Push
// delivers a completion against a tag previously handed out by Register.
//
// Go's garbage collector does not treat a Tag (a bare uintptr) as a
// reachability root, unlike the C++ runtime this design is modeled on,
// where the tag literally is the object's address and the object's
// lifetime is managed manually. CompletionQueue closes that gap by holding
// a strong reference to every registered CallContext in live, keyed on the
// same masked address used to build the Tag, until every outstanding Tag
// for that address is resolved. This registry has no bearing on dispatch
// semantics — it exists purely so the FSM isn't collected while any of its
// tags are in flight.
//
// mu doubles as the barrier that makes Push and Shutdown race-free: Push
// holds a read lock for the duration of its send, and Shutdown takes the
// write lock before closing ch, so closing can never interleave with an
// in-flight send (which would otherwise panic).
type CompletionQueue struct {
	mu     sync.RWMutex
	live   map[unsafe.Pointer]*liveEntry
	ch     chan event
	closed bool
}

// NewCompletionQueue constructs a ready-to-use CompletionQueue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{
		live: make(map[unsafe.Pointer]*liveEntry),
		ch:   make(chan event, 64),
	}
}

// Register binds ctx to a freshly computed Tag carrying flags, and returns
// that Tag. The caller arms whatever asynchronous operation flags
// identifies using the returned Tag; when that operation completes, Push
// delivers it back to ctx via OnEvent. Registering the same ctx more than
// once before earlier tags resolve is expected and safe.
//
// Register panics if the queue has already been shut down — arming new
// operations against a dead queue is a programming error, not a runtime
// condition callers are expected to handle.
func (q *CompletionQueue) Register(ctx CallContext, flags tag.Flags) tag.Tag {
	ptr := ctx.tagPointer()
	tag.CheckAlignment(ptr)
	t := tag.Tagify(ptr, flags)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("queue: Register called on a shut-down CompletionQueue")
	}
	if e, ok := q.live[ptr]; ok {
		e.count++
	} else {
		q.live[ptr] = &liveEntry{ctx: ctx, count: 1}
	}
	return t
}

// Push enqueues a completion for a Tag previously returned by Register. It
// returns false if the queue has been shut down, in which case the caller
// should treat the call context as unreachable and let it self-destroy.
func (q *CompletionQueue) Push(t tag.Tag, ok bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.ch <- event{t: t, ok: ok}
	return true
}

// Next blocks until a completion is available, resolves its Tag against the
// live registry, and returns the bound CallContext plus the completion's ok
// and flags. The second result, open, is false once the queue is shut down
// and fully drained, mirroring queue.Next(&tag, &ok) returning false in the
// underlying runtime this design wraps.
func (q *CompletionQueue) Next() (ctx CallContext, ok bool, flags tag.Flags, open bool) {
	ev, open := <-q.ch
	if !open {
		return nil, false, 0, false
	}
	addr, flags := tag.Untag(ev.t)

	q.mu.Lock()
	e, found := q.live[addr]
	if found {
		e.count--
		if e.count <= 0 {
			delete(q.live, addr)
		}
	}
	q.mu.Unlock()

	if !found {
		// A completion arrived for a tag nobody registered (or every
		// registration for that address has already resolved). That is a
		// defect in an FSM's bookkeeping, not a condition the dispatcher
		// can recover from sensibly; surface it as a live event with
		// ctx=nil so the caller's dispatch loop can decide what to do
		// (typically: log and continue).
		return nil, ev.ok, flags, true
	}
	return e.ctx, ev.ok, flags, true
}

// Shutdown closes the queue. Any goroutine blocked in Next returns with
// open=false once the channel drains. Shutdown is idempotent.
//
// Taking the write lock here waits out every Push currently mid-send before
// ch is closed, so no send can ever land on an already-closed channel.
func (q *CompletionQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
