package server

import (
	"sync"

	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/internal/grpclog"
	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
	"github.com/grpcfy/grpcfy/tag"
)

// ServerStreamHandler is invoked once per accepted server-stream call, with
// a weak handle the implementation uses to push notifications (from any
// goroutine, at any time) and the decoded request.
type ServerStreamHandler[Req rpc.Message, Resp rpc.Message] func(handle *ServerStreamHandle[Resp], req Req)

type streamBinding[Req rpc.Message, Resp rpc.Message] struct {
	method  string
	handler ServerStreamHandler[Req, Resp]
}

func (b *streamBinding[Req, Resp]) fullMethod() string { return b.method }

func (b *streamBinding[Req, Resp]) spawn(e *Engine, ep *inmem.Endpoint, q *queue.CompletionQueue) queue.CallContext {
	return newStreamFSM(e, q, ep, b)
}

type streamState uint8

const (
	streamStandingBy streamState = iota
	streamAwaitingRequest
	streamAwaitingNotifications
	streamAwaitingAlarm
	streamAwaitingWrite
	streamAwaitingFinish
	streamCancelled
)

const (
	streamFlagAccept tag.Flags = 0
	streamFlagCancel tag.Flags = 1
	streamFlagAlarm  tag.Flags = 2
	// streamFlagIO marks both write and finish completions; the current
	// state (AwaitingWrite vs AwaitingFinish) disambiguates which.
	streamFlagIO tag.Flags = 3
)

// streamItem is one entry in a server stream FSM's pending queue: either a
// message to write, or a terminal status, never both.
type streamItem[Resp rpc.Message] struct {
	msg        Resp
	st         *status.Status
	isTerminal bool
}

// streamFSM realizes component D, the server-stream FSM: dispatcher
// completions, user notifications posted from arbitrary goroutines, and
// remote cancellation, all multiplexed through one lock.
type streamFSM[Req rpc.Message, Resp rpc.Message] struct {
	queue.Header

	e        *Engine
	q        *queue.CompletionQueue
	endpoint *inmem.Endpoint
	binding  *streamBinding[Req, Resp]
	log      *grpclog.Logger

	acceptor rpc.StreamAcceptor[Req, Resp]
	sctx     rpc.ServerContext
	writer   rpc.StreamWriter[Resp]
	alarm    queue.Alarm

	mu                sync.Mutex
	state             streamState
	pending           []streamItem[Resp]
	pendingAlarms     int
	dropNotifications bool
}

func newStreamFSM[Req rpc.Message, Resp rpc.Message](e *Engine, q *queue.CompletionQueue, ep *inmem.Endpoint, b *streamBinding[Req, Resp]) *streamFSM[Req, Resp] {
	return &streamFSM[Req, Resp]{e: e, q: q, endpoint: ep, binding: b, log: e.log}
}

func (f *streamFSM[Req, Resp]) Run() {
	f.state = streamAwaitingRequest
	f.acceptor = inmem.NewStreamAcceptor[Req, Resp](f.endpoint, f.binding.method)
	t := f.q.Register(f, streamFlagAccept)
	f.acceptor.Accept(f.q, t)
}

func (f *streamFSM[Req, Resp]) OnEvent(ok bool, flags tag.Flags) bool {
	if !ok {
		return false
	}

	// The cancellation sentinel (AsyncNotifyWhenDone) is the primary
	// signal, but it races every other completion against the same
	// context: a write or alarm completion can land after the
	// remote goes away but before the sentinel's own tag is delivered.
	// Polling IsCancelled alongside the flag check catches that window.
	switch f.state {
	case streamAwaitingNotifications, streamAwaitingAlarm, streamAwaitingWrite:
		if f.sctx != nil && f.sctx.IsCancelled() {
			return f.onCancelled(flags)
		}
	}

	switch f.state {
	case streamAwaitingRequest:
		return f.onRequestAccepted(flags)
	case streamAwaitingNotifications:
		if flags != streamFlagCancel {
			panic("grpcfy: illegal completion for server stream FSM in AwaitingNotifications")
		}
		return f.onCancelled(flags)
	case streamAwaitingAlarm:
		if flags == streamFlagCancel {
			return f.onCancelled(flags)
		}
		if flags != streamFlagAlarm {
			panic("grpcfy: illegal completion for server stream FSM in AwaitingAlarm")
		}
		return f.drainHead()
	case streamAwaitingWrite:
		if flags == streamFlagCancel {
			return f.onCancelled(flags)
		}
		if flags != streamFlagIO {
			panic("grpcfy: illegal completion for server stream FSM in AwaitingWrite")
		}
		return f.onWriteComplete()
	case streamAwaitingFinish:
		// Either the Finish completion itself, or the AsyncNotifyWhenDone
		// tag firing as a side effect of the call context closing — both
		// are no-ops here; the FSM is already on its way out.
		return false
	case streamCancelled:
		return f.onCancelledDrainEvent(flags)
	default:
		panic("grpcfy: event delivered to server stream FSM in an illegal state")
	}
}

func (f *streamFSM[Req, Resp]) onRequestAccepted(flags tag.Flags) bool {
	if flags != streamFlagAccept {
		panic("grpcfy: illegal completion flags for server stream FSM in AwaitingRequest")
	}
	newStreamFSM(f.e, f.q, f.endpoint, f.binding).Run()

	sctx, req, writer := f.acceptor.Result()
	f.sctx = sctx
	f.writer = writer
	f.state = streamAwaitingNotifications

	cancelTag := f.q.Register(f, streamFlagCancel)
	sctx.AsyncNotifyWhenDone(f.q, cancelTag)

	f.binding.handler(&ServerStreamHandle[Resp]{fsm: f}, req)
	return true
}

// onCancelled enters drain mode: no further alarms are armed, and the FSM
// self-destroys once every outstanding alarm-originated tag has resolved.
// flags is whatever completion triggered this call — the dedicated cancel
// tag, or (via the IsCancelled poll) the write/alarm completion itself. In
// the latter case that completion is the very thing pendingAlarms is
// counting, so it must decrement here or it is never accounted for.
func (f *streamFSM[Req, Resp]) onCancelled(flags tag.Flags) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropNotifications = true
	f.pending = nil
	f.state = streamCancelled
	if flags == streamFlagAlarm || flags == streamFlagIO {
		f.pendingAlarms--
	}
	return f.pendingAlarms > 0
}

// onCancelledDrainEvent handles completions that arrive after cancellation
// was already observed: each alarm-or-IO-originated completion decrements
// the pending-alarm counter; a second cancellation notification is a no-op.
func (f *streamFSM[Req, Resp]) onCancelledDrainEvent(flags tag.Flags) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags == streamFlagAlarm || flags == streamFlagIO {
		f.pendingAlarms--
	}
	return f.pendingAlarms > 0
}

// drainHead pops the pending queue's head and starts the matching async
// operation. Called with no lock held; it acquires its own.
func (f *streamFSM[Req, Resp]) drainHead() bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		// A spurious alarm firing after the queue was already drained by a
		// prior write completion: nothing to do but return to steady
		// state.
		f.state = streamAwaitingNotifications
		f.mu.Unlock()
		return true
	}
	item := f.pending[0]
	f.pending = f.pending[1:]
	if item.isTerminal {
		f.state = streamAwaitingFinish
	} else {
		f.state = streamAwaitingWrite
	}
	f.mu.Unlock()

	t := f.q.Register(f, streamFlagIO)
	if item.isTerminal {
		f.writer.Finish(f.q, t, item.st)
	} else {
		f.writer.Write(f.q, t, item.msg)
	}
	return true
}

func (f *streamFSM[Req, Resp]) onWriteComplete() bool {
	f.mu.Lock()
	empty := len(f.pending) == 0
	if empty {
		f.state = streamAwaitingNotifications
		// The alarm-originated chain that started this burst has fully
		// drained back to steady state: the slot it occupied is free.
		f.pendingAlarms--
	}
	f.mu.Unlock()
	if empty {
		return true
	}
	return f.drainHead()
}

// push is the cross-thread push protocol: called from any goroutine via
// ServerStreamHandle.
func (f *streamFSM[Req, Resp]) push(item streamItem[Resp]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropNotifications {
		return false
	}
	if item.isTerminal {
		// Close: every push after the terminal status is dropped.
		f.dropNotifications = true
	}
	switch f.state {
	case streamAwaitingAlarm, streamAwaitingWrite:
		f.pending = append(f.pending, item)
		return true
	case streamAwaitingNotifications:
		f.pending = append(f.pending, item)
		f.pendingAlarms++
		f.state = streamAwaitingAlarm
		t := f.q.Register(f, streamFlagAlarm)
		f.alarm.Set(f.q, t, 0)
		return true
	default:
		panic("grpcfy: notification pushed to server stream FSM in an illegal state")
	}
}

func (f *streamFSM[Req, Resp]) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dropNotifications
}

func (f *streamFSM[Req, Resp]) peer() *peer.Peer { return f.sctx.Peer() }

// ServerStreamHandle is a non-owning, concurrency-safe reference to a
// server stream FSM: the user-facing handle for pushing notifications and
// closing the stream.
type ServerStreamHandle[Resp rpc.Message] struct {
	fsm serverStreamPusher[Resp]
}

type serverStreamPusher[Resp rpc.Message] interface {
	push(item streamItem[Resp]) bool
	running() bool
	peer() *peer.Peer
}

// Push enqueues one outbound message. It returns Running unless the
// underlying FSM has already terminated (remote cancellation or a prior
// Close).
func (h *ServerStreamHandle[Resp]) Push(msg Resp) CallState {
	if h.fsm.push(streamItem[Resp]{msg: msg}) {
		return Running
	}
	return Finished
}

// Close enqueues a terminal status. Further pushes are dropped.
func (h *ServerStreamHandle[Resp]) Close(st *status.Status) CallState {
	if h.fsm.push(streamItem[Resp]{st: st, isTerminal: true}) {
		return Running
	}
	return Finished
}

// State reports whether the underlying FSM is still accepting pushes.
func (h *ServerStreamHandle[Resp]) State() CallState {
	if h.fsm.running() {
		return Running
	}
	return Finished
}

// Peer reports the identity of the remote party that issued this call.
func (h *ServerStreamHandle[Resp]) Peer() *peer.Peer {
	return h.fsm.peer()
}

// CallState is the liveness observed through a weak handle.
type CallState uint8

const (
	Running CallState = iota
	Finished
)
