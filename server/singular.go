package server

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/internal/grpclog"
	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
	"github.com/grpcfy/grpcfy/tag"
)

// SingularHandler is invoked once per accepted singular call, with a handle
// the implementation uses to respond (possibly asynchronously, from any
// goroutine) and the decoded request.
type SingularHandler[Req rpc.Message, Resp rpc.Message] func(handle *SingularCallHandle[Resp], req Req)

type singularBinding[Req rpc.Message, Resp rpc.Message] struct {
	method  string
	handler SingularHandler[Req, Resp]
}

func (b *singularBinding[Req, Resp]) fullMethod() string { return b.method }

func (b *singularBinding[Req, Resp]) spawn(e *Engine, ep *inmem.Endpoint, q *queue.CompletionQueue) queue.CallContext {
	return newSingularFSM(e, q, ep, b)
}

type singularState uint8

const (
	singularStandingBy singularState = iota
	singularAwaitingRequest
	singularAwaitingResponse
	singularAwaitingAlarm
	singularAwaitingFinish
)

const (
	singularFlagAccept tag.Flags = 0
	singularFlagAlarm  tag.Flags = 1
	singularFlagFinish tag.Flags = 2
)

// singularFSM realizes component C, the server-side singular-call FSM.
type singularFSM[Req rpc.Message, Resp rpc.Message] struct {
	queue.Header

	e        *Engine
	q        *queue.CompletionQueue
	endpoint *inmem.Endpoint
	binding  *singularBinding[Req, Resp]
	log      *grpclog.Logger

	state    singularState
	acceptor rpc.UnaryAcceptor[Req, Resp]
	sctx     rpc.ServerContext
	writer   rpc.ResponseWriter[Resp]
	alarm    queue.Alarm

	responded  atomic.Bool
	respValue  Resp
	respStatus *status.Status
}

func newSingularFSM[Req rpc.Message, Resp rpc.Message](e *Engine, q *queue.CompletionQueue, ep *inmem.Endpoint, b *singularBinding[Req, Resp]) *singularFSM[Req, Resp] {
	return &singularFSM[Req, Resp]{e: e, q: q, endpoint: ep, binding: b, log: e.log}
}

func (f *singularFSM[Req, Resp]) Run() {
	f.state = singularAwaitingRequest
	f.acceptor = inmem.NewUnaryAcceptor[Req, Resp](f.endpoint, f.binding.method)
	t := f.q.Register(f, singularFlagAccept)
	f.acceptor.Accept(f.q, t)
}

func (f *singularFSM[Req, Resp]) OnEvent(ok bool, flags tag.Flags) bool {
	if !ok {
		// Peer gone, or the queue is tearing down: terminal regardless of
		// state.
		return false
	}

	switch f.state {
	case singularAwaitingRequest:
		if flags != singularFlagAccept {
			panic("grpcfy: illegal completion flags for singular FSM in AwaitingRequest")
		}
		newSingularFSM(f.e, f.q, f.endpoint, f.binding).Run()

		sctx, req, writer := f.acceptor.Result()
		f.sctx = sctx
		f.writer = writer
		f.state = singularAwaitingResponse

		f.binding.handler(&SingularCallHandle[Resp]{fsm: f}, req)
		return true

	case singularAwaitingAlarm:
		if flags != singularFlagAlarm {
			panic("grpcfy: illegal completion flags for singular FSM in AwaitingAlarm")
		}
		t := f.q.Register(f, singularFlagFinish)
		f.state = singularAwaitingFinish
		f.writer.Finish(f.q, t, f.respValue, f.respStatus)
		return true

	case singularAwaitingFinish:
		if flags != singularFlagFinish {
			panic("grpcfy: illegal completion flags for singular FSM in AwaitingFinish")
		}
		return false

	default:
		panic("grpcfy: event delivered to singular FSM in an illegal state")
	}
}

// respond is the cross-thread hand-off point: exactly one call is allowed,
// from any goroutine, and it arms an immediate-fire alarm to re-enter the
// FSM on a dispatcher goroutine, where f.state is mutated next.
func (f *singularFSM[Req, Resp]) respond(resp Resp, st *status.Status) {
	if !f.responded.CompareAndSwap(false, true) {
		panic("grpcfy: singular call handle responded more than once")
	}
	f.respValue = resp
	f.respStatus = st
	f.state = singularAwaitingAlarm
	t := f.q.Register(f, singularFlagAlarm)
	f.alarm.Set(f.q, t, 0)
}

func (f *singularFSM[Req, Resp]) peer() *peer.Peer { return f.sctx.Peer() }

// SingularCallHandle is the user-facing owner of a server singular-call
// FSM: exactly one of Respond or Fail must be called, exactly once, from
// any goroutine.
type SingularCallHandle[Resp rpc.Message] struct {
	fsm singularResponder[Resp]
}

type singularResponder[Resp rpc.Message] interface {
	respond(resp Resp, st *status.Status)
	peer() *peer.Peer
}

// Respond completes the call successfully with resp.
func (h *SingularCallHandle[Resp]) Respond(resp Resp) {
	h.fsm.respond(resp, status.New(codes.OK, ""))
}

// Fail completes the call with a non-OK status.
func (h *SingularCallHandle[Resp]) Fail(st *status.Status) {
	var zero Resp
	h.fsm.respond(zero, st)
}

// Peer reports the identity of the remote party that issued this call.
func (h *SingularCallHandle[Resp]) Peer() *peer.Peer {
	return h.fsm.peer()
}
