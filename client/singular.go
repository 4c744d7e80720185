package client

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
	"github.com/grpcfy/grpcfy/tag"
)

// SingularCallback receives a singular call's sole outcome: either a
// response with an OK status, or a zero-value response with a non-OK
// status. It always runs on the engine's strand.
type SingularCallback[Resp rpc.Message] func(resp Resp, st *status.Status)

// singularCallFSM is component E: a one-shot client-side state machine
// that starts a call and implicitly awaits its sole completion.
type singularCallFSM[Req rpc.Message, Resp rpc.Message] struct {
	queue.Header

	e      *Engine
	method string
	req    Req
	cb     SingularCallback[Resp]

	client *inmem.UnaryClient[Req, Resp]
	cctx   *clientContext
}

func newSingularCallFSM[Req rpc.Message, Resp rpc.Message](e *Engine, method string, req Req, cb SingularCallback[Resp]) *singularCallFSM[Req, Resp] {
	return &singularCallFSM[Req, Resp]{e: e, method: method, req: req, cb: cb}
}

// Run starts the call. It must be invoked from the engine's strand.
func (f *singularCallFSM[Req, Resp]) Run() {
	f.client = inmem.NewUnaryClient[Req, Resp](f.e.endpoint)
	f.cctx = newClientContext(time.Now().Add(f.e.opts.singularDeadline))
	t := f.e.q.Register(f, 0)
	f.client.StartCall(f.cctx, f.method, f.req, f.e.q, t)
}

// OnEvent runs on a dispatcher goroutine; per the client-side design, all
// it does is post the real handling back onto the strand, so every FSM
// mutation and callback invocation happens without locks.
func (f *singularCallFSM[Req, Resp]) OnEvent(ok bool, _ tag.Flags) bool {
	_ = f.e.strand.SubmitInternal(func() { f.handle(ok) })
	return false
}

func (f *singularCallFSM[Req, Resp]) handle(ok bool) {
	if !ok {
		var zero Resp
		_, st := f.client.Result()
		if st == nil {
			st = status.New(codes.Unavailable, "grpcfy: singular call did not complete")
		}
		f.cb(zero, st)
		return
	}
	resp, st := f.client.Result()
	f.cb(resp, st)
}
