package inmem

import (
	"context"

	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/internal/grpcutil"
	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/tag"
)

// UnaryAcceptor is the server-side realization of rpc.UnaryAcceptor over an
// Endpoint's method queue.
type UnaryAcceptor[Req rpc.Message, Resp rpc.Message] struct {
	endpoint *Endpoint
	method   string
	call     *unaryCall
}

// NewUnaryAcceptor binds an acceptor to method on endpoint.
func NewUnaryAcceptor[Req rpc.Message, Resp rpc.Message](endpoint *Endpoint, method string) *UnaryAcceptor[Req, Resp] {
	return &UnaryAcceptor[Req, Resp]{endpoint: endpoint, method: method}
}

func (a *UnaryAcceptor[Req, Resp]) Accept(q *queue.CompletionQueue, t tag.Tag) {
	ch, ok := a.endpoint.unaryQueue(a.method)
	if !ok {
		go q.Push(t, false)
		return
	}
	go func() {
		select {
		case call, ok := <-ch:
			if !ok {
				q.Push(t, false)
				return
			}
			a.call = call
			q.Push(t, true)
		case <-a.endpoint.doneCh:
			q.Push(t, false)
		}
	}()
}

func (a *UnaryAcceptor[Req, Resp]) Result() (rpc.ServerContext, Req, rpc.ResponseWriter[Resp]) {
	call := a.call
	sc := &serverContext{cancelFn: call.cancel, done: call.ctx.Done(), peerAddr: call.peer}
	req := call.req.(Req)
	w := &unaryResponseWriter[Resp]{call: call}
	return sc, req, w
}

type unaryResponseWriter[Resp rpc.Message] struct {
	call *unaryCall
}

func (w *unaryResponseWriter[Resp]) Finish(q *queue.CompletionQueue, t tag.Tag, resp Resp, st *status.Status) {
	go func() {
		select {
		case w.call.respCh <- unaryResponse{resp: resp, st: st}:
		case <-w.call.ctx.Done():
		}
		close(w.call.respCh)
		q.Push(t, true)
	}()
}

// UnaryClient is the client-side realization of rpc.UnaryClient.
type UnaryClient[Req rpc.Message, Resp rpc.Message] struct {
	endpoint *Endpoint
	call     *unaryCall
	resp     Resp
	status   *status.Status
}

// NewUnaryClient constructs a client bound to endpoint; the method name is
// supplied per call to StartCall.
func NewUnaryClient[Req rpc.Message, Resp rpc.Message](endpoint *Endpoint) *UnaryClient[Req, Resp] {
	return &UnaryClient[Req, Resp]{endpoint: endpoint}
}

func (c *UnaryClient[Req, Resp]) StartCall(cctx rpc.ClientContext, method string, req Req, q *queue.CompletionQueue, t tag.Tag) {
	ctx, cancel := context.WithDeadline(context.Background(), cctx.Deadline())
	call := &unaryCall{
		ctx:    ctx,
		cancel: cancel,
		peer:   localAddr(c.endpoint.addr + "/client"),
		req:    req,
		respCh: make(chan unaryResponse, 1),
	}
	c.call = call

	ch, ok := c.endpoint.unaryQueue(method)
	if !ok {
		cancel()
		go q.Push(t, false)
		return
	}

	go func() {
		select {
		case ch <- call:
		case <-ctx.Done():
			c.status, _ = status.FromError(grpcutil.TranslateContextError(ctx.Err()))
			q.Push(t, false)
			return
		}
		select {
		case r, ok := <-call.respCh:
			cancel()
			if !ok {
				q.Push(t, false)
				return
			}
			if r.resp != nil {
				c.resp = r.resp.(Resp)
			}
			c.status = r.st
			q.Push(t, true)
		case <-ctx.Done():
			cancel()
			c.status, _ = status.FromError(grpcutil.TranslateContextError(ctx.Err()))
			q.Push(t, false)
		}
	}()
}

func (c *UnaryClient[Req, Resp]) Result() (Resp, *status.Status) {
	return c.resp, c.status
}
