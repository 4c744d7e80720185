package inmem

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/tag"
)

// StreamAcceptor is the server-side realization of rpc.StreamAcceptor.
type StreamAcceptor[Req rpc.Message, Resp rpc.Message] struct {
	endpoint *Endpoint
	method   string
	call     *streamCall
}

func NewStreamAcceptor[Req rpc.Message, Resp rpc.Message](endpoint *Endpoint, method string) *StreamAcceptor[Req, Resp] {
	return &StreamAcceptor[Req, Resp]{endpoint: endpoint, method: method}
}

func (a *StreamAcceptor[Req, Resp]) Accept(q *queue.CompletionQueue, t tag.Tag) {
	ch, ok := a.endpoint.streamQueue(a.method)
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

func (a *StreamAcceptor[Req, Resp]) Result() (rpc.ServerContext, Req, rpc.StreamWriter[Resp]) {
	call := a.call
	sc := &serverContext{cancelFn: call.cancel, done: call.ctx.Done(), peerAddr: call.peer}
	req := call.req.(Req)
	w := &streamWriter[Resp]{call: call}
	return sc, req, w
}

type streamWriter[Resp rpc.Message] struct {
	call *streamCall
}

func (w *streamWriter[Resp]) Write(q *queue.CompletionQueue, t tag.Tag, resp Resp) {
	go func() {
		select {
		case w.call.msgCh <- resp:
			q.Push(t, true)
		case <-w.call.ctx.Done():
			q.Push(t, false)
		}
	}()
}

func (w *streamWriter[Resp]) Finish(q *queue.CompletionQueue, t tag.Tag, st *status.Status) {
	go func() {
		w.call.finish(st)
		q.Push(t, true)
	}()
}

// StreamClient is the client-side realization of rpc.StreamClient.
type StreamClient[Req rpc.Message, Resp rpc.Message] struct {
	endpoint *Endpoint
	call     *streamCall
	recv     Resp
}

func NewStreamClient[Req rpc.Message, Resp rpc.Message](endpoint *Endpoint) *StreamClient[Req, Resp] {
	return &StreamClient[Req, Resp]{endpoint: endpoint}
}

// StartCall deliberately ignores cctx's deadline for the stream's lifetime
// context: per the framework's configuration contract, stream lifetime is
// governed by reconnection, not a single deadline. cctx is not read at all
// by this transport, so its fail-fast flag has no effect either.
func (c *StreamClient[Req, Resp]) StartCall(cctx rpc.ClientContext, method string, req Req, q *queue.CompletionQueue, t tag.Tag) {
	ctx, cancel := context.WithCancel(context.Background())
	call := &streamCall{
		ctx:    ctx,
		cancel: cancel,
		peer:   localAddr(c.endpoint.addr + "/client"),
		req:    req,
		msgCh:  make(chan rpc.Message, 16),
	}
	c.call = call

	ch, ok := c.endpoint.streamQueue(method)
	if !ok {
		cancel()
		go q.Push(t, false)
		return
	}

	go func() {
		select {
		case ch <- call:
			q.Push(t, true)
		case <-ctx.Done():
			q.Push(t, false)
		}
	}()
}

func (c *StreamClient[Req, Resp]) Read(q *queue.CompletionQueue, t tag.Tag) {
	call := c.call
	go func() {
		select {
		case msg, ok := <-call.msgCh:
			if !ok {
				q.Push(t, false)
				return
			}
			c.recv = msg.(Resp)
			q.Push(t, true)
		case <-call.ctx.Done():
			// finish closes msgCh and then cancels ctx, so both cases can be
			// ready at once: messages still buffered are delivered first.
			select {
			case msg, ok := <-call.msgCh:
				if ok {
					c.recv = msg.(Resp)
					q.Push(t, true)
					return
				}
			default:
			}
			q.Push(t, false)
		}
	}()
}

func (c *StreamClient[Req, Resp]) Recv() Resp {
	return c.recv
}

// Cancel tears down this call's context directly, without going through a
// full rpc.ClientContext — the mechanism the client engine's
// shutdown_server_stream operation and per-FSM cancellation use.
func (c *StreamClient[Req, Resp]) Cancel() {
	c.call.cancel()
}

func (c *StreamClient[Req, Resp]) Finish(q *queue.CompletionQueue, t tag.Tag) {
	go q.Push(t, true)
}

func (c *StreamClient[Req, Resp]) Status() *status.Status {
	if st := c.call.finalStatus(); st != nil {
		return st
	}
	// The stream's context was cancelled (engine shutdown, TryCancel) before
	// the server ever called Finish, so finalStatus is still unset.
	select {
	case <-c.call.ctx.Done():
		return status.New(codes.Canceled, "inmem: stream context cancelled before server finished")
	default:
		return status.New(codes.Unknown, "inmem: stream finished with no status")
	}
}
