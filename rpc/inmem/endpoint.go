package inmem

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/rpc"
)

// unaryCall is one in-flight unary invocation, pushed by a client and
// pulled by whichever acceptor is waiting on the method's queue.
type unaryCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	peer   net.Addr
	req    rpc.Message
	respCh chan unaryResponse
}

type unaryResponse struct {
	resp rpc.Message
	st   *status.Status
}

// streamCall is one in-flight server-streamed invocation.
type streamCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	peer   net.Addr
	req    rpc.Message
	msgCh  chan rpc.Message

	mu     sync.Mutex
	status *status.Status
}

func (c *streamCall) finish(st *status.Status) {
	c.mu.Lock()
	if c.status == nil {
		c.status = st
	}
	c.mu.Unlock()
	close(c.msgCh)
	// Unblocks AsyncNotifyWhenDone's waiter: without this, a gracefully
	// finished call never closes ctx.Done, and the FSM's cancellation tag
	// is never resolved.
	c.cancel()
}

func (c *streamCall) finalStatus() *status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Endpoint is an in-process listener: a set of method queues that pairs
// waiting server acceptors with incoming client calls, FIFO per method.
type Endpoint struct {
	addr string

	mu      sync.Mutex
	unary   map[string]chan *unaryCall
	stream  map[string]chan *streamCall
	closed  bool
	doneCh  chan struct{}
	onClose func()
}

func newEndpoint(addr string, onClose func()) *Endpoint {
	return &Endpoint{
		addr:    addr,
		unary:   make(map[string]chan *unaryCall),
		stream:  make(map[string]chan *streamCall),
		doneCh:  make(chan struct{}),
		onClose: onClose,
	}
}

// Addr returns the address this Endpoint was bound to.
func (e *Endpoint) Addr() string { return e.addr }

// Close shuts the endpoint down: pending Accept calls and future
// Accept/StartCall calls observe a closed queue and fail. A call a client
// has already started is not failed by Close.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.doneCh)
	e.mu.Unlock()
	if e.onClose != nil {
		e.onClose()
	}
}

func (e *Endpoint) unaryQueue(method string) (chan *unaryCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	ch, ok := e.unary[method]
	if !ok {
		ch = make(chan *unaryCall, 64)
		e.unary[method] = ch
	}
	return ch, true
}

func (e *Endpoint) streamQueue(method string) (chan *streamCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	ch, ok := e.stream[method]
	if !ok {
		ch = make(chan *streamCall, 64)
		e.stream[method] = ch
	}
	return ch, true
}

type localAddr string

func (a localAddr) Network() string { return "inmem" }
func (a localAddr) String() string  { return string(a) }
