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

const (
	clientStreamFlagStart tag.Flags = iota
	clientStreamFlagRead
	clientStreamFlagFinish
)

type clientStreamState uint8

const (
	csConnecting clientStreamState = iota
	csReading
	csFinishing
)

// StreamEvent is delivered to a StreamCallback. Exactly one of Msg or
// Status is meaningful: Status is nil for every notification and non-nil
// only for the terminal event that ends the callback's lifetime for this
// attempt.
type StreamEvent[Resp rpc.Message] struct {
	Msg    Resp
	Status *status.Status
}

// StreamCallback receives a server stream's notifications and its terminal
// status. It always runs on the engine's strand.
type StreamCallback[Resp rpc.Message] func(ev StreamEvent[Resp])

// streamCallFSM is component F: Connecting/Reading/Finishing, with
// self-directed reconnection on break.
type streamCallFSM[Req rpc.Message, Resp rpc.Message] struct {
	queue.Header

	e         *Engine
	sessionID string
	method    string
	req       Req
	cb        StreamCallback[Resp]

	client *inmem.StreamClient[Req, Resp]
	cctx   *clientContext
	state  clientStreamState
}

func newStreamCallFSM[Req rpc.Message, Resp rpc.Message](e *Engine, sessionID, method string, req Req, cb StreamCallback[Resp]) *streamCallFSM[Req, Resp] {
	return &streamCallFSM[Req, Resp]{e: e, sessionID: sessionID, method: method, req: req, cb: cb}
}

// Run starts (or restarts, after reconnection) the call. It must be
// invoked from the engine's strand.
func (f *streamCallFSM[Req, Resp]) Run() {
	f.state = csConnecting
	f.client = inmem.NewStreamClient[Req, Resp](f.e.endpoint)
	f.cctx = newClientContext(time.Now().Add(f.e.opts.streamDeadline))
	t := f.e.q.Register(f, clientStreamFlagStart)
	f.client.StartCall(f.cctx, f.method, f.req, f.e.q, t)
}

func (f *streamCallFSM[Req, Resp]) OnEvent(ok bool, flags tag.Flags) bool {
	_ = f.e.strand.SubmitInternal(func() { f.handle(ok, flags) })
	return false
}

func (f *streamCallFSM[Req, Resp]) handle(ok bool, flags tag.Flags) {
	switch f.state {
	case csConnecting:
		if flags != clientStreamFlagStart {
			panic("grpcfy: illegal completion for client stream FSM in Connecting")
		}
		if !ok {
			f.onBroken(status.New(codes.Unavailable, "grpcfy: failed to establish stream"))
			return
		}
		f.state = csReading
		t := f.e.q.Register(f, clientStreamFlagRead)
		f.client.Read(f.e.q, t)

	case csReading:
		if flags != clientStreamFlagRead {
			panic("grpcfy: illegal completion for client stream FSM in Reading")
		}
		if ok {
			f.cb(StreamEvent[Resp]{Msg: f.client.Recv()})
			t := f.e.q.Register(f, clientStreamFlagRead)
			f.client.Read(f.e.q, t)
			return
		}
		f.state = csFinishing
		t := f.e.q.Register(f, clientStreamFlagFinish)
		f.client.Finish(f.e.q, t)

	case csFinishing:
		if flags != clientStreamFlagFinish {
			panic("grpcfy: illegal completion for client stream FSM in Finishing")
		}
		f.onBroken(f.client.Status())

	default:
		panic("grpcfy: client stream FSM in an unknown state")
	}
}

// onBroken decides, per ReconnectPolicy, whether this attempt's end (a
// graceful close, a failure, or a failed connection attempt) ends the
// session or is followed by a cloned relaunch. A graceful OK close and an
// explicit cancellation are always terminal, regardless of policy — only
// an actual break is eligible for reconnection.
func (f *streamCallFSM[Req, Resp]) onBroken(st *status.Status) {
	if st.Code() == codes.OK || st.Code() == codes.Canceled || f.e.isShuttingDown() || f.e.opts.reconnectPolicy == Shutdown {
		f.cb(StreamEvent[Resp]{Status: st})
		f.e.forgetSession(f.sessionID)
		return
	}
	scheduleReconnect(f)
}

// scheduleReconnect arms a timer that, after the engine's reconnect
// interval, clones f with a fresh RPC context and restarts it under the
// same session id.
func scheduleReconnect[Req rpc.Message, Resp rpc.Message](f *streamCallFSM[Req, Resp]) {
	e := f.e
	e.mu.Lock()
	entry, live := e.sessions[f.sessionID]
	e.mu.Unlock()
	if !live {
		return
	}

	timer := time.AfterFunc(e.opts.reconnectInterval, func() {
		e.mu.Lock()
		cur, stillLive := e.sessions[f.sessionID]
		e.mu.Unlock()
		if !stillLive || cur != entry {
			return
		}
		err := e.strand.Submit(func() {
			var cloner rpc.ProtoCloner[Req]
			clone := newStreamCallFSM[Req, Resp](e, f.sessionID, f.method, cloner.Clone(f.req), f.cb)
			clone.Run()
			e.mu.Lock()
			if cur2, ok := e.sessions[f.sessionID]; ok && cur2 == entry {
				entry.cancel = func() { clone.client.Cancel() }
			}
			e.mu.Unlock()
		})
		if err != nil {
			// The engine shut down in the window between the liveness
			// check above and this submit: the strand that would have run
			// the clone (and eventually delivered its terminal status) is
			// gone, so nothing else will ever call cb for this session.
			f.cb(StreamEvent[Resp]{Status: status.New(codes.Canceled, "grpcfy: engine shut down before reconnect")})
			e.forgetSession(f.sessionID)
		}
	})

	e.mu.Lock()
	entry.timer = timer
	e.mu.Unlock()
}
