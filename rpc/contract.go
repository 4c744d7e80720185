// Package rpc defines the contracts this module assumes of an underlying,
// completion-queue-driven RPC runtime: per-method request acceptors, async
// response/stream writers, async client readers, and the context types that
// carry peer/deadline/cancellation information. Package rpc/inmem is the
// reference realization of these contracts, used by the engines and the
// test suite in place of a real network transport.
//
// Every operation that completes asynchronously takes the completion queue
// and tag to arm, mirroring the C++ completion-queue API this design
// generalizes: Accept/Read/Write/Finish/StartCall all post a pending
// operation and return immediately; the result becomes available only once
// that tag fires.
package rpc

import (
	"time"

	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/tag"
)

// Message is the wire-message contract: every request and response type
// this module moves across a call is a real protobuf message.
type Message = proto.Message

// Cloner produces an independent copy of a request, used by the client
// stream FSM to reconnect with a fresh RPC context while preserving the
// original request payload.
type Cloner[Req Message] interface {
	Clone(req Req) Req
}

// ProtoCloner is the default Cloner, grounded on proto.Clone/proto.Merge.
type ProtoCloner[Req Message] struct{}

// Clone returns a deep copy of req produced via proto.Clone, re-asserted
// back to Req (safe: proto.Clone always returns a value of the same
// concrete type it was given).
func (ProtoCloner[Req]) Clone(req Req) Req {
	return proto.Clone(req).(Req)
}

// ServerContext is the server-side half of a call's RPC context: peer
// identity, remote-cancellation observation, and the ability to force a
// cancellation from the server side (used by engine shutdown to unblock
// outstanding stream FSMs).
type ServerContext interface {
	// Peer reports the identity of the remote party that issued the call.
	Peer() *peer.Peer
	// IsCancelled reports whether the remote party has gone away. FSMs
	// consult it on every completion to detect remote cancellation without
	// a dedicated read.
	IsCancelled() bool
	// AsyncNotifyWhenDone arms t to fire, with ok=true, the moment this
	// call's context is done (cancelled or finished) — the mechanism the
	// server stream FSM uses to learn about cancellation as an ordinary
	// completion-queue event instead of polling IsCancelled.
	AsyncNotifyWhenDone(q *queue.CompletionQueue, t tag.Tag)
	// TryCancel forces this call's context into the cancelled state.
	TryCancel()
}

// ResponseWriter completes a singular server call with either a response
// value or a non-OK status, never both.
type ResponseWriter[Resp Message] interface {
	Finish(q *queue.CompletionQueue, t tag.Tag, resp Resp, st *status.Status)
}

// StreamWriter completes a server-streamed call's outbound half: zero or
// more Write calls followed by exactly one Finish.
type StreamWriter[Resp Message] interface {
	Write(q *queue.CompletionQueue, t tag.Tag, resp Resp)
	Finish(q *queue.CompletionQueue, t tag.Tag, st *status.Status)
}

// UnaryAcceptor is the server-side "request-method acceptor" from the
// external-interfaces contract: armed against a queue and tag, it posts a
// pending-request entry that completes with ok=true when a matching
// request arrives, at which point Result becomes valid.
type UnaryAcceptor[Req Message, Resp Message] interface {
	Accept(q *queue.CompletionQueue, t tag.Tag)
	Result() (ServerContext, Req, ResponseWriter[Resp])
}

// StreamAcceptor is the server-stream analogue of UnaryAcceptor.
type StreamAcceptor[Req Message, Resp Message] interface {
	Accept(q *queue.CompletionQueue, t tag.Tag)
	Result() (ServerContext, Req, StreamWriter[Resp])
}

// ClientContext is the client-side half of a call's RPC context.
type ClientContext interface {
	Deadline() time.Time
	FailFast() bool
	TryCancel()
}

// UnaryClient issues one request and awaits one response or status.
type UnaryClient[Req Message, Resp Message] interface {
	StartCall(cctx ClientContext, method string, req Req, q *queue.CompletionQueue, t tag.Tag)
	Result() (Resp, *status.Status)
}

// StreamClient consumes a server-streamed call from the client side.
type StreamClient[Req Message, Resp Message] interface {
	StartCall(cctx ClientContext, method string, req Req, q *queue.CompletionQueue, t tag.Tag)
	Read(q *queue.CompletionQueue, t tag.Tag)
	// Recv returns the most recently read notification. Valid only after a
	// Read-armed tag fires with ok=true.
	Recv() Resp
	Finish(q *queue.CompletionQueue, t tag.Tag)
	// Status is valid only after the tag armed by Finish fires.
	Status() *status.Status
}
