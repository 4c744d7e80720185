package inmem

import (
	"net"

	"google.golang.org/grpc/peer"

	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/tag"
)

// serverContext adapts a call's shared context/cancel pair to rpc.ServerContext.
type serverContext struct {
	cancelFn func()
	done     <-chan struct{}
	peerAddr net.Addr
}

func (s *serverContext) Peer() *peer.Peer {
	return &peer.Peer{Addr: s.peerAddr}
}

func (s *serverContext) IsCancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *serverContext) AsyncNotifyWhenDone(q *queue.CompletionQueue, t tag.Tag) {
	go func() {
		<-s.done
		q.Push(t, true)
	}()
}

func (s *serverContext) TryCancel() {
	s.cancelFn()
}
