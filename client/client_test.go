package client_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpcfy/grpcfy/client"
	"github.com/grpcfy/grpcfy/rpc/inmem"
	"github.com/grpcfy/grpcfy/server"
)

var echoSvc = &grpc.ServiceDesc{
	ServiceName: "echo.Echo",
	Methods: []grpc.MethodDesc{
		{MethodName: "Get"},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", ServerStreams: true},
	},
}

// newEchoServer builds a server.Engine bound to addr on reg. If getHandler
// is non-nil it is registered for the unary Get method.
func newEchoServer(t *testing.T, reg *inmem.Registry, addr string, getHandler server.SingularHandler[*wrapperspb.StringValue, *wrapperspb.StringValue]) *server.Engine {
	t.Helper()
	e, err := server.NewEngine(
		server.WithServiceName("echo.Echo"),
		server.WithEndpoint(addr, insecure.NewCredentials()),
		server.WithRegistry(reg),
	)
	require.NoError(t, err)
	if getHandler != nil {
		require.NoError(t, server.RegisterSingular(e, echoSvc, "Get", getHandler))
	}
	return e
}

func TestExecuteSingularRoundTrip(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "singular-rt", func(handle *server.SingularCallHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {
		handle.Respond(wrapperspb.String("echo:" + req.GetValue()))
	})
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("singular-rt"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	done := make(chan struct{})
	var resp *wrapperspb.StringValue
	var st *status.Status
	client.ExecuteSingular[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "/echo.Echo/Get", wrapperspb.String("hi"), func(r *wrapperspb.StringValue, s *status.Status) {
		resp, st = r, s
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("singular call did not complete")
	}
	require.Equal(t, codes.OK, st.Code())
	require.Equal(t, "echo:hi", resp.GetValue())
}

func TestRunUnreachableServerFails(t *testing.T) {
	reg := inmem.NewRegistry()
	c, err := client.NewEngine(
		client.WithRemoteAddress("does-not-exist"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
		client.WithSingularDeadline(20*time.Millisecond),
	)
	require.NoError(t, err)
	require.Error(t, c.Run())
}

func TestExecuteSingularDeadlineExceeded(t *testing.T) {
	reg := inmem.NewRegistry()
	// A server that never accepts: the engine binds the endpoint but no
	// handler is registered for Get, so the client's call can never be
	// matched and must time out against its own deadline.
	srv := newEchoServer(t, reg, "singular-timeout", nil)
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("singular-timeout"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
		client.WithSingularDeadline(20*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	done := make(chan struct{})
	var st *status.Status
	client.ExecuteSingular[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "/echo.Echo/Get", wrapperspb.String("hi"), func(r *wrapperspb.StringValue, s *status.Status) {
		st = s
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("singular call did not time out")
	}
	require.Equal(t, codes.DeadlineExceeded, st.Code())
}

func TestLaunchServerStreamRoundTrip(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "stream-rt", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {
		handle.Push(wrapperspb.String("one"))
		handle.Push(wrapperspb.String("two"))
		handle.Close(status.New(codes.OK, ""))
	}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-rt"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	var mu sync.Mutex
	var received []string
	var finalStatus *status.Status
	done := make(chan struct{})
	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "session-1", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Status != nil {
			finalStatus = ev.Status
			close(done)
			return
		}
		received = append(received, ev.Msg.GetValue())
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"one", "two"}, received)
	require.Equal(t, codes.OK, finalStatus.Code())
}

func TestLaunchServerStreamReconnectsOnBreak(t *testing.T) {
	reg := inmem.NewRegistry()
	var attempts int32
	srv := newEchoServer(t, reg, "stream-reconnect", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {
		n := atomic.AddInt32(&attempts, 1)
		handle.Push(wrapperspb.String("attempt"))
		handle.Close(status.New(codes.Unavailable, "simulated break"))
		_ = n
	}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-reconnect"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
		client.WithReconnectInterval(100*time.Millisecond),
		client.WithReconnectPolicy(client.Relaunch),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "session-2", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, 3*time.Second, 20*time.Millisecond)

	client.ShutdownServerStream(c, "session-2")
}

// Regression test: a reconnect timer firing concurrently with Engine.Shutdown
// must still deliver exactly one terminal status to cb, even when the race
// is lost (Submit observes the strand already stopped).
func TestLaunchServerStreamShutdownRacesReconnect(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "stream-reconnect-shutdown-race", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {
		handle.Push(wrapperspb.String("attempt"))
		handle.Close(status.New(codes.Unavailable, "simulated break"))
	}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-reconnect-shutdown-race"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
		client.WithReconnectInterval(100*time.Millisecond),
		client.WithReconnectPolicy(client.Relaunch),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	var terminal int32
	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "session-race", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {
		if ev.Status != nil {
			atomic.AddInt32(&terminal, 1)
		}
	})

	// Give the first break-and-reconnect cycle a moment to start, then shut
	// down right as a reconnect timer is likely in flight.
	time.Sleep(5 * time.Millisecond)
	c.Shutdown()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&terminal) >= 1
	}, 2*time.Second, 10*time.Millisecond, "cb must eventually receive a terminal status even when a reconnect loses the race against Shutdown")

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&terminal), "cb must not be invoked more than once with a terminal status")
}

func TestLaunchServerStreamShutdownPolicyDoesNotReconnect(t *testing.T) {
	reg := inmem.NewRegistry()
	var attempts int32
	srv := newEchoServer(t, reg, "stream-noreconnect", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {
		atomic.AddInt32(&attempts, 1)
		handle.Close(status.New(codes.Unavailable, "simulated break"))
	}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-noreconnect"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
		client.WithReconnectInterval(100*time.Millisecond),
		client.WithReconnectPolicy(client.Shutdown),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	done := make(chan struct{})
	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "session-3", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {
		if ev.Status != nil {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not deliver terminal status")
	}
	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestLaunchServerStreamDuplicateSessionPanics(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "stream-dup-session", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-dup-session"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "dup", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {})
	require.Panics(t, func() {
		client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "dup", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {})
	})
}

func TestLaunchServerStreamDuplicateRequestTypePanics(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "stream-dup-type", nil)
	require.NoError(t, server.RegisterServerStream(srv, echoSvc, "Subscribe", func(handle *server.ServerStreamHandle[*wrapperspb.StringValue], req *wrapperspb.StringValue) {}))
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("stream-dup-type"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	defer c.Shutdown()

	client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "first", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {})
	require.Panics(t, func() {
		client.LaunchServerStream[*wrapperspb.StringValue, *wrapperspb.StringValue](c, "second", "/echo.Echo/Subscribe", wrapperspb.String("sub"), func(ev client.StreamEvent[*wrapperspb.StringValue]) {})
	})
}

func TestShutdownServerStreamUnknownSessionIsNoop(t *testing.T) {
	reg := inmem.NewRegistry()
	c, err := client.NewEngine(
		client.WithRemoteAddress("unused"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NotPanics(t, func() { client.ShutdownServerStream(c, "nope") })
}

func TestEngineShutdownIsIdempotent(t *testing.T) {
	reg := inmem.NewRegistry()
	srv := newEchoServer(t, reg, "client-shutdown", nil)
	require.NoError(t, srv.Run())
	defer srv.Shutdown()

	c, err := client.NewEngine(
		client.WithRemoteAddress("client-shutdown"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, c.Run())
	require.NotPanics(t, func() {
		c.Shutdown()
		c.Shutdown()
	})
}

func TestEngineShutdownBeforeRunIsNoop(t *testing.T) {
	reg := inmem.NewRegistry()
	c, err := client.NewEngine(
		client.WithRemoteAddress("unused"),
		client.WithCredentials(insecure.NewCredentials()),
		client.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NotPanics(t, func() { c.Shutdown() })
}
