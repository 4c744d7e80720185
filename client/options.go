package client

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
)

// ReconnectPolicy decides what happens when a server-streamed call's
// underlying connection breaks.
type ReconnectPolicy uint8

const (
	// Relaunch clones the broken stream's call with a fresh RPC context and
	// schedules it to start again after ReconnectInterval.
	Relaunch ReconnectPolicy = iota
	// Shutdown delivers the terminal status to the caller's callback and
	// forgets the session instead of reconnecting.
	Shutdown
)

// Options configures a [Engine]. Build one via [NewEngine] with a list of
// [Option] values, mirroring the functional-options shape server.Options
// uses.
type Options struct {
	remoteAddress     string
	credentials       credentials.TransportCredentials
	registry          *inmem.Registry
	singularDeadline  time.Duration
	streamDeadline    time.Duration
	reconnectInterval time.Duration
	reconnectPolicy   ReconnectPolicy
	maxRecvMsgSize    int
	maxSendMsgSize    int
}

// Option configures an Engine during construction.
type Option interface {
	applyOption(*Options) error
}

type optionFunc struct {
	fn func(*Options) error
}

func (o *optionFunc) applyOption(opts *Options) error { return o.fn(opts) }

// WithRemoteAddress sets the address this engine dials. Required; must not
// be empty.
func WithRemoteAddress(addr string) Option {
	return &optionFunc{fn: func(o *Options) error {
		if addr == "" {
			return errors.New("grpcfy: remote address must not be empty")
		}
		o.remoteAddress = addr
		return nil
	}}
}

// WithCredentials sets the transport credentials used to dial the remote
// address. Required; must not be nil.
func WithCredentials(creds credentials.TransportCredentials) Option {
	return &optionFunc{fn: func(o *Options) error {
		if creds == nil {
			return errors.New("grpcfy: credentials must not be nil")
		}
		o.credentials = creds
		return nil
	}}
}

// WithRegistry overrides the in-memory transport registry this engine
// dials against. Must match the server's registry for Dial to succeed.
func WithRegistry(r *inmem.Registry) Option {
	return &optionFunc{fn: func(o *Options) error {
		if r == nil {
			return errors.New("grpcfy: registry must not be nil")
		}
		o.registry = r
		return nil
	}}
}

// WithSingularDeadline sets the per-call deadline for singular calls. Must
// be at least 10ms.
func WithSingularDeadline(d time.Duration) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.singularDeadline = d
		return nil
	}}
}

// WithStreamDeadline sets the per-attempt deadline carried by a server
// stream's RPC context. The reference in-memory transport does not enforce
// it against the stream's lifetime directly — reconnection is governed by
// ReconnectInterval instead — but a real transport may use it to bound how
// long a single connection attempt may take.
func WithStreamDeadline(d time.Duration) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.streamDeadline = d
		return nil
	}}
}

// WithReconnectInterval sets how long to wait after a stream breaks before
// relaunching it. Must be at least 100ms.
func WithReconnectInterval(d time.Duration) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.reconnectInterval = d
		return nil
	}}
}

// WithReconnectPolicy sets what happens when a server stream breaks.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.reconnectPolicy = p
		return nil
	}}
}

// WithMaxRecvMsgSize sets the size limit for a single received message.
// Must be positive or rpc.Unlimited. The value is validated by NewEngine
// and stored; the in-memory transport does not check messages against it.
func WithMaxRecvMsgSize(n int) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.maxRecvMsgSize = n
		return nil
	}}
}

// WithMaxSendMsgSize sets the size limit for a single sent message. Must be
// positive or rpc.Unlimited. The value is validated by NewEngine and
// stored; the in-memory transport does not check messages against it.
func WithMaxSendMsgSize(n int) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.maxSendMsgSize = n
		return nil
	}}
}

func msgSizeCheck(name string, n int) error {
	if n != rpc.Unlimited && n <= 0 {
		return fmt.Errorf("grpcfy: %s must be positive or rpc.Unlimited, got %d", name, n)
	}
	return nil
}

func resolveOptions(opts []Option) (*Options, error) {
	cfg := &Options{
		singularDeadline:  5 * time.Second,
		streamDeadline:    5 * time.Second,
		reconnectInterval: time.Second,
		reconnectPolicy:   Relaunch,
		maxRecvMsgSize:    rpc.DefaultMaxMsgSize,
		maxSendMsgSize:    rpc.DefaultMaxMsgSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.remoteAddress == "" {
		return nil, errors.New("grpcfy: remote address must be provided via WithRemoteAddress")
	}
	if cfg.credentials == nil {
		return nil, errors.New("grpcfy: credentials must be provided via WithCredentials")
	}
	if cfg.singularDeadline < 10*time.Millisecond {
		return nil, errors.New("grpcfy: singular deadline must be at least 10ms")
	}
	if cfg.streamDeadline < 10*time.Millisecond {
		return nil, errors.New("grpcfy: stream deadline must be at least 10ms")
	}
	if cfg.reconnectInterval < 100*time.Millisecond {
		return nil, errors.New("grpcfy: reconnect interval must be at least 100ms")
	}
	if err := msgSizeCheck("max recv message size", cfg.maxRecvMsgSize); err != nil {
		return nil, err
	}
	if err := msgSizeCheck("max send message size", cfg.maxSendMsgSize); err != nil {
		return nil, err
	}
	if cfg.registry == nil {
		cfg.registry = inmem.NewRegistry()
	}
	return cfg, nil
}
