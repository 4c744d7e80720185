package server

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/credentials"

	"github.com/grpcfy/grpcfy/rpc/inmem"
)

// Options configures a [Engine]. Build one via [NewEngine] with a list of
// [Option] values, mirroring the functional-options shape used throughout
// this module.
type Options struct {
	serviceName       string
	endpoints         map[string]credentials.TransportCredentials
	queueCount        int
	threadsPerQueue   int
	handlersPerThread int
	registry          *inmem.Registry
}

// Option configures an Engine during construction.
type Option interface {
	applyOption(*Options) error
}

type optionFunc struct {
	fn func(*Options) error
}

func (o *optionFunc) applyOption(opts *Options) error { return o.fn(opts) }

// WithServiceName sets the gRPC service name this engine serves. Required;
// must not be empty.
func WithServiceName(name string) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.serviceName = name
		return nil
	}}
}

// WithEndpoint adds an address this engine listens on, along with the
// transport credentials associated with it. addr must be non-empty and not
// already configured; creds must not be nil.
func WithEndpoint(addr string, creds credentials.TransportCredentials) Option {
	return &optionFunc{fn: func(o *Options) error {
		if addr == "" {
			return errors.New("grpcfy: endpoint address must not be empty")
		}
		if creds == nil {
			return errors.New("grpcfy: endpoint credentials must not be nil")
		}
		if _, exists := o.endpoints[addr]; exists {
			return fmt.Errorf("grpcfy: endpoint %q already configured", addr)
		}
		o.endpoints[addr] = creds
		return nil
	}}
}

// WithQueueCount sets the number of completion queues the engine spawns.
// Must be in [1, 1024].
func WithQueueCount(n int) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.queueCount = n
		return nil
	}}
}

// WithThreadsPerQueue sets the number of dispatcher goroutines spawned per
// queue. Must be in [1, 1024].
func WithThreadsPerQueue(n int) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.threadsPerQueue = n
		return nil
	}}
}

// WithHandlersPerThread sets how many accepting FSMs are spawned per
// (queue, thread, registered method). Must be in [1, 1024].
func WithHandlersPerThread(n int) Option {
	return &optionFunc{fn: func(o *Options) error {
		o.handlersPerThread = n
		return nil
	}}
}

// WithRegistry overrides the in-memory transport registry the engine binds
// its endpoints against. Tests and examples that need the client and
// server to find each other must share a Registry; if omitted, a private
// one is created and nothing outside this Engine can dial it.
func WithRegistry(r *inmem.Registry) Option {
	return &optionFunc{fn: func(o *Options) error {
		if r == nil {
			return errors.New("grpcfy: registry must not be nil")
		}
		o.registry = r
		return nil
	}}
}

func boundsCheck(name string, n int) error {
	if n < 1 || n > 1024 {
		return fmt.Errorf("grpcfy: %s must be in [1, 1024], got %d", name, n)
	}
	return nil
}

func resolveOptions(opts []Option) (*Options, error) {
	cfg := &Options{
		endpoints:         make(map[string]credentials.TransportCredentials),
		queueCount:        1,
		threadsPerQueue:   1,
		handlersPerThread: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.serviceName == "" {
		return nil, errors.New("grpcfy: service name must be provided via WithServiceName")
	}
	if len(cfg.endpoints) == 0 {
		return nil, errors.New("grpcfy: at least one endpoint must be configured via WithEndpoint")
	}
	if err := boundsCheck("queue count", cfg.queueCount); err != nil {
		return nil, err
	}
	if err := boundsCheck("threads per queue", cfg.threadsPerQueue); err != nil {
		return nil, err
	}
	if err := boundsCheck("handlers per thread", cfg.handlersPerThread); err != nil {
		return nil, err
	}
	if cfg.registry == nil {
		cfg.registry = inmem.NewRegistry()
	}
	return cfg, nil
}
