// Package server implements the service engine and per-call server-side
// finite state machines: the singular-call FSM (one request, one response)
// and the server-stream FSM (one request, many notifications, one terminal
// status), both dispatched off completion queues owned by [Engine].
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"google.golang.org/grpc"

	"github.com/grpcfy/grpcfy/internal/grpclog"
	"github.com/grpcfy/grpcfy/internal/grpcutil"
	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
)

// binding is the type-erased registration for one full method name,
// produced by RegisterSingular/RegisterServerStream. It lets Engine keep a
// single map of heterogeneous generic bindings.
type binding interface {
	fullMethod() string
	spawn(e *Engine, ep *inmem.Endpoint, q *queue.CompletionQueue) queue.CallContext
}

// Engine owns one gRPC service's registrations and N completion queues; it
// is component H, the service engine. It also implements
// grpc.ServiceRegistrar so it composes with generated service registration
// helpers the way a real *grpc.Server would, even though its registered
// methods are dispatched through RegisterSingular/RegisterServerStream
// rather than through the descriptor's handler funcs.
type Engine struct {
	opts *Options
	log  *grpclog.Logger

	mu       sync.Mutex
	bindings map[string]binding
	services map[string]*grpc.ServiceDesc
	running  bool
	queues   []*queue.CompletionQueue
	endpoints []*inmem.Endpoint
	wg       sync.WaitGroup
}

// NewEngine constructs an Engine from opts. It returns a configuration
// error if opts is invalid; it never panics for bad configuration, per the
// error-handling taxonomy's distinction between configuration errors
// (reported) and programming errors (asserted).
func NewEngine(opts ...Option) (*Engine, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:     cfg,
		log:      grpclog.New(slog.Default().Handler()),
		bindings: make(map[string]binding),
		services: make(map[string]*grpc.ServiceDesc),
	}, nil
}

// Registry returns the in-memory transport registry the engine's endpoints
// are bound against, so a client.Engine in the same process can Dial them.
func (e *Engine) Registry() *inmem.Registry { return e.opts.registry }

func fullMethodName(serviceName, methodName string) string {
	return "/" + serviceName + "/" + methodName
}

// RegisterService implements grpc.ServiceRegistrar. It records the
// descriptor for ServiceInfo purposes and validates impl against the
// descriptor's handler type; it does not itself wire up dispatch — that
// happens per method via RegisterSingular/RegisterServerStream.
func (e *Engine) RegisterService(desc *grpc.ServiceDesc, impl any) {
	if desc.HandlerType != nil {
		ht := reflect.TypeOf(desc.HandlerType).Elem()
		st := reflect.TypeOf(impl)
		if !st.Implements(ht) {
			panic(fmt.Sprintf("grpcfy: handler of type %v does not satisfy %v", st, ht))
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.services[desc.ServiceName]; exists {
		panic(fmt.Sprintf("grpcfy: service %q already registered", desc.ServiceName))
	}
	e.services[desc.ServiceName] = desc
}

// RegisterSingular registers a singular-call handler for methodName on
// desc's service. methodName must name a method declared in desc.Methods —
// a mismatch is a programming error (panic), matching the taxonomy's
// "descriptor/type mismatch" entry. Registering the same method twice
// returns a configuration-style error instead, per the spec's duplicate
// registration handling.
func RegisterSingular[Req rpc.Message, Resp rpc.Message](e *Engine, desc *grpc.ServiceDesc, methodName string, handler SingularHandler[Req, Resp]) error {
	if desc == nil {
		panic("grpcfy: service descriptor must not be nil")
	}
	if handler == nil {
		panic("grpcfy: singular handler must not be nil")
	}
	if grpcutil.FindUnaryMethod(methodName, desc.Methods) == nil {
		panic(fmt.Sprintf("grpcfy: method %q is not a declared unary method of service %q", methodName, desc.ServiceName))
	}
	full := fullMethodName(desc.ServiceName, methodName)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("grpcfy: cannot register methods after Run")
	}
	if _, exists := e.bindings[full]; exists {
		return fmt.Errorf("grpcfy: method %q already registered", full)
	}
	e.bindings[full] = &singularBinding[Req, Resp]{method: full, handler: handler}
	return nil
}

// RegisterServerStream registers a server-stream handler for methodName on
// desc's service. See RegisterSingular for the registration rules, which
// are identical.
func RegisterServerStream[Req rpc.Message, Resp rpc.Message](e *Engine, desc *grpc.ServiceDesc, methodName string, handler ServerStreamHandler[Req, Resp]) error {
	if desc == nil {
		panic("grpcfy: service descriptor must not be nil")
	}
	if handler == nil {
		panic("grpcfy: server-stream handler must not be nil")
	}
	if grpcutil.FindStreamingMethod(methodName, desc.Streams) == nil {
		panic(fmt.Sprintf("grpcfy: method %q is not a declared streaming method of service %q", methodName, desc.ServiceName))
	}
	full := fullMethodName(desc.ServiceName, methodName)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("grpcfy: cannot register methods after Run")
	}
	if _, exists := e.bindings[full]; exists {
		return fmt.Errorf("grpcfy: method %q already registered", full)
	}
	e.bindings[full] = &streamBinding[Req, Resp]{method: full, handler: handler}
	return nil
}

// Run binds every configured endpoint, spawns handlersPerThread accepting
// FSMs per (queue, thread, registered method) on each endpoint, and starts
// threadsPerQueue dispatcher goroutines per queue. It returns an error if
// any configured address is already bound to a listener.
func (e *Engine) Run() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("grpcfy: engine is already running")
	}
	e.running = true
	bindings := make([]binding, 0, len(e.bindings))
	for _, b := range e.bindings {
		bindings = append(bindings, b)
	}
	e.mu.Unlock()

	for addr := range e.opts.endpoints {
		ep, err := e.opts.registry.Listen(addr)
		if err != nil {
			return err
		}
		e.endpoints = append(e.endpoints, ep)
	}

	for range e.opts.queueCount {
		q := queue.NewCompletionQueue()
		e.queues = append(e.queues, q)

		// Per queue, per dispatcher thread, per registered method: spawn
		// handlersPerThread accepting FSMs, matching the spec's stated
		// shape for how many concurrent "awaiting request" slots exist.
		for _, ep := range e.endpoints {
			for _, b := range bindings {
				for range e.opts.threadsPerQueue * e.opts.handlersPerThread {
					fsm := b.spawn(e, ep, q)
					fsm.Run()
				}
			}
		}

		e.wg.Add(e.opts.threadsPerQueue)
		for range e.opts.threadsPerQueue {
			go func(q *queue.CompletionQueue) {
				defer e.wg.Done()
				queue.Run(q)
			}(q)
		}
	}

	e.log.Info().Str("service", e.opts.serviceName).Int("methods", len(bindings)).Log("server engine running")
	return nil
}

// Shutdown stops every completion queue and endpoint and waits for all
// dispatcher goroutines to exit. It is idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	for _, q := range e.queues {
		q.Shutdown()
	}
	for _, ep := range e.endpoints {
		ep.Close()
	}
	e.wg.Wait()
}
