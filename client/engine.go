package client

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grpcfy/grpcfy/internal/grpclog"
	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/rpc"
	"github.com/grpcfy/grpcfy/rpc/inmem"
)

type engineState uint8

const (
	standby engineState = iota
	running
)

// streamEntry is the engine's bookkeeping for one live session: the
// request type that occupies it (for the one-type-per-session-slot
// uniqueness rule), the means to cancel whatever attempt is currently in
// flight, and a pending reconnect timer, if any.
type streamEntry struct {
	reqType reflect.Type
	cancel  func()
	timer   *time.Timer
}

// Engine is component G: the client engine. mu guards the session
// directory (state plus the sessions map and its entries) so duplicate
// registrations can be rejected synchronously, in the caller's own
// goroutine, without waiting on the strand. The strand itself serializes
// only the mutation of per-attempt FSM state (singularCallFSM,
// streamCallFSM) — fields that are never touched outside it.
type Engine struct {
	opts *Options
	log  *grpclog.Logger

	mu       sync.Mutex
	state    engineState
	sessions map[string]*streamEntry

	strand   *strand
	q        *queue.CompletionQueue
	endpoint *inmem.Endpoint
	wg       sync.WaitGroup
}

// NewEngine constructs an Engine from opts. It returns a configuration
// error if opts is invalid.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:     cfg,
		log:      grpclog.New(nil),
		strand:   newStrand(),
		sessions: make(map[string]*streamEntry),
	}, nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == running
}

func (e *Engine) isShuttingDown() bool {
	return !e.isRunning()
}

// Run dials the configured remote address and starts the engine's strand
// and completion-queue dispatcher. It is idempotent: calling Run on an
// already-running engine is a no-op.
func (e *Engine) Run() error {
	e.mu.Lock()
	if e.state == running {
		e.mu.Unlock()
		return nil
	}
	e.state = running
	e.mu.Unlock()

	ep, err := e.opts.registry.Dial(e.opts.remoteAddress)
	if err != nil {
		e.mu.Lock()
		e.state = standby
		e.mu.Unlock()
		return err
	}
	e.endpoint = ep
	e.q = queue.NewCompletionQueue()

	go e.strand.run()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		queue.Run(e.q)
	}()

	e.log.Info().Str("remote", e.opts.remoteAddress).Log("client engine running")
	return nil
}

// Shutdown cancels every live stream's RPC context and pending reconnect
// timer, then stops the completion queue and strand and waits for both to
// exit. It is idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.state != running {
		e.mu.Unlock()
		return
	}
	e.state = standby
	sessions := e.sessions
	e.sessions = make(map[string]*streamEntry)
	e.mu.Unlock()

	for _, entry := range sessions {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.cancel != nil {
			entry.cancel()
		}
	}

	e.q.Shutdown()
	e.strand.stop()
	e.wg.Wait()
}

func (e *Engine) forgetSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// ExecuteSingular submits a singular call to the engine's strand. If the
// engine is not running the request is silently dropped, matching the
// "engine not running" no-op entry in the error taxonomy.
func ExecuteSingular[Req rpc.Message, Resp rpc.Message](e *Engine, method string, req Req, cb SingularCallback[Resp]) {
	_ = e.strand.Submit(func() {
		if e.isShuttingDown() {
			return
		}
		fsm := newSingularCallFSM[Req, Resp](e, method, req, cb)
		fsm.Run()
	})
}

// LaunchServerStream starts a server-streamed call under sessionID,
// delivering every notification and the eventual terminal status to cb.
// Session-id and request-type uniqueness are checked synchronously, in the
// caller's own goroutine, before anything is scheduled: a duplicate
// sessionID, or a second live stream of the same request type, is a
// programming error and panics immediately rather than being silently
// dropped or queued. The call is a no-op if the engine is not running.
func LaunchServerStream[Req rpc.Message, Resp rpc.Message](e *Engine, sessionID, method string, req Req, cb StreamCallback[Resp]) {
	reqType := reflect.TypeOf(req)

	e.mu.Lock()
	if e.state != running {
		e.mu.Unlock()
		return
	}
	if _, exists := e.sessions[sessionID]; exists {
		e.mu.Unlock()
		panic(fmt.Sprintf("grpcfy: session %q already has a live stream", sessionID))
	}
	for sid, entry := range e.sessions {
		if entry.reqType == reqType {
			e.mu.Unlock()
			panic(fmt.Sprintf("grpcfy: request type %v already has a live stream (session %q)", reqType, sid))
		}
	}
	entry := &streamEntry{reqType: reqType}
	e.sessions[sessionID] = entry
	e.mu.Unlock()

	err := e.strand.Submit(func() {
		fsm := newStreamCallFSM[Req, Resp](e, sessionID, method, req, cb)
		fsm.Run()
		e.mu.Lock()
		if cur, ok := e.sessions[sessionID]; ok && cur == entry {
			entry.cancel = func() { fsm.client.Cancel() }
		}
		e.mu.Unlock()
	})
	if err != nil {
		// The strand stopped between the liveness check above and this
		// submit: the session entry was already reserved, so it must be
		// released and cb given its terminal status here, or it would
		// otherwise leak forever and never be called.
		e.forgetSession(sessionID)
		cb(StreamEvent[Resp]{Status: status.New(codes.Canceled, "grpcfy: engine shut down before stream started")})
	}
}

// ShutdownServerStream cancels sessionID's live stream, if any, and
// forgets it. A session that does not exist (already finished, already
// shut down) is a silent no-op.
func ShutdownServerStream(e *Engine, sessionID string) {
	e.mu.Lock()
	entry, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.cancel != nil {
		entry.cancel()
	}
}
