package client

import (
	"sync"
	"time"
)

// clientContext is this module's concrete rpc.ClientContext: a deadline
// and fail-fast flag fixed at construction, plus a registry of cancel
// funcs that TryCancel runs. Nothing in this module registers a func via
// notifyOnCancel, so TryCancel currently cancels no transport call; stream
// cancellation goes through inmem.StreamClient.Cancel instead.
type clientContext struct {
	deadline time.Time
	failFast bool

	mu      sync.Mutex
	onCancel []func()
	done     bool
}

func newClientContext(deadline time.Time) *clientContext {
	return &clientContext{deadline: deadline, failFast: true}
}

func (c *clientContext) Deadline() time.Time { return c.deadline }
func (c *clientContext) FailFast() bool      { return c.failFast }

// TryCancel invokes every cancel func registered via notifyOnCancel, in
// registration order, exactly once.
func (c *clientContext) TryCancel() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	fns := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// notifyOnCancel registers fn to run the first time TryCancel is called. If
// TryCancel has already run, fn runs immediately.
func (c *clientContext) notifyOnCancel(fn func()) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		fn()
		return
	}
	c.onCancel = append(c.onCancel, fn)
	c.mu.Unlock()
}
