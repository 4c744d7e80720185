package queue

// Run pulls events from q until it is shut down, delivering each to its
// bound CallContext. Run never interprets ok or flags — that is purely the
// concern of the CallContext's OnEvent.
//
// The underlying runtime this design wraps guarantees that at most one
// thread processes a given tag at a time, so running multiple Run loops
// concurrently against the same queue (one per dispatcher thread) needs no
// per-FSM locking for an FSM that keeps one tag outstanding at a time. An
// FSM that keeps several outstanding at once (the server stream FSM's
// cancellation tag beside its alarm or write tag) can receive two of them
// concurrently and takes its own mutex.
func Run(q *CompletionQueue) {
	for {
		ctx, ok, flags, open := q.Next()
		if !open {
			return
		}
		if ctx == nil {
			// Completion for an unregistered tag: nothing to deliver to.
			continue
		}
		// alive is advisory (see CallContext's docs) — this loop's only
		// job is demultiplexing, so the result is intentionally discarded.
		_ = ctx.OnEvent(ok, flags)
	}
}

// RunThreads starts n goroutines each running Run against q, modeling
// "N queues x M threads per queue" from the specification's thread-shape
// discussion. It returns immediately; callers join by waiting on whatever
// signal indicates q has been shut down and drained.
func RunThreads(q *CompletionQueue, n int) {
	for range n {
		go Run(q)
	}
}
