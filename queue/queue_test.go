package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grpcfy/grpcfy/queue"
	"github.com/grpcfy/grpcfy/tag"
)

// fakeContext is a minimal CallContext used to exercise the queue in
// isolation, without any real FSM.
type fakeContext struct {
	queue.Header
	events chan struct {
		ok    bool
		flags tag.Flags
	}
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		events: make(chan struct {
			ok    bool
			flags tag.Flags
		}, 8),
	}
}

func (f *fakeContext) Run() {}

func (f *fakeContext) OnEvent(ok bool, flags tag.Flags) bool {
	f.events <- struct {
		ok    bool
		flags tag.Flags
	}{ok, flags}
	return true
}

func TestRegisterPushNextRoundTrip(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 2)

	require.True(t, q.Push(tg, true))

	gotCtx, ok, flags, open := q.Next()
	require.True(t, open)
	require.True(t, ok)
	require.Equal(t, tag.Flags(2), flags)
	require.Same(t, ctx, gotCtx)
}

func TestNextDeliversExactlyOnce(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 0)
	require.True(t, q.Push(tg, true))

	gotCtx, _, _, open := q.Next()
	require.True(t, open)
	require.NotNil(t, gotCtx)

	// Pushing the same tag again without re-registering resolves to nobody:
	// the registry entry was consumed by the first Next.
	require.True(t, q.Push(tg, false))
	gotCtx2, _, _, open2 := q.Next()
	require.True(t, open2)
	require.Nil(t, gotCtx2)
}

func TestShutdownUnblocksNext(t *testing.T) {
	q := queue.NewCompletionQueue()
	done := make(chan struct{})
	go func() {
		_, _, _, open := q.Next()
		require.False(t, open)
		close(done)
	}()

	q.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	q := queue.NewCompletionQueue()
	require.NotPanics(t, func() {
		q.Shutdown()
		q.Shutdown()
	})
}

func TestRegisterAfterShutdownPanics(t *testing.T) {
	q := queue.NewCompletionQueue()
	q.Shutdown()
	ctx := newFakeContext()
	require.Panics(t, func() {
		q.Register(ctx, 0)
	})
}

func TestPushAfterShutdownReturnsFalse(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 0)
	q.Shutdown()
	require.False(t, q.Push(tg, true))
}

func TestRunDeliversToOnEvent(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 1)

	done := make(chan struct{})
	go func() {
		queue.Run(q)
		close(done)
	}()

	require.True(t, q.Push(tg, true))

	select {
	case ev := <-ctx.events:
		require.True(t, ev.ok)
		require.Equal(t, tag.Flags(1), ev.flags)
	case <-time.After(time.Second):
		t.Fatal("OnEvent was not called")
	}

	q.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestAlarmFiresImmediate(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 3)

	var a queue.Alarm
	a.Set(q, tg, 0)

	gotCtx, ok, flags, open := q.Next()
	require.True(t, open)
	require.True(t, ok)
	require.Equal(t, tag.Flags(3), flags)
	require.Same(t, ctx, gotCtx)
}

func TestAlarmCancelSuppressesFiring(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tg := q.Register(ctx, 0)

	var a queue.Alarm
	a.Set(q, tg, 50*time.Millisecond)
	a.Cancel()

	select {
	case ev := <-ctx.events:
		t.Fatalf("alarm fired after cancel: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMultipleOutstandingTagsPerContext(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctx := newFakeContext()
	tgA := q.Register(ctx, 1)
	tgB := q.Register(ctx, 2)

	require.True(t, q.Push(tgA, true))
	gotCtx, _, flags, open := q.Next()
	require.True(t, open)
	require.Same(t, ctx, gotCtx)
	require.Equal(t, tag.Flags(1), flags)

	// tgB is still outstanding for the same context address; it must
	// resolve to the context too, not to a stale/forgotten entry.
	require.True(t, q.Push(tgB, true))
	gotCtx2, _, flags2, open2 := q.Next()
	require.True(t, open2)
	require.Same(t, ctx, gotCtx2)
	require.Equal(t, tag.Flags(2), flags2)
}

func TestAlarmSetReplacesPendingFiring(t *testing.T) {
	q := queue.NewCompletionQueue()
	ctxA := newFakeContext()
	tgA := q.Register(ctxA, 0)
	ctxB := newFakeContext()
	tgB := q.Register(ctxB, 1)

	var a queue.Alarm
	a.Set(q, tgA, 100*time.Millisecond)
	a.Set(q, tgB, 0)

	gotCtx, _, flags, open := q.Next()
	require.True(t, open)
	require.Same(t, ctxB, gotCtx)
	require.Equal(t, tag.Flags(1), flags)
}
