package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

func TestDispatcher_SameContextIsOrderedAndShared(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.backend.delay = 2 * time.Millisecond

	d := NewDispatcher(DispatcherConfig{MaxConcurrency: 4, QueueSize: 64}, h.router.Handle, nil)

	const n = 20
	for i := 0; i < n; i++ {
		msg := groupMsg(fmt.Sprintf("@relay_bot msg-%02d", i))
		require.NoError(t, d.Dispatch(context.Background(), msg))
	}
	d.Close()
	d.Wait()

	assert.Equal(t, 1, h.backend.startCount(), "one session for the context")
	assert.Equal(t, 1, h.store.Count())

	s := h.store.Get(session.Key{Channel: "telegram", ChatID: "-500"})
	require.NotNil(t, s)
	history := s.History()
	require.Len(t, history, 2*n)
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("msg-%02d", i)
		assert.Equal(t, want, history[2*i].Content)
		assert.Equal(t, "echo: "+want, history[2*i+1].Content)
	}
}

func TestDispatcher_ContextsRunConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	handle := func(ctx context.Context, msg *channels.IncomingMessage) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}

	d := NewDispatcher(DispatcherConfig{MaxConcurrency: 2}, handle, nil)
	for i := 0; i < 4; i++ {
		msg := directMsg("x")
		msg.ChatID = fmt.Sprint(i)
		require.NoError(t, d.Dispatch(context.Background(), msg))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load(), "bounded by MaxConcurrency")

	close(release)
	d.Close()
	d.Wait()
	assert.Zero(t, d.Active())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	t.Parallel()

	var handled []string
	var mu sync.Mutex
	handle := func(ctx context.Context, msg *channels.IncomingMessage) {
		if msg.Content == "boom" {
			panic("kaboom")
		}
		mu.Lock()
		handled = append(handled, msg.Content)
		mu.Unlock()
	}

	var panics atomic.Int32
	d := NewDispatcher(DispatcherConfig{}, handle, nil)
	d.OnPanic(func(ctx context.Context, msg *channels.IncomingMessage, recovered any) {
		assert.Equal(t, "kaboom", recovered)
		panics.Add(1)
	})

	require.NoError(t, d.Dispatch(context.Background(), directMsg("boom")))
	require.NoError(t, d.Dispatch(context.Background(), directMsg("after")))
	other := groupMsg("other")
	require.NoError(t, d.Dispatch(context.Background(), other))
	d.Close()
	d.Wait()

	assert.Equal(t, int32(1), panics.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"after", "other"}, handled)
}

func TestDispatcher_QueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	handle := func(ctx context.Context, msg *channels.IncomingMessage) { <-release }
	d := NewDispatcher(DispatcherConfig{QueueSize: 2}, handle, nil)

	require.NoError(t, d.Dispatch(context.Background(), directMsg("1")))
	// Wait for the worker to take the first message off the queue.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Dispatch(context.Background(), directMsg("2")))
	require.NoError(t, d.Dispatch(context.Background(), directMsg("3")))
	assert.ErrorIs(t, d.Dispatch(context.Background(), directMsg("4")), ErrQueueFull)

	close(release)
	d.Close()
	d.Wait()
}

func TestDispatcher_Closed(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(DispatcherConfig{}, func(context.Context, *channels.IncomingMessage) {}, nil)
	d.Close()
	assert.ErrorIs(t, d.Dispatch(context.Background(), directMsg("x")), ErrDispatcherClosed)
}

func TestDispatcher_IdleWorkerExits(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(DispatcherConfig{IdleTimeout: 20 * time.Millisecond}, func(context.Context, *channels.IncomingMessage) {}, nil)

	require.NoError(t, d.Dispatch(context.Background(), directMsg("x")))
	assert.Equal(t, 1, d.Active())
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, 5*time.Millisecond)

	// A new message after the exit starts a fresh worker.
	require.NoError(t, d.Dispatch(context.Background(), directMsg("y")))
	d.Close()
	d.Wait()
}

func TestDispatcher_RunDrainsUntilInputCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	d := NewDispatcher(DefaultDispatcherConfig(), h.router.Handle, nil)

	in := make(chan *channels.IncomingMessage, 3)
	in <- directMsg("a")
	in <- directMsg("b")
	in <- groupMsg("@relay_bot c")
	close(in)

	require.NoError(t, d.Run(context.Background(), in))
	assert.Equal(t, 3, h.backend.callCount())
	assert.Len(t, h.sender.messages(), 3)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(DefaultDispatcherConfig(), func(context.Context, *channels.IncomingMessage) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *channels.IncomingMessage)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
