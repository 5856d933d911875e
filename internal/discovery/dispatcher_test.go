package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		require.True(t, d.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, d.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	ran := false
	require.True(t, d.Submit(func() { panic("boom") }))
	require.True(t, d.Submit(func() { ran = true }))
	require.NoError(t, d.Flush(ctx))
	assert.True(t, ran)
}

func TestDispatcher_Stop(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	go d.Run(context.Background())
	require.NoError(t, d.Flush(context.Background()))

	d.Stop()
	d.Stop()

	assert.False(t, d.Submit(func() {}))
	assert.ErrorIs(t, d.Flush(context.Background()), ErrDispatcherStopped)
}

func TestDispatcher_ContextCancellationStops(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(WithQueueSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(exited)
	}()
	require.NoError(t, d.Flush(ctx))

	cancel()
	select {
	case <-exited:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancellation")
	}

	// A full queue must not block submitters once the dispatcher is gone.
	for i := 0; i < 3; i++ {
		d.Submit(func() {})
	}
	assert.False(t, d.Submit(func() {}))
	d.Stop()
}

func TestDispatcher_StopWithoutRun(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	d.Stop()
	assert.False(t, d.Submit(func() {}))

	// Run after Stop returns immediately.
	d.Run(context.Background())
}
