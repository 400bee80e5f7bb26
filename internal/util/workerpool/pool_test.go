package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "test", MaxWorkers: 3, QueueSize: 2, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var (
		mu      sync.Mutex
		results = make(map[string]error)
		wg      sync.WaitGroup
	)
	boom := errors.New("boom")

	for i, fail := range []bool{false, true, false, false, true} {
		id := string(rune('a' + i))
		fail := fail
		wg.Add(1)
		err := pool.Submit(context.Background(), Task{
			ID: id,
			Fn: func(ctx context.Context) error {
				if fail {
					return boom
				}
				return nil
			},
			Done: func(err error) {
				mu.Lock()
				results[id] = err
				mu.Unlock()
				wg.Done()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Len(t, results, 5)
	assert.ErrorIs(t, results["b"], boom)
	assert.NoError(t, results["a"])

	stats := pool.Stats()
	assert.Equal(t, uint64(5), stats.TotalTasks)
	assert.Equal(t, uint64(3), stats.CompletedTasks)
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "panic", MaxWorkers: 1})
	defer pool.Stop(time.Second)

	done := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID:   "panics",
		Fn:   func(ctx context.Context) error { panic("bad entry") },
		Done: func(err error) { done <- err },
	}))

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad entry")
}

func TestWorkerPool_CancelledContext(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "cancel", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Submit(ctx, Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	// The queue had room: the task is accepted but never runs its body.
	assert.Eventually(t, func() bool { return pool.Stats().FailedTasks == 1 }, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_RejectsAfterStop(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second), "stop is idempotent")

	err := pool.Submit(context.Background(), Task{ID: "x", Fn: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}

func TestWorkerPool_StopFailsQueuedTasks(t *testing.T) {
	pool := NewWorkerPool(Config{Name: "drain", MaxWorkers: 1, QueueSize: 4})

	started := make(chan struct{})
	release := make(chan struct{})
	results := make(chan error, 4)
	done := func(err error) { results <- err }

	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "running",
		Fn: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		Done: done,
	}))
	<-started
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(context.Background(), Task{
			ID:   id,
			Fn:   func(ctx context.Context) error { return nil },
			Done: done,
		}))
	}

	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	require.NoError(t, pool.Stop(time.Second))

	stopped := 0
	for i := 0; i < 4; i++ {
		if err := <-results; errors.Is(err, ErrPoolStopped) {
			stopped++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 3, stopped)
	assert.Equal(t, uint64(3), pool.Stats().FailedTasks)
	assert.Equal(t, 0, pool.Stats().QueuedTasks)
}
