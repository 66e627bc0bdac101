package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager[int](10, 3)

	var (
		sum  atomic.Int64
		done sync.WaitGroup
	)
	w.SetWorker(func(_ int, job int) {
		sum.Add(int64(job))
		done.Done()
	})

	stopped := make(chan error, 1)
	go func() { stopped <- w.Start() }()

	for i := 1; i <= 10; i++ {
		done.Add(1)
		require.NoError(t, w.Enqueue(context.Background(), i))
	}
	done.Wait()
	assert.Equal(t, int64(55), sum.Load())

	w.Exit()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, ErrWorkersTerminated)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	assert.ErrorIs(t, w.Enqueue(context.Background(), 1), ErrManagerStopped)
	w.Exit()
}

func TestWorkerManager_EnqueueRespectsContext(t *testing.T) {
	w := NewWorkerManager[string](1, 1)
	require.NoError(t, w.Enqueue(context.Background(), "fills the buffer"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Enqueue(ctx, "blocked"), context.DeadlineExceeded)
}

func TestWorkerManager_StartWithoutHandler(t *testing.T) {
	w := NewWorkerManager[int](1, 1)
	assert.Error(t, w.Start())
}
