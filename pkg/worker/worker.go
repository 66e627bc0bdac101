package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/followup-gateway/pkg/logger"
)

var (
	ErrWorkersTerminated = errors.New("workers terminated")
	ErrManagerStopped    = errors.New("worker manager stopped")
)

type WorkerHandler[T any] func(workerIndex int, job T)

// WorkerManager is a job manager based on go routines. Define the number of
// internal workers and start publishing jobs with Enqueue; they are
// distributed among the pool. Workers run until Exit is called. A job that
// is being handled when Exit is called runs to completion, queued jobs are
// dropped.
type WorkerManager[T any] struct {
	jobChannel     chan T
	numberOfWorker int
	quit           chan struct{}
	once           sync.Once
	do             WorkerHandler[T]
	waiter         sync.WaitGroup
}

func NewWorkerManager[T any](bufferSize, numberOfWorkers int) *WorkerManager[T] {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager[T]{
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan T, bufferSize),
		quit:           make(chan struct{}),
	}
}

func (w *WorkerManager[T]) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

func (w *WorkerManager[T]) Size() int {
	return w.numberOfWorker
}

func (w *WorkerManager[T]) SetWorker(worker WorkerHandler[T]) {
	w.do = worker
}

// Enqueue publishes a job, waiting for buffer space until ctx is done or the
// manager exits.
func (w *WorkerManager[T]) Enqueue(ctx context.Context, job T) error {
	select {
	case <-w.quit:
		return ErrManagerStopped
	default:
	}

	select {
	case w.jobChannel <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrManagerStopped
	}
}

// Start starts off the workers and blocks until Exit is called and every
// worker has returned.
func (w *WorkerManager[T]) Start() error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}

	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case <-w.quit:
					return
				case job := <-w.jobChannel:
					w.do(index, job)
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return ErrWorkersTerminated
}

// Exit stops all workers. Safe to call more than once.
func (w *WorkerManager[T]) Exit() {
	w.once.Do(func() {
		logger.Info("Exit() is called and worker manager is going to be shutdown",
			"pending_jobs", len(w.jobChannel))
		close(w.quit)
	})
}

// Wait blocks until every started worker has returned.
func (w *WorkerManager[T]) Wait() {
	w.waiter.Wait()
}
