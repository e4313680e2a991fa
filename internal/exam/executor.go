package exam

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
	ErrQueueFull      = errors.New("job queue full")
)

// Job is a unit of background work. ctx lives as long as the executor.
type Job func(ctx context.Context)

// Executor runs jobs on a fixed pool of workers fed by a bounded queue.
type Executor struct {
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewExecutor starts workers goroutines reading from a queue of size queue.
func NewExecutor(workers, queue int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	x := &Executor{
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	x.wg.Add(workers)
	for range workers {
		go x.worker()
	}
	return x
}

func (x *Executor) worker() {
	defer x.wg.Done()
	for job := range x.jobs {
		x.run(job)
	}
}

func (x *Executor) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "panic", r)
		}
	}()
	job(x.ctx)
}

// Submit queues job without blocking.
func (x *Executor) Submit(job Job) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrExecutorClosed
	}
	select {
	case x.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. If ctx ends first, running jobs are cancelled and ctx.Err() is
// returned once they have stopped.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	if !x.closed {
		x.closed = true
		close(x.jobs)
	}
	x.mu.Unlock()

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		x.cancel()
		return nil
	case <-ctx.Done():
		x.cancel()
		<-done
		return ctx.Err()
	}
}
