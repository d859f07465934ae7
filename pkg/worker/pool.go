package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolStarted    = errors.New("worker pool has already been started")
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// WorkerPool runs a fixed set of workers, each in its own goroutine.
type WorkerPool struct {
	mu      sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// PushWorker adds workers to the pool. Workers cannot be added once the
// pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// Start launches every worker. It does not block; the workers run until the
// context is cancelled or Close is called.
func (pool *WorkerPool) Start(ctx context.Context) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	pool.cancel = cancel
	pool.started = true
	for _, w := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start(ctx)
		}(w)
	}

	return nil
}

// WakeupWorkers signals every sleeping worker in the pool.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !pool.started {
		return ErrPoolNotStarted
	}

	for _, w := range pool.workers {
		if w.Status() == Sleeping {
			w.Wakeup()
		}
	}

	return nil
}

// Wait blocks until every worker has exited.
func (pool *WorkerPool) Wait() {
	pool.wg.Wait()
}

// Close stops every worker and waits for them to exit. A worker that is
// executing its task finishes it first.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	if !pool.started {
		pool.mu.Unlock()
		return
	}
	pool.cancel()
	pool.mu.Unlock()

	pool.wg.Wait()
}
