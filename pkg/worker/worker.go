package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clipvault/ingest/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type WorkerStatus int32

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

// WorkerTask is executed repeatedly by a worker. It returns true if it
// performed work, in which case it is called again straight away; otherwise
// the worker sleeps until it is woken or its poll interval elapses. An error
// is logged and treated as 'no work done'.
type WorkerTask func(ctx context.Context, w Worker) (bool, error)

type Worker interface {
	Start(ctx context.Context)
	Status() WorkerStatus
	Label() string
	Wakeup()
}

type taskWorker struct {
	label        string
	task         WorkerTask
	wakeupChan   chan struct{}
	pollInterval time.Duration
	status       atomic.Int32
}

// NewWorker creates a worker that executes the task provided. A zero
// poll interval means the worker only wakes when explicitly signalled.
func NewWorker(label string, task WorkerTask, pollInterval time.Duration) Worker {
	return &taskWorker{
		label:        label,
		task:         task,
		wakeupChan:   make(chan struct{}, 1),
		pollInterval: pollInterval,
	}
}

// Start runs the worker loop until the context is cancelled.
func (worker *taskWorker) Start(ctx context.Context) {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	defer func() {
		worker.setStatus(Finished)
		workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
	}()

	for ctx.Err() == nil {
		worker.setStatus(Working)
		didWork, err := worker.task(ctx, worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s has reported an error(%T): %v\n", worker.label, err, err)
		}

		if didWork && err == nil {
			continue
		}

		if !worker.sleep(ctx) {
			return
		}
	}
}

// sleep blocks until the worker is woken, its poll interval elapses, or the
// context is cancelled. Returns false in the latter case.
func (worker *taskWorker) sleep(ctx context.Context) bool {
	worker.setStatus(Sleeping)

	var poll <-chan time.Time
	if worker.pollInterval > 0 {
		timer := time.NewTimer(worker.pollInterval)
		defer timer.Stop()
		poll = timer.C
	}

	select {
	case <-worker.wakeupChan:
		return true
	case <-poll:
		return true
	case <-ctx.Done():
		return false
	}
}

// Wakeup signals a sleeping worker to run its task again. The signal is
// retained if the worker is busy, so that work pushed while it was
// running is not missed.
func (worker *taskWorker) Wakeup() {
	select {
	case worker.wakeupChan <- struct{}{}:
	default:
	}
}

func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.status.Load())
}

func (worker *taskWorker) Label() string {
	return worker.label
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.status.Store(int32(status))
}

func (s WorkerStatus) String() string {
	switch s {
	case Sleeping:
		return "sleeping"
	case Working:
		return "working"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}
