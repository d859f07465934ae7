package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/fetch"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/clipvault/ingest/pkg/worker"
)

var log = logger.Get("IngestServ")

type (
	Fetcher interface {
		Fetch(ctx context.Context, url string, authHeader string, progress fetch.ProgressFunc) (string, error)
	}

	Inspector interface {
		Inspect(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	}

	Thumbnailer interface {
		Extract(ctx context.Context, path string) (string, error)
	}

	Uploader interface {
		PutFile(ctx context.Context, name string, path string, contentType string) (*objectstore.FileInfo, error)
		Delete(ctx context.Context, file objectstore.FileInfo) error
		PublicURL(name string) string
	}

	Catalog interface {
		Load(ctx context.Context) (*catalog.Document, error)
		AddVideo(ctx context.Context, video catalog.Video, streamerName string) (*catalog.Video, error)
	}

	// Dependencies are the collaborators a Coordinator drives for each job.
	Dependencies struct {
		Store       jobs.Store
		Fetcher     Fetcher
		Inspector   Inspector
		Transcoder  ffmpeg.Transcoder
		Thumbnailer Thumbnailer
		Uploader    Uploader
		Catalog     Catalog

		// Codecs decides which probed codecs are uploaded as-is, and
		// which codec everything else is transcoded to.
		Codecs ffmpeg.Config
	}

	Option func(*Coordinator)

	// Coordinator is responsible for running a pool of workers, each of which
	// repeatedly claims the most urgent eligible job from the store and
	// drives it through the ingestion pipeline:
	// - Fetch the source to a temporary file
	// - Inspect its codec, transcoding it if the codec is not allowed
	// - Upload the video (and a thumbnail) to the object store
	// - Atomically append the video to the catalog
	// - Record the outcome on the job (done, failed or requeued)
	Coordinator struct {
		Dependencies
		config     Config
		eventBus   event.EventDispatcher
		workerPool *worker.WorkerPool
		prefix     string
		clock      func() time.Time
	}
)

// New creates a Coordinator using the config and dependencies provided. The
// workers are not started until Run is called.
func New(config Config, deps Dependencies, eventBus event.EventDispatcher, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Inspector == nil || deps.Uploader == nil || deps.Catalog == nil {
		return nil, errors.New("ingest coordinator requires a store, fetcher, inspector, uploader and catalog")
	}
	if deps.Transcoder == nil {
		deps.Transcoder = ffmpeg.NoopTranscoder{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	prefix := config.WorkerPrefix
	if prefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "ingest"
		}
		prefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	coordinator := &Coordinator{
		Dependencies: deps,
		config:       config,
		eventBus:     eventBus,
		workerPool:   worker.NewWorkerPool(),
		prefix:       prefix,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(coordinator)
	}

	for i := 0; i < config.Workers; i++ {
		label := fmt.Sprintf("%s/ingest-worker-%d", prefix, i)
		if err := coordinator.workerPool.PushWorker(worker.NewWorker(label, coordinator.PerformJob, config.PollInterval)); err != nil {
			return nil, err
		}
	}

	return coordinator, nil
}

// WithClock overrides the time source used for blob names and retry backoff.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// Run starts the worker pool and blocks until the context is cancelled. Jobs
// in flight when the context is cancelled are returned to the queue.
func (coordinator *Coordinator) Run(ctx context.Context) error {
	if err := coordinator.workerPool.Start(ctx); err != nil {
		return err
	}
	log.Emit(logger.NEW, "Started %d ingest workers (prefix %s)\n", coordinator.config.Workers, coordinator.prefix)

	<-ctx.Done()
	coordinator.workerPool.Close()
	log.Emit(logger.STOP, "All ingest workers have stopped\n")

	return nil
}

// Wakeup signals sleeping workers that a new job may be eligible, so they
// claim it without waiting for their poll interval.
func (coordinator *Coordinator) Wakeup() {
	if err := coordinator.workerPool.WakeupWorkers(); err != nil {
		log.Emit(logger.DEBUG, "Ignoring wakeup: %v\n", err)
	}
}

// PerformJob is the task executed by each worker in the pool. It claims a
// single job and processes it to completion, returning true if a job was
// processed so that the worker immediately tries to claim another.
func (coordinator *Coordinator) PerformJob(ctx context.Context, w worker.Worker) (bool, error) {
	job, err := coordinator.Store.Claim(ctx, w.Label())
	if err != nil {
		if errors.Is(err, jobs.ErrClaimConflict) {
			log.Emit(logger.DEBUG, "Worker %s lost every claim attempt, retrying\n", w.Label())
			return true, nil
		}

		return false, fmt.Errorf("failed to claim job: %w", err)
	} else if job == nil {
		return false, nil
	}

	log.Emit(logger.NEW, "Worker %s claimed %s\n", w.Label(), job)
	coordinator.dispatch(event.JOB_UPDATE, job)
	coordinator.process(ctx, w.Label(), job)

	return true, nil
}

func (coordinator *Coordinator) dispatch(ev event.Event, job *jobs.Job) {
	if coordinator.eventBus == nil {
		return
	}

	coordinator.eventBus.Dispatch(ev, *job)
}
