package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/clipvault/ingest/internal/api"
	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/database"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/fetch"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/ingest"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// App is the top-level object for the ingest daemon. It is responsible for
	// connecting to the database and object store, and for spawning the
	// long-running services (catalog writer, ingest coordinator, REST gateway).
	App struct {
		config   Config
		eventBus event.EventCoordinator
	}
)

func New(config Config) *App {
	log.Emit(logger.DEBUG, "Bootstrapping ingest services using config: %#v\n", config)
	return &App{config: config, eventBus: event.New()}
}

// Run will start the daemon by bringing up all required connections and services. This
// function will not return until the provided context is cancelled, or a service crashes.
// Errors returned are fatal startup failures (database, object store authorization).
func (app *App) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New(app.config.Database)
	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	store := objectstore.New(app.config.ObjectStore)
	if _, err := store.Authorize(ctx); err != nil {
		return fmt.Errorf("failed to authorize with object store: %w", err)
	}

	var catalogOpts []catalog.Option
	if app.config.Catalog.UseAdvisoryLock {
		catalogOpts = append(catalogOpts, catalog.WithLocker(database.NewAdvisoryLocker(db.GetSqlxDb(), "catalog:"+app.config.Catalog.Path)))
	}
	synchronizer := catalog.New(app.config.Catalog, store, catalogOpts...)

	jobStore := jobs.NewPostgresStore(db.GetSqlxDb(), jobs.WithStaleThreshold(app.config.StaleThreshold))
	deps := ingest.Dependencies{
		Store:      jobStore,
		Fetcher:    fetch.New(app.config.Fetch),
		Inspector:  ffmpeg.NewInspector(app.config.FFmpeg),
		Transcoder: ffmpeg.NewTranscoder(app.config.FFmpeg),
		Uploader:   store,
		Catalog:    synchronizer,
		Codecs:     app.config.FFmpeg,
	}
	if app.config.FFmpeg.Enabled {
		deps.Thumbnailer = ffmpeg.NewThumbnailer(app.config.FFmpeg)
	}

	coordinator, err := ingest.New(app.config.Ingest, deps, app.eventBus)
	if err != nil {
		return fmt.Errorf("failed to construct ingest coordinator: %w", err)
	}

	gateway := api.NewRestGateway(&app.config.API, jobStore, coordinator, synchronizer, app.eventBus)

	wg := &sync.WaitGroup{}
	spawnAsyncService(ctx, wg, synchronizer, "catalog-writer", crashHandler)
	spawnAsyncService(ctx, wg, coordinator, "ingest-coordinator", crashHandler)
	spawnAsyncService(ctx, wg, gateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Ingest services spawned!\n")

	wg.Wait()
	log.Emit(logger.STOP, "All services stopped\n")
	return nil
}

// spawnAsyncService will run the provided service as it's own go-routine, ensuring
// that the waitgroup is updated correctly. A service returning an error (or panicking)
// is considered a crash.
func spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, label string, crash func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", label)
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}()
}
