package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipvault/ingest/internal"
	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/database"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/internal/repair"
	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Repair")

func main() {
	args, err := repair.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args); err != nil {
		log.Emit(logger.FATAL, "%v\n", err)
		os.Exit(1)
	}
}

// run performs the repair. Only failures which prevent the run from starting
// are returned; the outcome of each video is reported in the log.
func run(ctx context.Context, args *repair.Args) error {
	config, err := internal.LoadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	if level, err := logger.ParseLevel(config.LogLevel); err == nil {
		logger.SetMinLoggingLevel(level.Level())
	}

	store := objectstore.New(config.ObjectStore)
	if _, err := store.Authorize(ctx); err != nil {
		return fmt.Errorf("failed to authorize with object store: %w", err)
	}

	var catalogOpts []catalog.Option
	if config.Catalog.UseAdvisoryLock && !args.Scan {
		db := database.New(config.Database)
		if err := db.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to database for catalog locking: %w", err)
		}
		defer db.Close()

		catalogOpts = append(catalogOpts, catalog.WithLocker(database.NewAdvisoryLocker(db.GetSqlxDb(), "catalog:"+config.Catalog.Path)))
	}
	synchronizer := catalog.New(config.Catalog, store, catalogOpts...)

	writerCtx, stopWriter := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := synchronizer.Run(writerCtx); err != nil {
			log.Emit(logger.ERROR, "Catalog writer stopped: %v\n", err)
		}
	}()
	defer func() {
		stopWriter()
		<-writerDone
	}()

	repairer := repair.New(repair.Dependencies{
		Catalog:    synchronizer,
		Blobs:      store,
		Inspector:  ffmpeg.NewInspector(config.FFmpeg),
		Transcoder: ffmpeg.NewTranscoder(config.FFmpeg),
		Codecs:     config.FFmpeg,
		TempDir:    config.Fetch.TempDir,
	})

	report, err := repairer.Run(ctx, args.Options)
	if err != nil {
		return err
	}

	for _, item := range report.Items {
		if item.Outcome != repair.Healthy {
			fmt.Printf("%-16s %s %q codec=%s\n", item.Outcome, item.VideoID, item.Title, item.Codec)
		}
	}
	for _, p := range report.Problems {
		fmt.Printf("%-16s %s\n", p.Kind, p)
	}

	return nil
}
