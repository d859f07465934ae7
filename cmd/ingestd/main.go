package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipvault/ingest/internal"
	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Bootstrap")

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults to $"+internal.ConfigPathEnv+")")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(config.LogLevel)
	if err != nil {
		log.Emit(logger.WARNING, "%v, defaulting to %s\n", err, level)
	}
	logger.SetMinLoggingLevel(level.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(*config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Ingest daemon failed to start: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Shutdown complete\n")
}
