// Package main is the entry point for the hpcflow orchestrator.
// The orchestrator drains the mailbox into the task store and keeps the batch queues filled
// until every auto-submit loop has gone idle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hpcflow/internal/config"
	"hpcflow/internal/logger"
	"hpcflow/internal/workflow"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: hpcflow.yaml in the current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	logg, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error("orchestrator stopped", "error", err, "config_error", workflow.IsConfigError(err))
		stop()
		os.Exit(1)
	}
	logg.Info("orchestrator exited properly")
}
