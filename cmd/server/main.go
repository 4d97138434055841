// Package main is the entry point for the GangaGuard API server.
//
// main stays minimal: read configuration, build the logger, hand both to
// internal/server and block until shutdown. Everything else lives in
// internal/ so it can be tested without a process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gangaguard/backend/internal/config"
	"github.com/gangaguard/backend/internal/server"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (default ./config.yaml if present)")
	flag.Parse()

	// === 1. READ CONFIGURATION ===
	// defaults < config.yaml < .env < environment
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 3. DATABASE DIRECTORY ===
	// os.MkdirAll is a no-op when the directory already exists.
	dbDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		logger.Error("failed to create database directory",
			slog.String("dir", dbDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until SIGINT/SIGTERM or a fatal error
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
