// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dborovcanin/courier/broker"
	"github.com/dborovcanin/courier/config"
	"github.com/dborovcanin/courier/session"
	"github.com/dborovcanin/courier/storage"
	"github.com/dborovcanin/courier/storage/badger"
	"github.com/dborovcanin/courier/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting message router",
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	// Initialize storage backend
	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir: cfg.Storage.BadgerDir,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	registry := session.NewRegistry()
	notifier := broker.NewLogNotifier("", logger)
	po := broker.New(store, registry, nil, notifier, logger, cfg.Queue.MaxQueued)
	slog.Info("Router events on log stream", "broker_id", notifier.BrokerID())

	if cfg.Queue.Persist {
		if err := po.RestoreQueues(); err != nil {
			slog.Error("Failed to restore offline queues", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic $SYS stats publishing
	if cfg.Stats.Enabled {
		go publishStats(ctx, po, cfg.Stats.Interval)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	cancel()

	if cfg.Queue.Persist {
		if err := po.PersistQueues(); err != nil {
			slog.Error("Failed to persist offline queues", "error", err)
		}
	}
}

func publishStats(ctx context.Context, po *broker.PostOffice, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			po.PublishStats(ctx)
		case <-ctx.Done():
			return
		}
	}
}
