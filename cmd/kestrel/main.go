// Kestrel - Card-payment authorization decision engine.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/outbox"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := domain.FromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"store", cfg.Store.Driver,
		"eventbus", cfg.Bus.Type,
		"redis", cfg.Redis.Addr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Ruleset store
	store, err := repository.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize ruleset store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("ruleset store initialized", "driver", cfg.Store.Driver)

	// Shared Redis client: velocity counters and the outbox stream.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Event bus
	busImpl, err := bus.New(cfg.Bus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.Bus.Type)

	// Metrics
	m := metrics.New()

	// Velocity service
	velocitySvc := velocity.NewService(velocity.NewRedisStore(redisClient))
	slog.Info("velocity service initialized")

	// Evaluator
	evaluator, err := engine.New(velocitySvc, m, cfg.Debug)
	if err != nil {
		slog.Error("failed to initialize evaluator", "error", err)
		os.Exit(1)
	}

	// Ruleset registry over the store, with predicate compilation
	reg := registry.New(registry.NewStoreLoader(store), evaluator.PrepareRuleset)
	bootstrapRulesets(ctx, store, reg)

	// Outbox stream + dispatcher + publisher
	stream, err := outbox.NewRedisStream(ctx, redisClient, cfg.Outbox.Stream, cfg.Outbox.ConsumerGroup, cfg.Outbox.Consumer)
	if err != nil {
		slog.Error("failed to initialize outbox stream", "error", err)
		os.Exit(1)
	}

	dispatcher := outbox.NewDispatcher(stream, m, cfg.Outbox)
	dispatcher.Start(ctx)

	publisher := outbox.NewPublisher(stream, busImpl, m, cfg.Outbox)
	publisher.Start(ctx)

	// HTTP server
	srv := api.NewServer(cfg.Server, reg, evaluator, dispatcher, busImpl, store, velocitySvc, m, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Let the dispatcher and publisher drain before the server stops
	// accepting the shutdown deadline.
	dispatcher.Stop()
	publisher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// bootstrapRulesets installs the latest stored version of every known
// ruleset. An empty store is not an error; rulesets arrive via the API.
func bootstrapRulesets(ctx context.Context, store domain.RulesetStore, reg *registry.Registry) {
	infos, err := store.ListRulesets(ctx)
	if err != nil {
		slog.Warn("failed to list stored rulesets", "error", err)
		return
	}
	if len(infos) == 0 {
		slog.Info("no stored rulesets - load via POST /rulesets/load")
		return
	}

	// ListRulesets orders versions descending per (country, key); take
	// the first occurrence of each pair.
	seen := make(map[string]bool)
	entries := make([]registry.BulkLoadEntry, 0, len(infos))
	for _, info := range infos {
		pair := info.Country + "/" + info.Key
		if seen[pair] {
			continue
		}
		seen[pair] = true
		entries = append(entries, registry.BulkLoadEntry{
			Country: info.Country,
			Key:     info.Key,
			Version: info.Version,
		})
	}

	loaded := reg.BulkLoad(ctx, entries)
	slog.Info("rulesets bootstrapped", "loaded", loaded, "known", len(entries))
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
