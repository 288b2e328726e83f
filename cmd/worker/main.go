// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/reelctl/internal/adminhttp"
	"github.com/ManuGH/reelctl/internal/config"
	"github.com/ManuGH/reelctl/internal/daemon"
	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/eventbus"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/lock"
	rlog "github.com/ManuGH/reelctl/internal/log"
	"github.com/ManuGH/reelctl/internal/telemetry"
	"github.com/ManuGH/reelctl/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	rlog.Configure(rlog.Config{Level: "info", Service: "reelctl-worker"})
	logger := rlog.WithComponent("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}

	rlog.Configure(rlog.Config{Level: cfg.LogLevel, Service: "reelctl-worker", Version: cfg.ServiceVersion})
	logger = rlog.WithComponent("worker")

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "reelctl-worker",
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		ExporterType:   cfg.TelemetryExporter,
		Endpoint:       cfg.TelemetryEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize telemetry")
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	pool, err := dbpool.Open(dbpool.Config{
		DatabaseURL:      cfg.DatabaseURL,
		MinOpen:          cfg.PoolMin,
		MaxOpen:          cfg.PoolMax,
		AcquireTimeout:   cfg.PoolAcquireTimeout,
		SlowQuery:        cfg.PoolSlowQueryThreshold,
		LeakThreshold:    cfg.PoolLeakThreshold,
		BreakerThreshold: cfg.BreakerErrorThreshold,
		BreakerReset:     cfg.BreakerResetTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "dbpool.open_failed").Msg("failed to open database pool")
	}

	bus, err := eventbus.NewRedisBus(eventbus.Config{
		ProjectID:    cfg.EventBusProjectID,
		EmulatorHost: cfg.EventBusEmulatorHost,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "eventbus.connect_failed").Msg("failed to connect to event bus")
	}

	jobPlane := jobs.New(pool, bus)
	locks := lock.NewManager(pool)
	led := ledger.New(pool, locks, workerID)

	w := worker.New(worker.Config{
		WorkerID:      workerID,
		Concurrency:   cfg.WorkerConcurrency,
		SafetyRetries: cfg.SafetyRetries,
	}, bus, jobPlane, led, worker.NewUnimplementedRegistry(), logger)

	admin := adminhttp.NewManager(cfg.ServiceVersion)
	admin.RegisterChecker(adminhttp.NewPoolChecker(pool.HealthCheck))

	daemonMgr, err := daemon.NewManager(daemon.Config{
		AdminListenAddr: cfg.AdminListenAddr,
		AdminHandler:    admin.Handler(),
	}, daemon.Deps{Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.init_failed").Msg("failed to initialize daemon manager")
	}

	daemonMgr.RegisterShutdownHook("database_pool", func(ctx context.Context) error {
		return pool.Close()
	})
	daemonMgr.RegisterShutdownHook("event_bus", func(ctx context.Context) error {
		return bus.Close()
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return daemonMgr.Start(gctx)
	})

	g.Go(func() error {
		return w.Run(gctx)
	})

	g.Go(func() error {
		pool.RunMaintenance(gctx, cfg.PoolMaintenanceInterval)
		return nil
	})

	logger.Info().Str("event", "startup").Str("worker_id", workerID).Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "shutdown.error").Msg("worker exited with error")
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "worker stopped")
}
