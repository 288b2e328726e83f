// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/reelctl/internal/adminhttp"
	"github.com/ManuGH/reelctl/internal/command"
	"github.com/ManuGH/reelctl/internal/config"
	"github.com/ManuGH/reelctl/internal/daemon"
	"github.com/ManuGH/reelctl/internal/dbpool"
	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/eventbus"
	"github.com/ManuGH/reelctl/internal/jobs"
	"github.com/ManuGH/reelctl/internal/ledger"
	"github.com/ManuGH/reelctl/internal/lock"
	rlog "github.com/ManuGH/reelctl/internal/log"
	"github.com/ManuGH/reelctl/internal/repository"
	"github.com/ManuGH/reelctl/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const ownerID = "orchestrator"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	rlog.Configure(rlog.Config{Level: "info", Service: "reelctl-orchestrator"})
	logger := rlog.WithComponent("orchestrator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}

	rlog.Configure(rlog.Config{Level: cfg.LogLevel, Service: "reelctl-orchestrator", Version: cfg.ServiceVersion})
	logger = rlog.WithComponent("orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "reelctl-orchestrator",
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

	locks := lock.NewManager(pool)
	if err := locks.Init(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "lock.init_failed").Msg("failed to initialize lock table")
	}

	jobPlane := jobs.New(pool, bus)
	if err := jobPlane.Init(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "jobs.init_failed").Msg("failed to initialize job table")
	}

	repo := repository.New(pool)
	led := ledger.New(pool, locks, ownerID)
	handler := command.New(repo, jobPlane, locks, led, bus, ownerID)
	monitor := jobs.NewMonitor(jobPlane, jobs.MonitorConfig{
		TickInterval:   cfg.LifecycleReclaimInterval,
		StallThreshold: cfg.LifecycleStallTimeout,
	}, logger)

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
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		pool.RunMaintenance(gctx, cfg.PoolMaintenanceInterval)
		return nil
	})

	g.Go(func() error {
		return bus.SubscribeCommands(gctx, "orchestrator", "orchestrator-1", func(ctx context.Context, msg eventbus.Message) error {
			var cmd domain.Command
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				logger.Warn().Err(err).Msg("orchestrator: malformed command message")
				return nil
			}
			return handler.Handle(ctx, cmd)
		})
	})

	g.Go(func() error {
		types := []domain.JobEventType{domain.JobEventCompleted, domain.JobEventFailed}
		return bus.SubscribeJobEvents(gctx, "orchestrator", "orchestrator-1", types, func(ctx context.Context, msg eventbus.Message) error {
			var ev domain.JobEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				logger.Warn().Err(err).Msg("orchestrator: malformed job event message")
				return nil
			}
			return handler.HandleJobCompletion(ctx, ev)
		})
	})

	logger.Info().Str("event", "startup").Str("admin_listen", cfg.AdminListenAddr).Msg("orchestrator started")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "shutdown.error").Msg("orchestrator exited with error")
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "orchestrator stopped")
}
