package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/di"
	"github.com/genfity/fulfillment/internal/handlers"
	"github.com/genfity/fulfillment/internal/platform/config"
	"github.com/genfity/fulfillment/internal/platform/jobs"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/platform/requestctx"
)

func main() {
	ctx := context.Background()

	rt, err := di.Bootstrap(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start worker: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	logger := rt.Logger
	cfg := rt.Config
	ctx = requestctx.WithLogger(ctx, logger)

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	activation, err := jobs.NewActivationProcessor(container.Services.Activator, container.Metrics, logger.Named("activation"))
	if err != nil {
		logger.Fatal("failed to initialise activation processor", zap.Error(err))
	}
	sweep, err := jobs.NewSweepProcessor(container.Services.Sweeper, container.Metrics, logger.Named("sweeper"))
	if err != nil {
		logger.Fatal("failed to initialise sweep processor", zap.Error(err))
	}

	redisOpt := di.AsynqRedisOpt(cfg.Redis)
	queues := jobs.QueuePriorities()
	if _, ok := queues[cfg.Queue.Name]; !ok && cfg.Queue.Name != "" {
		queues[cfg.Queue.Name] = queues[jobs.QueueCritical]
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          queues,
		RetryDelayFunc:  jobs.RetryDelay,
		Logger:          observability.NewAsynqLogger(logger.Named("asynq")),
		ShutdownTimeout: 30 * time.Second,
	})
	if err := server.Start(jobs.Mux(activation, sweep)); err != nil {
		logger.Fatal("failed to start asynq server", zap.Error(err))
	}

	var scheduler *asynq.Scheduler
	if cfg.Sweeper.Mode == config.SweeperModeWorker {
		scheduler, err = jobs.NewSweepScheduler(redisOpt, cfg.Sweeper.Interval)
		if err != nil {
			logger.Fatal("failed to initialise sweep scheduler", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal("failed to start sweep scheduler", zap.Error(err))
		}
	}

	// The worker serves probes and metrics through the api router; its API groups stay unimplemented.
	systemService, err := container.SystemService(rt.BuildInfo())
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}
	probe := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handlers.NewRouter(
			handlers.WithHealthHandlers(handlers.NewHealthHandlers(
				handlers.WithHealthBuildInfo(rt.BuildInfo()),
				handlers.WithHealthSystemService(systemService),
			)),
			handlers.WithMetricsHandler(container.Metrics.Handler()),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", zap.Error(err))
		}
	}()

	logger.Info("fulfillment worker started",
		zap.String("ledger", cfg.Ledger.Driver),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.String("sweeperMode", cfg.Sweeper.Mode),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutdown signal received; stopping worker")

	if scheduler != nil {
		scheduler.Shutdown()
	}
	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("probe server shutdown failed", zap.Error(err))
	}
}
