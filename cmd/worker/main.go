package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/permissions/internal/app"
	jobmetrics "github.com/odyssey-erp/permissions/internal/jobs"
	"github.com/odyssey-erp/permissions/internal/observability"
	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/templates"
	"github.com/odyssey-erp/permissions/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	backend, err := app.OpenBackend(ctx, cfg, logger, app.BackendOptions{RequireRedis: true, RequireShared: true})
	if err != nil {
		logger.Error("open backend", slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	fallback, err := rbac.ParseRole(cfg.FallbackRole)
	if err != nil {
		logger.Error("parse fallback role", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	// The worker holds no resolver cache; serving instances drop entries on the
	// refresh broadcast.
	dedupJob := jobs.NewOverridesDedupJob(overrides.NewDeduplicator(backend.Store, nil, logger), backend.Broadcaster, logger, jobMetrics)
	seedJob := &jobs.TemplatesSeedJob{
		Seeder:  templates.NewRegistry(backend.Store, nil, templates.Options{FallbackRole: fallback, Logger: logger}),
		Logger:  logger,
		Metrics: jobMetrics,
	}

	dedupTask, err := jobs.NewOverridesDedupTask(jobs.DedupPayload{Reason: "scheduled"})
	if err != nil {
		logger.Error("build dedup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   app.RedisOpts(cfg),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverridesDedup, Handler: dedupJob.Handle},
			{Type: jobs.TaskTemplatesSeed, Handler: seedJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DedupCron, Task: dedupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
