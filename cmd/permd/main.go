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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/permissions/internal/app"
	jobmetrics "github.com/odyssey-erp/permissions/internal/jobs"
	"github.com/odyssey-erp/permissions/internal/observability"
	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
	rbachttp "github.com/odyssey-erp/permissions/internal/rbac/http"
	"github.com/odyssey-erp/permissions/internal/realtime"
	"github.com/odyssey-erp/permissions/internal/resolver"
	"github.com/odyssey-erp/permissions/internal/templates"
	"github.com/odyssey-erp/permissions/jobs"
)

type inlineDedup struct {
	job *jobs.OverridesDedupJob
}

func (d inlineDedup) Run(ctx context.Context) (overrides.Report, error) {
	return d.job.Run(ctx, nil)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("permd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	backend, err := app.OpenBackend(ctx, cfg, logger, app.BackendOptions{Migrate: true})
	if err != nil {
		return err
	}
	defer backend.Close()

	cache, err := permcache.New(permcache.Config{
		TTL:           cfg.CacheTTL,
		SweepInterval: cfg.CacheSweepInterval,
		MaxEntries:    cfg.CacheMaxEntries,
		FillTimeout:   cfg.ResolveTimeout,
		Registerer:    metrics.Registerer(),
	})
	if err != nil {
		return err
	}
	cache.Start(ctx)
	defer cache.Close()

	fallback, err := rbac.ParseRole(cfg.FallbackRole)
	if err != nil {
		return err
	}
	registry := templates.NewRegistry(backend.Store, cache, templates.Options{FallbackRole: fallback, Logger: logger})
	if created, err := registry.Seed(ctx); err != nil {
		return err
	} else if created > 0 {
		logger.Info("seeded system templates", slog.Int("created", created))
	}

	overrideService := overrides.NewService(backend.Store, cache, logger)
	dedupJob := jobs.NewOverridesDedupJob(
		overrides.NewDeduplicator(backend.Store, cache, logger),
		backend.Broadcaster,
		logger,
		jobmetrics.NewMetrics(metrics.Registerer()),
	)
	res := resolver.New(registry, overrideService, backend.Store, cache, resolver.Options{
		GlobalFallback: cfg.ResolveGlobalFallback,
		Timeout:        cfg.ResolveTimeout,
		Logger:         logger,
	})

	realtimeMetrics, err := realtime.NewMetrics(metrics.Registerer())
	if err != nil {
		return err
	}
	invalidator := realtime.NewInvalidator(cache, logger, realtimeMetrics)
	notifier := realtime.NewNotifier(invalidator, realtime.SubscriberConfig{
		SubscribeTimeout: cfg.NotifySubscribeTimeout,
		ReconnectDelay:   cfg.NotifyReconnectDelay,
		Backoff:          realtime.Backoff{Initial: cfg.NotifyReconnectDelay, Max: cfg.NotifyBackoffMax, Jitter: realtime.DefaultJitter},
		Logger:           logger,
		Metrics:          realtimeMetrics,
	}, backend.Sources...)
	notifier.Start(ctx)
	defer notifier.Wait()

	var jobHandler *jobs.Handler
	if backend.Redis != nil {
		inspector := asynq.NewInspector(app.RedisOpts(cfg))
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	permissions := rbachttp.NewHandler(rbachttp.Deps{
		Logger:      logger,
		Resolver:    res,
		Templates:   registry,
		Overrides:   overrideService,
		Dedup:       inlineDedup{job: dedupJob},
		Invalidator: invalidator,
		Broadcaster: backend.Broadcaster,
		Notifier:    notifier,
		Guard:       rbachttp.Guard{Resolver: res, Logger: logger, Enabled: cfg.APIEnforceActor},
	})

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		Metrics:     metrics,
		Permissions: permissions,
		Jobs:        jobHandler,
		Checks:      backend.Checks,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreDriver),
			slog.Bool("global_fallback", cfg.ResolveGlobalFallback))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
