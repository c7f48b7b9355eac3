package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/permissions/cmd/permctl/cli"
	"github.com/odyssey-erp/permissions/internal/app"
	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/rbac/postgres"
	"github.com/odyssey-erp/permissions/internal/resolver"
	"github.com/odyssey-erp/permissions/internal/templates"
	"github.com/odyssey-erp/permissions/jobs"
)

// engine runs commands in-process without a resolver cache.
type engine struct {
	*resolver.Resolver
	backend  *app.Backend
	registry *templates.Registry
	dedup    *jobs.OverridesDedupJob
}

func (e *engine) Dedup(ctx context.Context) (overrides.Report, error) {
	return e.dedup.Run(ctx, nil)
}

func (e *engine) Seed(ctx context.Context) (int, error) {
	return e.registry.Seed(ctx)
}

func (e *engine) Migrate(ctx context.Context) ([]string, error) {
	if e.backend.Pool == nil {
		return nil, errors.New("migrate: requires the postgres store driver")
	}
	return postgres.Migrate(ctx, e.backend.Pool)
}

func (e *engine) Close() {
	e.backend.Close()
}

func openEngine(cfg *app.Config, logger *slog.Logger) func(context.Context) (cli.Engine, error) {
	return func(ctx context.Context) (cli.Engine, error) {
		fallback, err := rbac.ParseRole(cfg.FallbackRole)
		if err != nil {
			return nil, err
		}
		backend, err := app.OpenBackend(ctx, cfg, logger, app.BackendOptions{RequireShared: true})
		if err != nil {
			return nil, err
		}
		registry := templates.NewRegistry(backend.Store, nil, templates.Options{FallbackRole: fallback, Logger: logger})
		overrideService := overrides.NewService(backend.Store, nil, logger)
		return &engine{
			Resolver: resolver.New(registry, overrideService, backend.Store, nil, resolver.Options{
				GlobalFallback: cfg.ResolveGlobalFallback,
				Timeout:        cfg.ResolveTimeout,
				Logger:         logger,
			}),
			backend:  backend,
			registry: registry,
			dedup:    jobs.NewOverridesDedupJob(overrides.NewDeduplicator(backend.Store, nil, logger), backend.Broadcaster, logger, nil),
		}, nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	// Diagnostics go to stderr so command output stays machine readable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := cli.NewRootCommand(cli.Env{
		OpenQueue: func(context.Context) (cli.Queue, error) {
			return cli.NewJobsCLI(app.RedisOpts(cfg)), nil
		},
		OpenEngine: openEngine(cfg, logger),
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
