package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/permissions/internal/platform/cache"
	"github.com/odyssey-erp/permissions/internal/platform/db"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/rbac/memory"
	"github.com/odyssey-erp/permissions/internal/rbac/postgres"
	"github.com/odyssey-erp/permissions/internal/realtime"
	"github.com/odyssey-erp/permissions/internal/realtime/redisbus"
)

// BackendOptions selects optional startup work.
type BackendOptions struct {
	// Migrate applies embedded migrations on the postgres driver.
	Migrate bool
	// RequireRedis fails startup when Redis cannot be reached.
	RequireRedis bool
	// RequireShared rejects drivers whose data lives only in this process.
	// Processes that act on data owned by another process set it.
	RequireShared bool
}

// ErrProcessLocalStore is returned when a shared store is required but the
// memory driver is configured.
var ErrProcessLocalStore = errors.New("app: memory store driver is local to one process")

// Backend bundles the Permission Store with its change feed and the refresh
// transport chosen for the configured driver.
type Backend struct {
	Store rbac.Store
	Pool  *pgxpool.Pool
	Redis *redis.Client
	// Sources feed the change notifier.
	Sources []realtime.Source
	// Broadcaster sends explicit refresh signals to every instance. Redis pub/sub
	// is used when reachable, otherwise the store's own channel.
	Broadcaster realtime.Broadcaster
	Checks      map[string]HealthCheck

	closers []func()
}

// OpenBackend connects the configured store driver and the refresh transport.
func OpenBackend(ctx context.Context, cfg *Config, logger *slog.Logger, opts BackendOptions) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequireShared && cfg.StoreDriver == DriverMemory {
		return nil, fmt.Errorf("%w: set STORE_DRIVER=%s", ErrProcessLocalStore, DriverPostgres)
	}
	b := &Backend{Checks: map[string]HealthCheck{}}

	switch cfg.StoreDriver {
	case DriverMemory:
		broker := realtime.NewBroker("memory", 256)
		b.closers = append(b.closers, broker.Close)
		b.Store = memory.New(memory.WithPublisher(broker), memory.WithLogger(logger))
		b.Sources = append(b.Sources, broker)
		b.Broadcaster = broker
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		b.Pool = pool
		b.closers = append(b.closers, pool.Close)
		if opts.Migrate {
			applied, err := postgres.Migrate(ctx, pool)
			if err != nil {
				b.Close()
				return nil, err
			}
			if len(applied) > 0 {
				logger.Info("migrations applied", slog.Any("names", applied))
			}
		}
		b.Store = postgres.New(pool)
		b.Sources = append(b.Sources, postgres.NewListener(pool, logger, postgres.ChangeChannel, cfg.RefreshChannel))
		b.Broadcaster = postgres.NewBroadcaster(pool, cfg.RefreshChannel)
		b.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		return nil, fmt.Errorf("app: unsupported store driver %q", cfg.StoreDriver)
	}

	client, err := cache.New(ctx, cfg.RedisAddr)
	switch {
	case err == nil:
		b.Redis = client
		b.closers = append(b.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
		bus := redisbus.New(client, cfg.RefreshChannel, logger)
		b.Sources = append(b.Sources, bus)
		b.Broadcaster = bus
		b.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	case opts.RequireRedis:
		b.Close()
		return nil, err
	default:
		logger.Warn("redis unavailable, refresh signals use the store channel", slog.Any("error", err))
	}
	return b, nil
}

// RedisOpts returns the asynq connection options for the configured Redis.
func RedisOpts(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr}
}

// Close releases every connection in reverse order.
func (b *Backend) Close() {
	if b == nil {
		return
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
