package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/permissions/internal/jobs"
	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/realtime"
)

// Deduplicator runs one deduplication pass.
type Deduplicator interface {
	Run(ctx context.Context) (overrides.Report, error)
}

// Seeder inserts missing system templates.
type Seeder interface {
	Seed(ctx context.Context) (int, error)
}

// OverridesDedupJob removes duplicate override rows and tells every instance to
// drop the cached permissions of affected users.
type OverridesDedupJob struct {
	Dedup       Deduplicator
	Broadcaster realtime.Broadcaster
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Timeout     time.Duration
}

// NewOverridesDedupJob wires dependencies for the dedup handler. broadcaster may
// be nil when change triggers already propagate deletions.
func NewOverridesDedupJob(dedup Deduplicator, broadcaster realtime.Broadcaster, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverridesDedupJob {
	return &OverridesDedupJob{
		Dedup:       dedup,
		Broadcaster: broadcaster,
		Logger:      logger,
		Metrics:     metrics,
		Timeout:     5 * time.Minute,
	}
}

// Handle processes TaskOverridesDedup tasks.
func (j *OverridesDedupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Dedup == nil {
		return errors.New("overrides dedup: handler not configured")
	}
	var payload DedupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	logger := j.logger().With(slog.String("reason", payload.Reason), slog.String("requested_by", payload.RequestedBy))
	return j.Metrics.Observe(TaskOverridesDedup, func() error {
		_, err := j.Run(ctx, logger)
		return err
	})
}

// Run executes one pass outside the queue and returns its report.
func (j *OverridesDedupJob) Run(ctx context.Context, logger *slog.Logger) (overrides.Report, error) {
	if logger == nil {
		logger = j.logger()
	}
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	report, err := j.Dedup.Run(ctx)
	if err != nil {
		logger.Error("overrides dedup failed", slog.Any("error", err))
		return report, err
	}
	j.Metrics.AddDeleted(TaskOverridesDedup, report.Deleted)

	if j.Broadcaster != nil {
		for _, user := range report.Users {
			if err := j.Broadcaster.Broadcast(ctx, realtime.RefreshEvent(user, "")); err != nil {
				logger.Warn("broadcast refresh after dedup", slog.String("user_id", user), slog.Any("error", err))
			}
		}
	}
	logger.Info("completed overrides dedup",
		slog.Int("groups", report.Groups),
		slog.Int64("deleted", report.Deleted),
		slog.Int("users", len(report.Users)))
	return report, nil
}

func (j *OverridesDedupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOverridesDedup))
	}
	return slog.Default().With(slog.String("job", TaskOverridesDedup))
}

// TemplatesSeedJob seeds missing system templates from the worker.
type TemplatesSeedJob struct {
	Seeder  Seeder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskTemplatesSeed tasks.
func (j *TemplatesSeedJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Seeder == nil {
		return errors.New("templates seed: handler not configured")
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return j.Metrics.Observe(TaskTemplatesSeed, func() error {
		created, err := j.Seeder.Seed(ctx)
		if err != nil {
			return err
		}
		logger.Info("templates seeded", slog.String("job", TaskTemplatesSeed), slog.Int("created", created))
		return nil
	})
}
