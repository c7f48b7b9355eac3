package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverridesDedup collapses duplicate user override rows.
	TaskOverridesDedup = "rbac:overrides_dedup"
	// TaskTemplatesSeed inserts missing system role templates.
	TaskTemplatesSeed = "rbac:templates_seed"
)

// DedupPayload describes why a deduplication run was requested.
type DedupPayload struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewOverridesDedupTask builds a dedup task. Only one dedup task can be queued
// at a time.
func NewOverridesDedupTask(payload DedupPayload) (*asynq.Task, error) {
	if payload.Reason == "" {
		payload.Reason = "scheduled"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverridesDedup, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(10*time.Minute),
	), nil
}

// NewTemplatesSeedTask builds a seed task.
func NewTemplatesSeedTask() *asynq.Task {
	return asynq.NewTask(TaskTemplatesSeed, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}
