package jobs

import (
	"context"

	"github.com/hibiken/asynq"
)

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueDedup enqueues a deduplication run. A run already queued makes this
// return asynq.ErrDuplicateTask.
func (c *Client) EnqueueDedup(ctx context.Context, payload DedupPayload) (*asynq.TaskInfo, error) {
	task, err := NewOverridesDedupTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueSeed enqueues a template seeding run.
func (c *Client) EnqueueSeed(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewTemplatesSeedTask())
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
