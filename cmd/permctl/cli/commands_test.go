package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/jobs"
)

type stubQueue struct {
	payloads []jobs.DedupPayload
	seeds    int
	err      error
	closed   bool
}

func (q *stubQueue) EnqueueDedup(_ context.Context, payload jobs.DedupPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault}, nil
}

func (q *stubQueue) EnqueueSeed(context.Context) (*asynq.TaskInfo, error) {
	q.seeds++
	return &asynq.TaskInfo{ID: "task-2", Queue: jobs.QueueDefault}, nil
}

func (q *stubQueue) Stats(context.Context) (QueueStats, error) {
	return QueueStats{Queue: jobs.QueueDefault, Pending: 3}, nil
}

func (q *stubQueue) Close() error {
	q.closed = true
	return nil
}

type stubEngine struct {
	report   overrides.Report
	resolved []string
	closed   bool
}

func (e *stubEngine) Dedup(context.Context) (overrides.Report, error) { return e.report, nil }
func (e *stubEngine) Seed(context.Context) (int, error)               { return 2, nil }
func (e *stubEngine) Migrate(context.Context) ([]string, error)       { return nil, nil }

func (e *stubEngine) Resolve(_ context.Context, userID string, role rbac.Role, projectID string) (rbac.EffectivePermissionSet, error) {
	e.resolved = append(e.resolved, userID+"/"+role.String()+"/"+projectID)
	return rbac.EffectivePermissionSet{Source: rbac.SourceRole}, nil
}

func (e *stubEngine) ResolveForUser(_ context.Context, userID, projectID string) (rbac.EffectivePermissionSet, error) {
	e.resolved = append(e.resolved, userID+"//"+projectID)
	return rbac.EffectivePermissionSet{Source: rbac.SourceDefault}, nil
}

func (e *stubEngine) Close() { e.closed = true }

func execute(t *testing.T, env Env, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(env)
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func envWith(q *stubQueue, e *stubEngine) Env {
	return Env{
		OpenQueue:  func(context.Context) (Queue, error) { return q, nil },
		OpenEngine: func(context.Context) (Engine, error) { return e, nil },
	}
}

func TestDedupEnqueuesByDefault(t *testing.T) {
	q := &stubQueue{}
	out, err := execute(t, envWith(q, &stubEngine{}), "dedup", "--requested-by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued rbac:overrides_dedup id=task-1")
	require.Len(t, q.payloads, 1)
	assert.Equal(t, jobs.DedupPayload{Reason: "manual", RequestedBy: "ops"}, q.payloads[0])
	assert.True(t, q.closed)
}

func TestDedupAlreadyQueued(t *testing.T) {
	q := &stubQueue{err: asynq.ErrDuplicateTask}
	out, err := execute(t, envWith(q, &stubEngine{}), "dedup")
	require.NoError(t, err)
	assert.Contains(t, out, "already queued")
}

func TestDedupEnqueueFailure(t *testing.T) {
	q := &stubQueue{err: errors.New("redis down")}
	_, err := execute(t, envWith(q, &stubEngine{}), "dedup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestDedupSyncPrintsReport(t *testing.T) {
	engine := &stubEngine{report: overrides.Report{Scanned: 4, Groups: 1, Deleted: 2, Keys: []string{"u1@global"}, Users: []string{"u1"}}}
	out, err := execute(t, envWith(&stubQueue{}, engine), "dedup", "--sync")
	require.NoError(t, err)

	var report overrides.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, []string{"u1@global"}, report.Keys)
	assert.True(t, engine.closed)
}

func TestSeedCommand(t *testing.T) {
	q := &stubQueue{}
	_, err := execute(t, envWith(q, &stubEngine{}), "seed")
	require.NoError(t, err)
	assert.Equal(t, 1, q.seeds)

	out, err := execute(t, envWith(q, &stubEngine{}), "seed", "--sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":2}`, out)
}

func TestQueueCommand(t *testing.T) {
	out, err := execute(t, envWith(&stubQueue{}, &stubEngine{}), "queue")
	require.NoError(t, err)
	var stats QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Pending)
}

func TestResolveCommand(t *testing.T) {
	engine := &stubEngine{}
	_, err := execute(t, envWith(&stubQueue{}, engine), "resolve", "u1", "--role", "Manager", "--project", "p1")
	require.NoError(t, err)
	_, err = execute(t, envWith(&stubQueue{}, engine), "resolve", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/manager/p1", "u2//"}, engine.resolved)

	_, err = execute(t, envWith(&stubQueue{}, engine), "resolve", "u1", "--role", "bad role")
	assert.ErrorIs(t, err, rbac.ErrValidation)

	_, err = execute(t, envWith(&stubQueue{}, engine), "resolve")
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	out, err := execute(t, envWith(&stubQueue{}, &stubEngine{}), "migrate")
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied":[]}`, out)
}
