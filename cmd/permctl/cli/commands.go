// Package cli implements the permctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/jobs"
)

// Engine runs maintenance directly against the Permission Store.
type Engine interface {
	Dedup(ctx context.Context) (overrides.Report, error)
	Seed(ctx context.Context) (int, error)
	Migrate(ctx context.Context) ([]string, error)
	Resolve(ctx context.Context, userID string, role rbac.Role, projectID string) (rbac.EffectivePermissionSet, error)
	ResolveForUser(ctx context.Context, userID, projectID string) (rbac.EffectivePermissionSet, error)
	Close()
}

// Env supplies lazily opened dependencies so each command connects only to
// what it needs.
type Env struct {
	OpenQueue  func(ctx context.Context) (Queue, error)
	OpenEngine func(ctx context.Context) (Engine, error)
}

// NewRootCommand assembles the permctl command tree.
func NewRootCommand(env Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "permctl",
		Short:         "Operate the permission service",
		Long:          "Maintenance commands for role templates, user overrides and the job queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDedupCommand(env),
		newSeedCommand(env),
		newQueueCommand(env),
		newResolveCommand(env),
		newMigrateCommand(env),
	)
	return root
}

func newDedupCommand(env Env) *cobra.Command {
	var sync bool
	var reason, requestedBy string
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Collapse duplicate user overrides to the newest row per scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if sync {
				engine, err := env.OpenEngine(ctx)
				if err != nil {
					return err
				}
				defer engine.Close()
				report, err := engine.Dedup(ctx)
				if err != nil {
					return fmt.Errorf("dedup: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}
			queue, err := env.OpenQueue(ctx)
			if err != nil {
				return err
			}
			defer queue.Close()
			info, err := queue.EnqueueDedup(ctx, jobs.DedupPayload{Reason: reason, RequestedBy: requestedBy})
			return reportEnqueue(cmd.OutOrStdout(), jobs.TaskOverridesDedup, info, err)
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "run in this process instead of enqueueing")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the job")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "operator recorded with the job")
	return cmd
}

func newSeedCommand(env Env) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert missing system role templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if sync {
				engine, err := env.OpenEngine(ctx)
				if err != nil {
					return err
				}
				defer engine.Close()
				created, err := engine.Seed(ctx)
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"created": created})
			}
			queue, err := env.OpenQueue(ctx)
			if err != nil {
				return err
			}
			defer queue.Close()
			info, err := queue.EnqueueSeed(ctx)
			return reportEnqueue(cmd.OutOrStdout(), jobs.TaskTemplatesSeed, info, err)
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "run in this process instead of enqueueing")
	return cmd
}

func newQueueCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the job queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := env.OpenQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer queue.Close()
			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newResolveCommand(env Env) *cobra.Command {
	var role, project string
	cmd := &cobra.Command{
		Use:   "resolve USER_ID",
		Short: "Print the effective permissions of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := env.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			var set rbac.EffectivePermissionSet
			if role == "" {
				set, err = engine.ResolveForUser(ctx, args[0], project)
			} else {
				var r rbac.Role
				if r, err = rbac.ParseRole(role); err != nil {
					return err
				}
				set, err = engine.Resolve(ctx, args[0], r, project)
			}
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), set)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to resolve with; defaults to the stored assignment")
	cmd.Flags().StringVar(&project, "project", "", "project scope")
	return cmd
}

func newMigrateCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := env.OpenEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()
			applied, err := engine.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if applied == nil {
				applied = []string{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string][]string{"applied": applied})
		},
	}
}

func reportEnqueue(out io.Writer, task string, info *asynq.TaskInfo, err error) error {
	if errors.Is(err, asynq.ErrDuplicateTask) {
		_, _ = fmt.Fprintf(out, "%s already queued\n", task)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	_, _ = fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", task, info.ID, info.Queue)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
