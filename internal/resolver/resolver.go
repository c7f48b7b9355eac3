// Package resolver computes effective permissions by combining a user's
// override with the template of the role they hold.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// Templates reads role templates.
type Templates interface {
	Get(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error)
}

// Overrides reads the effective override row of a scope.
type Overrides interface {
	Get(ctx context.Context, key rbac.OverrideKey) (rbac.UserPermission, error)
}

// Assignments reads which role a user holds.
type Assignments interface {
	UserRole(ctx context.Context, userID string) (rbac.Role, error)
	ProjectRole(ctx context.Context, projectID, userID string) (rbac.Role, error)
}

// Options configures a Resolver.
type Options struct {
	// GlobalFallback makes a project lookup without a project override use the
	// user's global override before the role template.
	GlobalFallback bool
	// Timeout bounds one resolution including its storage calls. Zero keeps only
	// the caller's deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolver is safe for concurrent use.
type Resolver struct {
	templates   Templates
	overrides   Overrides
	assignments Assignments
	cache       *permcache.Cache
	opts        Options
	logger      *slog.Logger
}

// New constructs a resolver. cache and assignments may be nil; without
// assignments ResolveForUser cannot find a role.
func New(templates Templates, overrides Overrides, assignments Assignments, cache *permcache.Cache, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		templates:   templates,
		overrides:   overrides,
		assignments: assignments,
		cache:       cache,
		opts:        opts,
		logger:      logger,
	}
}

// Resolve returns the effective permissions of userID holding role, optionally
// scoped to projectID. A storage failure is returned as an error wrapping
// rbac.ErrStoreUnavailable or rbac.ErrTimeout; it never degrades to an empty
// set.
func (r *Resolver) Resolve(ctx context.Context, userID string, role rbac.Role, projectID string) (rbac.EffectivePermissionSet, error) {
	userID = strings.TrimSpace(userID)
	projectID = strings.TrimSpace(projectID)
	if userID == "" {
		return rbac.EffectivePermissionSet{}, rbac.Invalid("user_id", "required")
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if r.cache == nil {
		set, err := r.compute(ctx, userID, role, projectID)
		return set, r.classify(err)
	}

	var set rbac.EffectivePermissionSet
	key := permcache.Key(permcache.OpEffective,
		permcache.P("user", userID),
		permcache.P("role", role.String()),
		permcache.P("project", projectID))
	err := r.cache.FetchJSON(ctx, key, &set, func(ctx context.Context) (any, error) {
		return r.compute(ctx, userID, role, projectID)
	})
	if err != nil {
		return rbac.EffectivePermissionSet{}, r.classify(err)
	}
	return set, nil
}

// ResolveForUser resolves with the role the user holds in the project, or their
// account role when the project has no assignment.
func (r *Resolver) ResolveForUser(ctx context.Context, userID, projectID string) (rbac.EffectivePermissionSet, error) {
	role, err := r.RoleOf(ctx, userID, projectID)
	if err != nil {
		return rbac.EffectivePermissionSet{}, err
	}
	return r.Resolve(ctx, userID, role, projectID)
}

// RoleOf returns the role userID holds in projectID, falling back to the
// account role. A user without any assignment has the empty role.
func (r *Resolver) RoleOf(ctx context.Context, userID, projectID string) (rbac.Role, error) {
	if r.assignments == nil {
		return "", nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if projectID = strings.TrimSpace(projectID); projectID != "" {
		role, err := r.assignments.ProjectRole(ctx, projectID, userID)
		switch {
		case err == nil:
			return role, nil
		case !rbac.IsNotFound(err):
			return "", r.classify(err)
		}
	}
	role, err := r.assignments.UserRole(ctx, userID)
	switch {
	case err == nil:
		return role, nil
	case rbac.IsNotFound(err):
		return "", nil
	default:
		return "", r.classify(err)
	}
}

func (r *Resolver) compute(ctx context.Context, userID string, role rbac.Role, projectID string) (rbac.EffectivePermissionSet, error) {
	override, found, err := r.lookupOverride(ctx, userID, projectID)
	if err != nil {
		return rbac.EffectivePermissionSet{}, err
	}
	if found && !override.InheritRole {
		return rbac.EffectivePermissionSet{Permissions: override.Permissions.Normalize(), Source: rbac.SourceUser}, nil
	}

	tpl, hasTemplate, err := r.lookupTemplate(ctx, role)
	if err != nil {
		return rbac.EffectivePermissionSet{}, err
	}
	switch {
	case found:
		perms := override.Permissions
		if hasTemplate {
			perms = tpl.Permissions.Union(override.Permissions)
		}
		return rbac.EffectivePermissionSet{Permissions: perms.Normalize(), Source: rbac.SourceUser}, nil
	case hasTemplate:
		return rbac.EffectivePermissionSet{Permissions: tpl.Permissions.Normalize(), Source: rbac.SourceRole}, nil
	default:
		return rbac.EffectivePermissionSet{Permissions: rbac.EmptyPermissions(), Source: rbac.SourceDefault}, nil
	}
}

func (r *Resolver) lookupOverride(ctx context.Context, userID, projectID string) (rbac.UserPermission, bool, error) {
	row, err := r.overrides.Get(ctx, rbac.ProjectKey(userID, projectID))
	switch {
	case err == nil:
		return row, true, nil
	case !rbac.IsNotFound(err):
		return rbac.UserPermission{}, false, err
	case projectID == "" || !r.opts.GlobalFallback:
		return rbac.UserPermission{}, false, nil
	}

	row, err = r.overrides.Get(ctx, rbac.GlobalKey(userID))
	switch {
	case err == nil:
		return row, true, nil
	case rbac.IsNotFound(err):
		return rbac.UserPermission{}, false, nil
	default:
		return rbac.UserPermission{}, false, err
	}
}

func (r *Resolver) lookupTemplate(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, bool, error) {
	if role == "" {
		return rbac.RoleTemplate{}, false, nil
	}
	tpl, err := r.templates.Get(ctx, role)
	switch {
	case err == nil:
		return tpl, true, nil
	case rbac.IsNotFound(err):
		return rbac.RoleTemplate{}, false, nil
	default:
		return rbac.RoleTemplate{}, false, err
	}
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func (r *Resolver) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rbac.ErrValidation) {
		return err
	}
	err = rbac.ClassifyStoreError("resolve", err)
	r.logger.Warn("permission resolution failed", slog.Any("error", err))
	return err
}
