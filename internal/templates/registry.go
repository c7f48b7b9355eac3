// Package templates owns role templates: default seeding, full-replace edits,
// reset to system defaults and the custom role lifecycle.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// Store is the persistence the registry needs.
type Store interface {
	rbac.TemplateStore
}

// Options configures a Registry.
type Options struct {
	FallbackRole rbac.Role
	Logger       *slog.Logger
}

// Registry serves role templates through the shared cache.
type Registry struct {
	store    Store
	cache    *permcache.Cache
	fallback rbac.Role
	logger   *slog.Logger
}

// UpsertInput replaces the permission sets of a role. Meta is optional; when
// nil the stored presentation attributes are kept.
type UpsertInput struct {
	Role        string             `json:"-"`
	Meta        *rbac.TemplateMeta `json:"meta,omitempty"`
	Permissions rbac.Permissions   `json:"permissions"`
}

// CreateRoleInput registers a new custom role.
type CreateRoleInput struct {
	Role        string            `json:"role" validate:"required,rolekey"`
	Meta        rbac.TemplateMeta `json:"meta"`
	Permissions rbac.Permissions  `json:"permissions"`
}

// NewRegistry constructs a registry. cache may be nil.
func NewRegistry(store Store, cache *permcache.Cache, opts Options) *Registry {
	if opts.FallbackRole == "" {
		opts.FallbackRole = rbac.RoleViewer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{store: store, cache: cache, fallback: opts.FallbackRole, logger: opts.Logger}
}

// FallbackRole returns the role users are moved to when their role is deleted.
func (r *Registry) FallbackRole() rbac.Role {
	return r.fallback
}

// Get returns the template of role.
func (r *Registry) Get(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error) {
	if r.cache == nil {
		return r.store.GetTemplate(ctx, role)
	}
	var tpl rbac.RoleTemplate
	key := permcache.Key(permcache.OpTemplate, permcache.P("role", role.String()))
	err := r.cache.FetchJSON(ctx, key, &tpl, func(ctx context.Context) (any, error) {
		return r.store.GetTemplate(ctx, role)
	})
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	return tpl, nil
}

// GetAll returns every template ordered by role.
func (r *Registry) GetAll(ctx context.Context) ([]rbac.RoleTemplate, error) {
	if r.cache == nil {
		return r.store.ListTemplates(ctx)
	}
	var all []rbac.RoleTemplate
	err := r.cache.FetchJSON(ctx, permcache.Key(permcache.OpTemplateList), &all, func(ctx context.Context) (any, error) {
		return r.store.ListTemplates(ctx)
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Upsert replaces all four permission sets of a role. Keys absent from the
// input are removed; nothing is merged.
func (r *Registry) Upsert(ctx context.Context, in UpsertInput) (rbac.RoleTemplate, error) {
	role, err := rbac.ParseRole(in.Role)
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	if err := rbac.ValidatePermissions(in.Permissions); err != nil {
		return rbac.RoleTemplate{}, err
	}
	if in.Meta != nil {
		if err := rbac.ValidateStruct(in.Meta); err != nil {
			return rbac.RoleTemplate{}, err
		}
	}

	// One statement: metadata of a stored row is only written when supplied.
	tpl := r.blank(role)
	action := rbac.ConflictUpdatePermissions
	if in.Meta != nil {
		tpl.DisplayName, tpl.Description, tpl.Color = in.Meta.DisplayName, in.Meta.Description, in.Meta.Color
		action = rbac.ConflictUpdate
	}
	tpl.Permissions = in.Permissions.Normalize()

	saved, _, err := r.store.UpsertTemplate(ctx, tpl, action)
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	r.invalidateRole(role)
	r.logger.Info("role template updated", slog.String("role", role.String()))
	return saved, nil
}

func (r *Registry) blank(role rbac.Role) rbac.RoleTemplate {
	if def, ok := rbac.DefaultTemplate(role); ok {
		return def
	}
	return rbac.RoleTemplate{Role: role, DisplayName: displayName(role)}
}

// ResetToDefault restores the system default of a built-in role. Calling it
// repeatedly yields the same template.
func (r *Registry) ResetToDefault(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error) {
	def, ok := rbac.DefaultTemplate(role)
	if !ok {
		return rbac.RoleTemplate{}, rbac.Invalid("role", fmt.Sprintf("%s has no system default", role))
	}
	saved, _, err := r.store.UpsertTemplate(ctx, def, rbac.ConflictUpdate)
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	r.invalidateRole(role)
	r.logger.Info("role template reset", slog.String("role", role.String()))
	return saved, nil
}

// ResetAllToDefault resets every built-in role concurrently.
func (r *Registry) ResetAllToDefault(ctx context.Context) ([]rbac.RoleTemplate, error) {
	roles := rbac.BuiltInRoles()
	out := make([]rbac.RoleTemplate, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			tpl, err := r.ResetToDefault(gctx, role)
			if err != nil {
				return fmt.Errorf("reset %s: %w", role, err)
			}
			out[i] = tpl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Seed inserts the default of every built-in role that has no template yet and
// never touches existing rows. It returns how many templates were created.
func (r *Registry) Seed(ctx context.Context) (int, error) {
	defaults := rbac.DefaultTemplates()
	written := make([]bool, len(defaults))
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range defaults {
		g.Go(func() error {
			_, ok, err := r.store.UpsertTemplate(gctx, def, rbac.ConflictDoNothing)
			if err != nil {
				return fmt.Errorf("seed %s: %w", def.Role, err)
			}
			written[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	created := 0
	for i, ok := range written {
		if ok {
			created++
			r.invalidateRole(defaults[i].Role)
		}
	}
	r.logger.Info("role templates seeded", slog.Int("created", created))
	return created, nil
}

// CreateRole registers a custom role with its template. Existing keys are
// rejected with rbac.ErrConflict.
func (r *Registry) CreateRole(ctx context.Context, in CreateRoleInput) (rbac.RoleTemplate, error) {
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	if strings.TrimSpace(in.Meta.DisplayName) == "" {
		in.Meta.DisplayName = displayName(rbac.Role(in.Role))
	}
	if err := rbac.ValidateStruct(in); err != nil {
		return rbac.RoleTemplate{}, err
	}
	if err := rbac.ValidatePermissions(in.Permissions); err != nil {
		return rbac.RoleTemplate{}, err
	}
	role := rbac.Role(in.Role)
	if role.IsBuiltIn() {
		return rbac.RoleTemplate{}, fmt.Errorf("role %s is built in: %w", role, rbac.ErrConflict)
	}

	saved, written, err := r.store.UpsertTemplate(ctx, rbac.RoleTemplate{
		Role:        role,
		DisplayName: in.Meta.DisplayName,
		Description: in.Meta.Description,
		Color:       in.Meta.Color,
		Permissions: in.Permissions.Normalize(),
	}, rbac.ConflictDoNothing)
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	if !written {
		return rbac.RoleTemplate{}, fmt.Errorf("role %s already exists: %w", role, rbac.ErrConflict)
	}
	r.invalidateRole(role)
	r.logger.Info("custom role created", slog.String("role", role.String()))
	return saved, nil
}

// DeleteRole removes a custom role. When users still hold the role the caller
// must confirm; they are then moved to the fallback role in the same
// transaction that deletes the template. The store checks the confirmation
// against the holders it reassigns.
func (r *Registry) DeleteRole(ctx context.Context, raw string, confirm bool) (rbac.RoleDeletion, error) {
	role, err := rbac.ParseRole(raw)
	if err != nil {
		return rbac.RoleDeletion{}, err
	}
	if role.IsBuiltIn() {
		return rbac.RoleDeletion{}, rbac.ErrSystemRole
	}
	if role == r.fallback {
		return rbac.RoleDeletion{}, rbac.Invalid("role", "cannot delete the fallback role")
	}
	result, err := r.store.DeleteRole(ctx, role, r.fallback, confirm)
	if err != nil {
		return rbac.RoleDeletion{}, err
	}
	r.invalidateRole(role)
	if r.cache != nil {
		for _, user := range result.ReassignedUsers {
			r.cache.Invalidate(permcache.UserTag(user))
		}
	}
	if len(result.ReassignedUsers) > 0 {
		r.logger.Warn("users reassigned after role deletion",
			slog.String("role", role.String()),
			slog.String("fallback", r.fallback.String()),
			slog.Int("users", len(result.ReassignedUsers)),
			slog.Int64("project_assignments_removed", result.RemovedAssignments))
	}
	r.logger.Info("custom role deleted", slog.String("role", role.String()))
	return result, nil
}

func (r *Registry) invalidateRole(role rbac.Role) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(permcache.RoleTag(role.String()))
	r.cache.Invalidate(permcache.OpTag(permcache.OpTemplateList))
}

func displayName(role rbac.Role) string {
	parts := strings.Split(role.String(), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}
