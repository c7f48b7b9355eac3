// Package overrides manages per-user permission overrides scoped to a project or
// the global scope, and the job that collapses duplicate rows.
package overrides

import (
	"context"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// UpsertInput writes the override for (UserID, ProjectID). An empty ProjectID
// addresses the global scope.
type UpsertInput struct {
	UserID      string           `json:"user_id" validate:"required,max=128"`
	ProjectID   string           `json:"project_id" validate:"max=128"`
	Permissions rbac.Permissions `json:"permissions"`
	InheritRole bool             `json:"inherit_role"`
	Settings    rbac.Settings    `json:"custom_settings"`
	CreatedBy   string           `json:"-"`
}

// Service reads and writes overrides.
type Service struct {
	store  rbac.OverrideStore
	cache  *permcache.Cache
	logger *slog.Logger
}

// NewService constructs a service. cache may be nil.
func NewService(store rbac.OverrideStore, cache *permcache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

// Get returns the effective override for the key. Duplicate rows are merged on
// read by picking the newest; the batch deduplicator removes them. It returns
// rbac.ErrNotFound when the key has no row.
func (s *Service) Get(ctx context.Context, key rbac.OverrideKey) (rbac.UserPermission, error) {
	rows, err := s.store.ListOverrides(ctx, key)
	if err != nil {
		return rbac.UserPermission{}, err
	}
	row, ok := rbac.Newest(rows)
	if !ok {
		return rbac.UserPermission{}, rbac.ErrNotFound
	}
	if len(rows) > 1 {
		s.logger.Debug("duplicate overrides merged on read", slog.String("key", key.String()), slog.Int("rows", len(rows)))
	}
	return row, nil
}

// Upsert writes the override atomically on its scope key.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (rbac.UserPermission, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	if err := rbac.ValidateStruct(in); err != nil {
		return rbac.UserPermission{}, err
	}
	if err := rbac.ValidatePermissions(in.Permissions); err != nil {
		return rbac.UserPermission{}, err
	}
	settings := in.Settings.Normalized()
	if err := settings.Validate(); err != nil {
		return rbac.UserPermission{}, err
	}

	key := rbac.ProjectKey(in.UserID, in.ProjectID)
	row, err := s.store.UpsertOverride(ctx, rbac.UserPermission{
		UserID:      key.UserID,
		ProjectID:   key.ProjectID,
		Permissions: in.Permissions.Normalize(),
		InheritRole: in.InheritRole,
		Settings:    settings,
		CreatedBy:   in.CreatedBy,
	})
	if err != nil {
		return rbac.UserPermission{}, err
	}
	s.invalidate(key.UserID)
	s.logger.Info("user override saved",
		slog.String("key", key.String()),
		slog.Bool("inherit_role", in.InheritRole),
		slog.String("created_by", in.CreatedBy))
	return row, nil
}

// Delete removes every row of the key so the user falls back to the role
// template. It returns rbac.ErrNotFound when nothing was stored.
func (s *Service) Delete(ctx context.Context, key rbac.OverrideKey) error {
	if strings.TrimSpace(key.UserID) == "" {
		return rbac.Invalid("user_id", "required")
	}
	n, err := s.store.DeleteOverride(ctx, key)
	if err != nil {
		return err
	}
	s.invalidate(key.UserID)
	if n == 0 {
		return rbac.ErrNotFound
	}
	s.logger.Info("user override deleted", slog.String("key", key.String()), slog.Int64("rows", n))
	return nil
}

// ListAll returns every stored row, duplicates included.
func (s *Service) ListAll(ctx context.Context) ([]rbac.UserPermission, error) {
	return s.store.ListAllOverrides(ctx)
}

func (s *Service) invalidate(userID string) {
	if s.cache != nil {
		s.cache.Invalidate(permcache.UserTag(userID))
	}
}
