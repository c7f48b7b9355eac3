// Package memory is an in-process rbac.Store. Every write is applied under a
// single lock, which gives it the same conflict-target semantics as the SQL
// store, and committed writes are published as change events.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/realtime"
)

// Option customises a Store.
type Option func(*Store)

// WithPublisher publishes committed writes as change events.
func WithPublisher(p realtime.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type projectUser struct {
	projectID string
	userID    string
}

// Store keeps templates, overrides and role assignments in memory.
type Store struct {
	mu           sync.RWMutex
	templates    map[rbac.Role]rbac.RoleTemplate
	overrides    []rbac.UserPermission
	userRoles    map[string]rbac.Role
	projectRoles map[projectUser]rbac.Role
	nextID       int64

	now       func() time.Time
	publisher realtime.Publisher
	logger    *slog.Logger
}

var _ rbac.Store = (*Store)(nil)

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		templates:    make(map[rbac.Role]rbac.RoleTemplate),
		userRoles:    make(map[string]rbac.Role),
		projectRoles: make(map[projectUser]rbac.Role),
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) publish(ctx context.Context, events ...realtime.Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			s.logger.Warn("memory store: publish change", slog.String("table", ev.Table), slog.Any("error", err))
		}
	}
}

func check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return rbac.ClassifyStoreError(op, err)
	}
	return nil
}

// GetTemplate implements rbac.TemplateStore.
func (s *Store) GetTemplate(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error) {
	if err := check(ctx, "get template"); err != nil {
		return rbac.RoleTemplate{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[role]
	if !ok {
		return rbac.RoleTemplate{}, rbac.ErrNotFound
	}
	return cloneTemplate(tpl), nil
}

// ListTemplates implements rbac.TemplateStore.
func (s *Store) ListTemplates(ctx context.Context) ([]rbac.RoleTemplate, error) {
	if err := check(ctx, "list templates"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]rbac.RoleTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, cloneTemplate(tpl))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

// UpsertTemplate implements rbac.TemplateStore.
func (s *Store) UpsertTemplate(ctx context.Context, tpl rbac.RoleTemplate, onConflict rbac.ConflictAction) (rbac.RoleTemplate, bool, error) {
	if err := check(ctx, "upsert template"); err != nil {
		return rbac.RoleTemplate{}, false, err
	}
	s.mu.Lock()
	now := s.stamp()
	existing, ok := s.templates[tpl.Role]
	if ok && onConflict == rbac.ConflictDoNothing {
		s.mu.Unlock()
		return cloneTemplate(existing), false, nil
	}
	op := realtime.OpInsert
	row := cloneTemplate(tpl)
	if ok {
		op = realtime.OpUpdate
		row.ID = existing.ID
		row.IsSystem = existing.IsSystem
		row.CreatedAt = existing.CreatedAt
		if onConflict == rbac.ConflictUpdatePermissions {
			row.DisplayName, row.Description, row.Color = existing.DisplayName, existing.Description, existing.Color
		}
	} else {
		row.ID = s.id()
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.templates[row.Role] = row
	s.mu.Unlock()

	s.publish(ctx, templateEvent(op, row.Role))
	return cloneTemplate(row), true, nil
}

// DeleteRole implements rbac.TemplateStore.
func (s *Store) DeleteRole(ctx context.Context, role, fallback rbac.Role, confirm bool) (rbac.RoleDeletion, error) {
	if err := check(ctx, "delete role"); err != nil {
		return rbac.RoleDeletion{}, err
	}
	s.mu.Lock()
	tpl, ok := s.templates[role]
	if !ok {
		s.mu.Unlock()
		return rbac.RoleDeletion{}, rbac.ErrNotFound
	}
	if tpl.IsSystem {
		s.mu.Unlock()
		return rbac.RoleDeletion{}, rbac.ErrSystemRole
	}
	if _, ok := s.templates[fallback]; !ok || fallback == role {
		s.mu.Unlock()
		return rbac.RoleDeletion{}, rbac.Invalid("fallback", "fallback role has no template")
	}
	if !confirm {
		var holders int64
		for _, r := range s.userRoles {
			if r == role {
				holders++
			}
		}
		if holders > 0 {
			s.mu.Unlock()
			return rbac.RoleDeletion{}, &rbac.ConfirmationError{Role: role, AffectedUsers: holders}
		}
	}

	result := rbac.RoleDeletion{Role: role, Fallback: fallback, ReassignedUsers: []string{}}
	var events []realtime.Event
	for user, r := range s.userRoles {
		if r == role {
			s.userRoles[user] = fallback
			result.ReassignedUsers = append(result.ReassignedUsers, user)
			events = append(events, userEvent(realtime.TableUserRoles, realtime.OpUpdate, user, nil))
		}
	}
	for key, r := range s.projectRoles {
		if r == role {
			delete(s.projectRoles, key)
			result.RemovedAssignments++
			project := key.projectID
			events = append(events, userEvent(realtime.TableProjectRoles, realtime.OpDelete, key.userID, &project))
		}
	}
	delete(s.templates, role)
	s.mu.Unlock()

	sort.Strings(result.ReassignedUsers)
	events = append(events, templateEvent(realtime.OpDelete, role))
	s.publish(ctx, events...)
	return result, nil
}

// ListOverrides implements rbac.OverrideStore.
func (s *Store) ListOverrides(ctx context.Context, key rbac.OverrideKey) ([]rbac.UserPermission, error) {
	if err := check(ctx, "list overrides"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.UserPermission
	for _, row := range s.overrides {
		if row.Key().Equal(key) {
			out = append(out, cloneOverride(row))
		}
	}
	rbac.SortNewestFirst(out)
	return out, nil
}

// ListAllOverrides implements rbac.OverrideStore.
func (s *Store) ListAllOverrides(ctx context.Context) ([]rbac.UserPermission, error) {
	if err := check(ctx, "list all overrides"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]rbac.UserPermission, 0, len(s.overrides))
	for _, row := range s.overrides {
		out = append(out, cloneOverride(row))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Key().Project() < out[j].Key().Project()
	})
	return out, nil
}

// UpsertOverride implements rbac.OverrideStore. When legacy duplicates exist the
// newest row for the key is the one updated.
func (s *Store) UpsertOverride(ctx context.Context, row rbac.UserPermission) (rbac.UserPermission, error) {
	if err := check(ctx, "upsert override"); err != nil {
		return rbac.UserPermission{}, err
	}
	s.mu.Lock()
	now := s.stamp()
	stored := cloneOverride(row)
	key := stored.Key()
	target := -1
	for i, existing := range s.overrides {
		if !existing.Key().Equal(key) {
			continue
		}
		if target < 0 || existing.NewerThan(s.overrides[target]) {
			target = i
		}
	}
	op := realtime.OpInsert
	if target >= 0 {
		op = realtime.OpUpdate
		prev := s.overrides[target]
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
		stored.CreatedBy = prev.CreatedBy
		stored.UpdatedAt = now
		s.overrides[target] = stored
	} else {
		stored.ID = s.id()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.overrides = append(s.overrides, stored)
	}
	s.mu.Unlock()

	s.publish(ctx, userEvent(realtime.TableUserPermissions, op, stored.UserID, stored.ProjectID))
	return cloneOverride(stored), nil
}

// AppendOverride stores row as a new record without applying the conflict
// target, reproducing duplicates left behind by older writers. Zero timestamps
// are stamped with the store clock.
func (s *Store) AppendOverride(row rbac.UserPermission) rbac.UserPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneOverride(row)
	stored.ID = s.id()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.stamp()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.overrides = append(s.overrides, stored)
	return cloneOverride(stored)
}

// DeleteOverride implements rbac.OverrideStore.
func (s *Store) DeleteOverride(ctx context.Context, key rbac.OverrideKey) (int64, error) {
	if err := check(ctx, "delete override"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	removed := s.removeOverrides(func(row rbac.UserPermission) bool {
		return row.Key().Equal(key)
	})
	s.mu.Unlock()
	if removed > 0 {
		s.publish(ctx, userEvent(realtime.TableUserPermissions, realtime.OpDelete, key.UserID, key.ProjectID))
	}
	return removed, nil
}

// DeleteOverridesOlderThan implements rbac.OverrideStore.
func (s *Store) DeleteOverridesOlderThan(ctx context.Context, keep rbac.UserPermission) (int64, error) {
	if err := check(ctx, "dedup overrides"); err != nil {
		return 0, err
	}
	key := keep.Key()
	s.mu.Lock()
	removed := s.removeOverrides(func(row rbac.UserPermission) bool {
		return row.Key().Equal(key) && keep.NewerThan(row)
	})
	s.mu.Unlock()
	if removed > 0 {
		s.publish(ctx, userEvent(realtime.TableUserPermissions, realtime.OpDelete, key.UserID, key.ProjectID))
	}
	return removed, nil
}

func (s *Store) removeOverrides(match func(rbac.UserPermission) bool) int64 {
	kept := s.overrides[:0]
	var removed int64
	for _, row := range s.overrides {
		if match(row) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.overrides = kept
	return removed
}

// UserRole implements rbac.AssignmentStore.
func (s *Store) UserRole(ctx context.Context, userID string) (rbac.Role, error) {
	if err := check(ctx, "get user role"); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.userRoles[userID]
	if !ok {
		return "", rbac.ErrNotFound
	}
	return role, nil
}

// ProjectRole implements rbac.AssignmentStore.
func (s *Store) ProjectRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	if err := check(ctx, "get project role"); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.projectRoles[projectUser{projectID: projectID, userID: userID}]
	if !ok {
		return "", rbac.ErrNotFound
	}
	return role, nil
}

// AssignUserRole implements rbac.AssignmentStore.
func (s *Store) AssignUserRole(ctx context.Context, userID string, role rbac.Role) error {
	if err := check(ctx, "assign user role"); err != nil {
		return err
	}
	s.mu.Lock()
	_, existed := s.userRoles[userID]
	s.userRoles[userID] = role
	s.mu.Unlock()
	op := realtime.OpInsert
	if existed {
		op = realtime.OpUpdate
	}
	s.publish(ctx, userEvent(realtime.TableUserRoles, op, userID, nil))
	return nil
}

// AssignProjectRole implements rbac.AssignmentStore.
func (s *Store) AssignProjectRole(ctx context.Context, projectID, userID string, role rbac.Role) error {
	if err := check(ctx, "assign project role"); err != nil {
		return err
	}
	if strings.TrimSpace(projectID) == "" {
		return rbac.Invalid("project_id", "required")
	}
	key := projectUser{projectID: projectID, userID: userID}
	s.mu.Lock()
	_, existed := s.projectRoles[key]
	s.projectRoles[key] = role
	s.mu.Unlock()
	op := realtime.OpInsert
	if existed {
		op = realtime.OpUpdate
	}
	s.publish(ctx, userEvent(realtime.TableProjectRoles, op, userID, &projectID))
	return nil
}

// CountUsersWithRole implements rbac.AssignmentStore.
func (s *Store) CountUsersWithRole(ctx context.Context, role rbac.Role) (int64, error) {
	if err := check(ctx, "count users"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.userRoles {
		if r == role {
			n++
		}
	}
	return n, nil
}

func templateEvent(op realtime.Operation, role rbac.Role) realtime.Event {
	ev := realtime.NewEvent(realtime.TableRoleTemplates, op)
	ev.Role = role.String()
	return ev
}

func userEvent(table string, op realtime.Operation, userID string, projectID *string) realtime.Event {
	ev := realtime.NewEvent(table, op)
	ev.UserID = userID
	ev.ProjectID = cloneString(projectID)
	return ev
}

func cloneTemplate(t rbac.RoleTemplate) rbac.RoleTemplate {
	t.Permissions = t.Permissions.Normalize()
	return t
}

func cloneOverride(u rbac.UserPermission) rbac.UserPermission {
	u.ProjectID = cloneString(u.ProjectID)
	if u.ProjectID != nil && *u.ProjectID == "" {
		u.ProjectID = nil
	}
	u.Permissions = u.Permissions.Normalize()
	u.Settings = u.Settings.Clone()
	return u
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
