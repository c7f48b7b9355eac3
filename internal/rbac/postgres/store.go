// Package postgres implements rbac.Store on PostgreSQL. Uniqueness of templates
// and override scopes is enforced by the database conflict targets; change
// notifications are emitted by triggers and consumed with LISTEN.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/permissions/internal/platform/db"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store is the PostgreSQL backed permission store.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

var _ rbac.Store = (*Store)(nil)

// New constructs a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

const templateColumns = `id, role, display_name, description, color,
	menu_permissions, function_permissions, project_permissions, data_permissions,
	is_system, created_at, updated_at`

const overrideColumns = `id, user_id, project_id,
	menu_permissions, function_permissions, project_permissions, data_permissions,
	inherit_role, custom_settings, created_by, created_at, updated_at`

func scanTemplate(row pgx.Row) (rbac.RoleTemplate, error) {
	var t rbac.RoleTemplate
	var role string
	err := row.Scan(&t.ID, &role, &t.DisplayName, &t.Description, &t.Color,
		&t.Permissions.Menu, &t.Permissions.Function, &t.Permissions.Project, &t.Permissions.Data,
		&t.IsSystem, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return rbac.RoleTemplate{}, err
	}
	t.Role = rbac.Role(role)
	t.Permissions = t.Permissions.Normalize()
	return t, nil
}

func scanOverride(row pgx.Row) (rbac.UserPermission, error) {
	var u rbac.UserPermission
	var settings []byte
	err := row.Scan(&u.ID, &u.UserID, &u.ProjectID,
		&u.Permissions.Menu, &u.Permissions.Function, &u.Permissions.Project, &u.Permissions.Data,
		&u.InheritRole, &settings, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return rbac.UserPermission{}, err
	}
	u.Permissions = u.Permissions.Normalize()
	if u.Settings, err = rbac.DecodeSettings(settings); err != nil {
		return rbac.UserPermission{}, err
	}
	return u, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.ErrNotFound
	}
	return err
}

// GetTemplate implements rbac.TemplateStore.
func (s *Store) GetTemplate(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error) {
	tpl, err := scanTemplate(s.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM role_templates WHERE role = $1`, role.String()))
	if err != nil {
		return rbac.RoleTemplate{}, rbac.ClassifyStoreError("get template", notFound(err))
	}
	return tpl, nil
}

// ListTemplates implements rbac.TemplateStore.
func (s *Store) ListTemplates(ctx context.Context) ([]rbac.RoleTemplate, error) {
	rows, err := s.db.Query(ctx, `SELECT `+templateColumns+` FROM role_templates ORDER BY role`)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list templates", err)
	}
	out, err := collect(rows, scanTemplate)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list templates", err)
	}
	return out, nil
}

// UpsertTemplate implements rbac.TemplateStore. is_system is only set on insert.
func (s *Store) UpsertTemplate(ctx context.Context, tpl rbac.RoleTemplate, onConflict rbac.ConflictAction) (rbac.RoleTemplate, bool, error) {
	p := tpl.Permissions.Normalize()
	conflict := `ON CONFLICT (role) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		description = EXCLUDED.description,
		color = EXCLUDED.color,
		menu_permissions = EXCLUDED.menu_permissions,
		function_permissions = EXCLUDED.function_permissions,
		project_permissions = EXCLUDED.project_permissions,
		data_permissions = EXCLUDED.data_permissions,
		updated_at = clock_timestamp()`
	switch onConflict {
	case rbac.ConflictDoNothing:
		conflict = `ON CONFLICT (role) DO NOTHING`
	case rbac.ConflictUpdatePermissions:
		conflict = `ON CONFLICT (role) DO UPDATE SET
		menu_permissions = EXCLUDED.menu_permissions,
		function_permissions = EXCLUDED.function_permissions,
		project_permissions = EXCLUDED.project_permissions,
		data_permissions = EXCLUDED.data_permissions,
		updated_at = clock_timestamp()`
	}
	query := `INSERT INTO role_templates (role, display_name, description, color,
		menu_permissions, function_permissions, project_permissions, data_permissions, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ` + conflict + ` RETURNING ` + templateColumns

	row, err := scanTemplate(s.db.QueryRow(ctx, query, tpl.Role.String(), tpl.DisplayName, tpl.Description, tpl.Color,
		p.Menu, p.Function, p.Project, p.Data, tpl.IsSystem))
	if errors.Is(err, pgx.ErrNoRows) && onConflict == rbac.ConflictDoNothing {
		existing, gerr := s.GetTemplate(ctx, tpl.Role)
		return existing, false, gerr
	}
	if err != nil {
		return rbac.RoleTemplate{}, false, rbac.ClassifyStoreError("upsert template", err)
	}
	return row, true, nil
}

// DeleteRole implements rbac.TemplateStore inside one transaction. The
// confirmation check uses the rows the reassignment actually touched, so a user
// assigned after the caller's count still needs confirmation.
func (s *Store) DeleteRole(ctx context.Context, role, fallback rbac.Role, confirm bool) (rbac.RoleDeletion, error) {
	result := rbac.RoleDeletion{Role: role, Fallback: fallback, ReassignedUsers: []string{}}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var isSystem bool
		if err := tx.QueryRow(ctx, `SELECT is_system FROM role_templates WHERE role = $1 FOR UPDATE`, role.String()).Scan(&isSystem); err != nil {
			return notFound(err)
		}
		if isSystem {
			return rbac.ErrSystemRole
		}
		var fallbackExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM role_templates WHERE role = $1)`, fallback.String()).Scan(&fallbackExists); err != nil {
			return err
		}
		if !fallbackExists || fallback == role {
			return rbac.Invalid("fallback", "fallback role has no template")
		}

		rows, err := tx.Query(ctx, `UPDATE user_roles SET role = $2, updated_at = clock_timestamp()
			WHERE role = $1 RETURNING user_id`, role.String(), fallback.String())
		if err != nil {
			return err
		}
		users, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(users) > 0 && !confirm {
			return &rbac.ConfirmationError{Role: role, AffectedUsers: int64(len(users))}
		}
		result.ReassignedUsers = append(result.ReassignedUsers, users...)

		tag, err := tx.Exec(ctx, `DELETE FROM project_role_assignments WHERE role = $1`, role.String())
		if err != nil {
			return err
		}
		result.RemovedAssignments = tag.RowsAffected()

		_, err = tx.Exec(ctx, `DELETE FROM role_templates WHERE role = $1`, role.String())
		return err
	})
	if err != nil {
		return rbac.RoleDeletion{}, rbac.ClassifyStoreError("delete role", err)
	}
	sort.Strings(result.ReassignedUsers)
	return result, nil
}

// ListOverrides implements rbac.OverrideStore.
func (s *Store) ListOverrides(ctx context.Context, key rbac.OverrideKey) ([]rbac.UserPermission, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+` FROM user_permissions
		WHERE user_id = $1 AND project_id IS NOT DISTINCT FROM $2::text
		ORDER BY created_at DESC, id DESC`, key.UserID, key.ProjectID)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list overrides", err)
	}
	out, err := collect(rows, scanOverride)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list overrides", err)
	}
	return out, nil
}

// ListAllOverrides implements rbac.OverrideStore.
func (s *Store) ListAllOverrides(ctx context.Context) ([]rbac.UserPermission, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+` FROM user_permissions
		ORDER BY user_id, COALESCE(project_id, ''), created_at DESC, id DESC`)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list all overrides", err)
	}
	out, err := collect(rows, scanOverride)
	if err != nil {
		return nil, rbac.ClassifyStoreError("list all overrides", err)
	}
	return out, nil
}

// UpsertOverride implements rbac.OverrideStore on the scope unique index.
func (s *Store) UpsertOverride(ctx context.Context, row rbac.UserPermission) (rbac.UserPermission, error) {
	p := row.Permissions.Normalize()
	projectID := row.ProjectID
	if projectID != nil && *projectID == "" {
		projectID = nil
	}
	settings, err := json.Marshal(row.Settings.Normalized())
	if err != nil {
		return rbac.UserPermission{}, err
	}
	stored, err := scanOverride(s.db.QueryRow(ctx, `INSERT INTO user_permissions (user_id, project_id,
		menu_permissions, function_permissions, project_permissions, data_permissions,
		inherit_role, custom_settings, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, (COALESCE(project_id, ''))) DO UPDATE SET
			menu_permissions = EXCLUDED.menu_permissions,
			function_permissions = EXCLUDED.function_permissions,
			project_permissions = EXCLUDED.project_permissions,
			data_permissions = EXCLUDED.data_permissions,
			inherit_role = EXCLUDED.inherit_role,
			custom_settings = EXCLUDED.custom_settings,
			updated_at = clock_timestamp()
		RETURNING `+overrideColumns,
		row.UserID, projectID, p.Menu, p.Function, p.Project, p.Data,
		row.InheritRole, settings, row.CreatedBy))
	if err != nil {
		return rbac.UserPermission{}, rbac.ClassifyStoreError("upsert override", err)
	}
	return stored, nil
}

// DeleteOverride implements rbac.OverrideStore.
func (s *Store) DeleteOverride(ctx context.Context, key rbac.OverrideKey) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_permissions
		WHERE user_id = $1 AND project_id IS NOT DISTINCT FROM $2::text`, key.UserID, key.ProjectID)
	if err != nil {
		return 0, rbac.ClassifyStoreError("delete override", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOverridesOlderThan implements rbac.OverrideStore.
func (s *Store) DeleteOverridesOlderThan(ctx context.Context, keep rbac.UserPermission) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_permissions
		WHERE user_id = $1 AND project_id IS NOT DISTINCT FROM $2::text
		  AND (created_at, id) < ($3::timestamptz, $4::bigint)`, keep.UserID, keep.ProjectID, keep.CreatedAt, keep.ID)
	if err != nil {
		return 0, rbac.ClassifyStoreError("dedup overrides", err)
	}
	return tag.RowsAffected(), nil
}

// UserRole implements rbac.AssignmentStore.
func (s *Store) UserRole(ctx context.Context, userID string) (rbac.Role, error) {
	var role string
	if err := s.db.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role); err != nil {
		return "", rbac.ClassifyStoreError("get user role", notFound(err))
	}
	return rbac.Role(role), nil
}

// ProjectRole implements rbac.AssignmentStore.
func (s *Store) ProjectRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	var role string
	err := s.db.QueryRow(ctx, `SELECT role FROM project_role_assignments WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if err != nil {
		return "", rbac.ClassifyStoreError("get project role", notFound(err))
	}
	return rbac.Role(role), nil
}

// AssignUserRole implements rbac.AssignmentStore.
func (s *Store) AssignUserRole(ctx context.Context, userID string, role rbac.Role) error {
	_, err := s.db.Exec(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = clock_timestamp()`,
		userID, role.String())
	return rbac.ClassifyStoreError("assign user role", err)
}

// AssignProjectRole implements rbac.AssignmentStore.
func (s *Store) AssignProjectRole(ctx context.Context, projectID, userID string, role rbac.Role) error {
	if projectID == "" {
		return rbac.Invalid("project_id", "required")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO project_role_assignments (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		projectID, userID, role.String())
	return rbac.ClassifyStoreError("assign project role", err)
}

// CountUsersWithRole implements rbac.AssignmentStore.
func (s *Store) CountUsersWithRole(ctx context.Context, role rbac.Role) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role = $1`, role.String()).Scan(&n); err != nil {
		return 0, rbac.ClassifyStoreError("count users", err)
	}
	return n, nil
}
