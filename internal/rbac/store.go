package rbac

import "context"

// ConflictAction selects what an upsert does when the conflict key already exists.
type ConflictAction int

const (
	// ConflictUpdate replaces the existing row.
	ConflictUpdate ConflictAction = iota
	// ConflictDoNothing keeps the existing row untouched.
	ConflictDoNothing
	// ConflictUpdatePermissions replaces only the four permission sets of an
	// existing row; metadata is kept as stored.
	ConflictUpdatePermissions
)

// RoleDeletion summarises a cascaded custom role removal.
type RoleDeletion struct {
	Role               Role     `json:"role"`
	Fallback           Role     `json:"fallback"`
	ReassignedUsers    []string `json:"reassigned_users"`
	RemovedAssignments int64    `json:"removed_assignments"`
}

// TemplateStore persists role templates keyed by role.
type TemplateStore interface {
	GetTemplate(ctx context.Context, role Role) (RoleTemplate, error)
	ListTemplates(ctx context.Context) ([]RoleTemplate, error)
	// UpsertTemplate writes atomically on the role conflict target and reports
	// whether a row was written.
	UpsertTemplate(ctx context.Context, tpl RoleTemplate, onConflict ConflictAction) (RoleTemplate, bool, error)
	// DeleteRole reassigns users of role to fallback, removes per-project
	// assignments referencing role and deletes the template, all atomically.
	// System templates are rejected with ErrSystemRole. Without confirm, a role
	// still held by users is left untouched and *ConfirmationError is returned.
	DeleteRole(ctx context.Context, role, fallback Role, confirm bool) (RoleDeletion, error)
}

// OverrideStore persists user overrides keyed by (user, project|global).
type OverrideStore interface {
	// ListOverrides returns every row stored for the key, duplicates included.
	ListOverrides(ctx context.Context, key OverrideKey) ([]UserPermission, error)
	ListAllOverrides(ctx context.Context) ([]UserPermission, error)
	// UpsertOverride writes atomically on the composite conflict target.
	UpsertOverride(ctx context.Context, row UserPermission) (UserPermission, error)
	DeleteOverride(ctx context.Context, key OverrideKey) (int64, error)
	// DeleteOverridesOlderThan removes rows of keep's key that are strictly older
	// than keep.
	DeleteOverridesOlderThan(ctx context.Context, keep UserPermission) (int64, error)
}

// AssignmentStore persists which role each user holds.
type AssignmentStore interface {
	UserRole(ctx context.Context, userID string) (Role, error)
	// ProjectRole returns the role a user holds inside one project, if assigned.
	ProjectRole(ctx context.Context, projectID, userID string) (Role, error)
	AssignUserRole(ctx context.Context, userID string, role Role) error
	AssignProjectRole(ctx context.Context, projectID, userID string, role Role) error
	CountUsersWithRole(ctx context.Context, role Role) (int64, error)
}

// Store is the full Permission Store consumed by the engine.
type Store interface {
	TemplateStore
	OverrideStore
	AssignmentStore
}
