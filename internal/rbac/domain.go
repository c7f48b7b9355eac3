package rbac

import (
	"sort"
	"strings"
	"time"
)

// Role is the coarse-grained classification that drives default permissions.
type Role string

// Built-in roles seeded at first boot.
const (
	RoleAdmin    Role = "admin"
	RoleFinance  Role = "finance"
	RoleBusiness Role = "business"
	RoleOperator Role = "operator"
	RolePartner  Role = "partner"
	RoleViewer   Role = "viewer"
)

var builtInRoles = []Role{RoleAdmin, RoleFinance, RoleBusiness, RoleOperator, RolePartner, RoleViewer}

// BuiltInRoles returns the immutable set of system roles in display order.
func BuiltInRoles() []Role {
	out := make([]Role, len(builtInRoles))
	copy(out, builtInRoles)
	return out
}

// IsBuiltIn reports whether the role belongs to the system set.
func (r Role) IsBuiltIn() bool {
	for _, b := range builtInRoles {
		if b == r {
			return true
		}
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// Category groups permission keys. Categories are resolved independently.
type Category string

const (
	CategoryMenu     Category = "menu"
	CategoryFunction Category = "function"
	CategoryProject  Category = "project"
	CategoryData     Category = "data"
)

// Categories lists every permission category.
func Categories() []Category {
	return []Category{CategoryMenu, CategoryFunction, CategoryProject, CategoryData}
}

// Permissions holds the four flat key sets.
type Permissions struct {
	Menu     []string `json:"menu"`
	Function []string `json:"function"`
	Project  []string `json:"project"`
	Data     []string `json:"data"`
}

// EmptyPermissions returns four empty, non-nil sets.
func EmptyPermissions() Permissions {
	return Permissions{Menu: []string{}, Function: []string{}, Project: []string{}, Data: []string{}}
}

// Get returns the keys of one category.
func (p Permissions) Get(c Category) []string {
	switch c {
	case CategoryMenu:
		return p.Menu
	case CategoryFunction:
		return p.Function
	case CategoryProject:
		return p.Project
	case CategoryData:
		return p.Data
	default:
		return nil
	}
}

// Has reports whether key is granted in the category.
func (p Permissions) Has(c Category, key string) bool {
	key = strings.TrimSpace(key)
	for _, k := range p.Get(c) {
		if k == key {
			return true
		}
	}
	return false
}

// Normalize trims, deduplicates and sorts every category. Nil sets become empty.
func (p Permissions) Normalize() Permissions {
	return Permissions{
		Menu:     normalizeKeys(p.Menu),
		Function: normalizeKeys(p.Function),
		Project:  normalizeKeys(p.Project),
		Data:     normalizeKeys(p.Data),
	}
}

// Union merges two permission sets category by category.
func (p Permissions) Union(o Permissions) Permissions {
	return Permissions{
		Menu:     normalizeKeys(append(append([]string{}, p.Menu...), o.Menu...)),
		Function: normalizeKeys(append(append([]string{}, p.Function...), o.Function...)),
		Project:  normalizeKeys(append(append([]string{}, p.Project...), o.Project...)),
		Data:     normalizeKeys(append(append([]string{}, p.Data...), o.Data...)),
	}
}

// Equal compares normalized contents.
func (p Permissions) Equal(o Permissions) bool {
	a, b := p.Normalize(), o.Normalize()
	for _, c := range Categories() {
		x, y := a.Get(c), b.Get(c)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	}
	return true
}

// IsEmpty reports whether no key is granted in any category.
func (p Permissions) IsEmpty() bool {
	return len(p.Menu) == 0 && len(p.Function) == 0 && len(p.Project) == 0 && len(p.Data) == 0
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TemplateMeta carries presentation attributes of a role template.
type TemplateMeta struct {
	DisplayName string `json:"display_name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=512"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
}

// RoleTemplate is the default permission bundle of a role.
type RoleTemplate struct {
	ID          int64       `json:"id"`
	Role        Role        `json:"role"`
	DisplayName string      `json:"display_name"`
	Description string      `json:"description"`
	Color       string      `json:"color"`
	Permissions Permissions `json:"permissions"`
	IsSystem    bool        `json:"is_system"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Meta returns the presentation attributes.
func (t RoleTemplate) Meta() TemplateMeta {
	return TemplateMeta{DisplayName: t.DisplayName, Description: t.Description, Color: t.Color}
}

// OverrideKey identifies the scope of a user override. A nil ProjectID is the
// global scope and is distinct from every project.
type OverrideKey struct {
	UserID    string
	ProjectID *string
}

// GlobalKey builds the global-scope key for a user.
func GlobalKey(userID string) OverrideKey {
	return OverrideKey{UserID: userID}
}

// ProjectKey builds a project-scope key. An empty project yields the global key.
func ProjectKey(userID, projectID string) OverrideKey {
	if strings.TrimSpace(projectID) == "" {
		return GlobalKey(userID)
	}
	p := projectID
	return OverrideKey{UserID: userID, ProjectID: &p}
}

// IsGlobal reports whether the key addresses the global scope.
func (k OverrideKey) IsGlobal() bool {
	return k.ProjectID == nil
}

// Project returns the project id or "" for the global scope.
func (k OverrideKey) Project() string {
	if k.ProjectID == nil {
		return ""
	}
	return *k.ProjectID
}

// Equal compares two keys, treating nil projects as equal only to each other.
func (k OverrideKey) Equal(o OverrideKey) bool {
	if k.UserID != o.UserID {
		return false
	}
	if k.ProjectID == nil || o.ProjectID == nil {
		return k.ProjectID == nil && o.ProjectID == nil
	}
	return *k.ProjectID == *o.ProjectID
}

func (k OverrideKey) String() string {
	if k.ProjectID == nil {
		return k.UserID + "@global"
	}
	return k.UserID + "@" + *k.ProjectID
}

// UserPermission is a per-user override, optionally scoped to a project.
type UserPermission struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	ProjectID   *string     `json:"project_id"`
	Permissions Permissions `json:"permissions"`
	InheritRole bool        `json:"inherit_role"`
	Settings    Settings    `json:"custom_settings"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Key returns the composite key of the row.
func (u UserPermission) Key() OverrideKey {
	return OverrideKey{UserID: u.UserID, ProjectID: u.ProjectID}
}

// NewerThan orders rows by creation time descending, then by id descending.
func (u UserPermission) NewerThan(o UserPermission) bool {
	if !u.CreatedAt.Equal(o.CreatedAt) {
		return u.CreatedAt.After(o.CreatedAt)
	}
	return u.ID > o.ID
}

// Newest picks the most recent row. It reports false for an empty slice.
func Newest(rows []UserPermission) (UserPermission, bool) {
	if len(rows) == 0 {
		return UserPermission{}, false
	}
	best := rows[0]
	for _, r := range rows[1:] {
		if r.NewerThan(best) {
			best = r
		}
	}
	return best, true
}

// SortNewestFirst sorts rows in place with the most recent row first.
func SortNewestFirst(rows []UserPermission) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].NewerThan(rows[j])
	})
}

// Source attributes an effective permission set to where it came from.
type Source string

const (
	SourceUser    Source = "user"
	SourceRole    Source = "role"
	SourceDefault Source = "default"
)

// EffectivePermissionSet is the resolved result for one (user, project) query.
type EffectivePermissionSet struct {
	Permissions
	Source Source `json:"source"`
}
