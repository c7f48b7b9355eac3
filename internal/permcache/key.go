package permcache

import (
	"net/url"
	"sort"
	"strings"
)

// Operation names used as key prefixes.
const (
	OpEffective    = "effective"
	OpTemplate     = "template.get"
	OpTemplateList = "template.list"
	OpUserRole     = "user.role"
)

// Param is one named call parameter of a cache key.
type Param struct {
	Name  string
	Value string
}

// P builds a Param.
func P(name, value string) Param {
	return Param{Name: name, Value: value}
}

// Key encodes an operation and its parameters deterministically: parameters are
// sorted by name and every segment is terminated by '|', so identical calls map
// to the same slot regardless of argument order.
func Key(op string, params ...Param) string {
	sorted := make([]Param, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(op)
	b.WriteByte('|')
	for _, p := range sorted {
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
		b.WriteByte('|')
	}
	return b.String()
}

// Tag returns the substring that matches every key carrying the parameter.
func Tag(name, value string) string {
	return "|" + name + "=" + url.QueryEscape(value) + "|"
}

// OpTag matches every key of an operation.
func OpTag(op string) string {
	return op + "|"
}

// UserTag matches every key scoped to the user.
func UserTag(userID string) string {
	return Tag("user", userID)
}

// RoleTag matches every key scoped to the role.
func RoleTag(role string) string {
	return Tag("role", role)
}

// ProjectTag matches every key scoped to the project.
func ProjectTag(projectID string) string {
	return Tag("project", projectID)
}
