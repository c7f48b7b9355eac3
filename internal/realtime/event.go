package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tables that emit row-level change events.
const (
	TableRoleTemplates    = "role_templates"
	TableUserPermissions  = "user_permissions"
	TableUserRoles        = "user_roles"
	TableProjectRoles     = "project_role_assignments"
	DefaultRefreshChannel = "rbac:refresh"
)

// Operation is the kind of change an event reports.
type Operation string

const (
	OpInsert  Operation = "INSERT"
	OpUpdate  Operation = "UPDATE"
	OpDelete  Operation = "DELETE"
	OpRefresh Operation = "REFRESH"
)

// Event is the payload delivered to subscribers. Key fields are optional and
// depend on the table.
type Event struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	UserID    string    `json:"user_id,omitempty"`
	ProjectID *string   `json:"project_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(table string, op Operation) Event {
	return Event{ID: uuid.NewString(), Table: table, Operation: op, Timestamp: time.Now().UTC()}
}

// RefreshEvent builds a broadcast refresh signal. Empty scope fields mean
// everything.
func RefreshEvent(userID, role string) Event {
	ev := NewEvent("", OpRefresh)
	ev.UserID = userID
	ev.Role = role
	return ev
}

// IsRefresh reports whether the event is a broadcast refresh signal.
func (e Event) IsRefresh() bool {
	return e.Operation == OpRefresh
}

// Validate rejects events the invalidator cannot scope.
func (e Event) Validate() error {
	switch e.Operation {
	case OpInsert, OpUpdate, OpDelete:
		if e.Table == "" {
			return errors.New("realtime: event without table")
		}
	case OpRefresh:
	default:
		return fmt.Errorf("realtime: unknown operation %q", e.Operation)
	}
	return nil
}

// Decode parses a JSON event payload.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if ev.ProjectID != nil && *ev.ProjectID == "" {
		ev.ProjectID = nil
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

// Encode serialises an event.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
