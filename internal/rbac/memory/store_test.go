package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/realtime"
)

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newStore(opts ...Option) *Store {
	opts = append([]Option{WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))}, opts...)
	return New(opts...)
}

func project(id string) *string { return &id }

func TestUpsertTemplateConflictActions(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	viewer, _ := rbac.DefaultTemplate(rbac.RoleViewer)

	created, written, err := s.UpsertTemplate(ctx, viewer, rbac.ConflictDoNothing)
	require.NoError(t, err)
	assert.True(t, written)

	custom := viewer
	custom.Permissions = rbac.Permissions{Menu: []string{"reports"}}
	kept, written, err := s.UpsertTemplate(ctx, custom, rbac.ConflictDoNothing)
	require.NoError(t, err)
	assert.False(t, written)
	assert.True(t, kept.Permissions.Equal(viewer.Permissions))

	updated, written, err := s.UpsertTemplate(ctx, custom, rbac.ConflictUpdate)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, []string{"reports"}, updated.Permissions.Menu)
	assert.Equal(t, []string{}, updated.Permissions.Function)

	all, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReturnedRowsDoNotAlias(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.UpsertOverride(ctx, rbac.UserPermission{UserID: "u1", Permissions: rbac.Permissions{Menu: []string{"a"}}})
	require.NoError(t, err)

	rows, err := s.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	rows[0].Permissions.Menu[0] = "mutated"

	rows, err = s.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rows[0].Permissions.Menu)
}

func TestUpsertOverrideKeepsGlobalAndProjectDistinct(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.UpsertOverride(ctx, rbac.UserPermission{UserID: "u1", Permissions: rbac.Permissions{Menu: []string{"global"}}})
	require.NoError(t, err)
	_, err = s.UpsertOverride(ctx, rbac.UserPermission{UserID: "u1", ProjectID: project("p1"), Permissions: rbac.Permissions{Menu: []string{"p1"}}})
	require.NoError(t, err)
	_, err = s.UpsertOverride(ctx, rbac.UserPermission{UserID: "u1", ProjectID: project(""), Permissions: rbac.Permissions{Menu: []string{"global2"}}})
	require.NoError(t, err)

	global, err := s.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, []string{"global2"}, global[0].Permissions.Menu)

	scoped, err := s.ListOverrides(ctx, rbac.ProjectKey("u1", "p1"))
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, []string{"p1"}, scoped[0].Permissions.Menu)
}

func TestConcurrentUpsertsProduceOneRow(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertOverride(ctx, rbac.UserPermission{UserID: "u1", Permissions: rbac.Permissions{Function: []string{"edit"}}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := s.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDeleteOverridesOlderThanKeepsNewer(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 100, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)

	older := s.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: t1, Permissions: rbac.Permissions{Menu: []string{"a"}}})
	newer := s.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: t2, Permissions: rbac.Permissions{Menu: []string{"b"}}})

	n, err := s.DeleteOverridesOlderThan(ctx, older)
	require.NoError(t, err)
	assert.Zero(t, n, "a stale keep must never delete a newer row")

	n, err = s.DeleteOverridesOlderThan(ctx, newer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := s.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, newer.ID, rows[0].ID)
}

func TestDeleteRoleReassignsAndPublishes(t *testing.T) {
	broker := realtime.NewBroker("memory", 32)
	ctx := context.Background()
	sub, err := broker.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	s := newStore(WithPublisher(broker))
	viewer, _ := rbac.DefaultTemplate(rbac.RoleViewer)
	_, _, err = s.UpsertTemplate(ctx, viewer, rbac.ConflictDoNothing)
	require.NoError(t, err)
	_, _, err = s.UpsertTemplate(ctx, rbac.RoleTemplate{Role: "auditor", DisplayName: "Auditor"}, rbac.ConflictDoNothing)
	require.NoError(t, err)
	require.NoError(t, s.AssignUserRole(ctx, "u1", "auditor"))
	require.NoError(t, s.AssignUserRole(ctx, "u2", rbac.RoleViewer))
	require.NoError(t, s.AssignProjectRole(ctx, "p1", "u2", "auditor"))

	n, err := s.CountUsersWithRole(ctx, "auditor")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	result, err := s.DeleteRole(ctx, "auditor", rbac.RoleViewer, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, result.ReassignedUsers)
	assert.EqualValues(t, 1, result.RemovedAssignments)

	role, err := s.UserRole(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, role)
	_, err = s.ProjectRole(ctx, "p1", "u2")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	_, err = s.GetTemplate(ctx, "auditor")
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	tables := map[string]int{}
	for i := 0; i < 8; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		tables[ev.Table]++
	}
	assert.Equal(t, 3, tables[realtime.TableRoleTemplates])
	assert.Equal(t, 3, tables[realtime.TableUserRoles])
	assert.Equal(t, 2, tables[realtime.TableProjectRoles])
}

func TestDeleteRoleRejectsSystemTemplates(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	for _, tpl := range rbac.DefaultTemplates() {
		_, _, err := s.UpsertTemplate(ctx, tpl, rbac.ConflictDoNothing)
		require.NoError(t, err)
	}
	_, err := s.DeleteRole(ctx, rbac.RoleOperator, rbac.RoleViewer, true)
	assert.ErrorIs(t, err, rbac.ErrSystemRole)

	_, err = s.DeleteRole(ctx, "ghost", rbac.RoleViewer, true)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestCancelledContextIsClassified(t *testing.T) {
	s := newStore()
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := s.GetTemplate(ctx, rbac.RoleViewer)
	assert.ErrorIs(t, err, rbac.ErrTimeout)
}

func TestUpsertTemplateUpdatePermissionsKeepsMetadata(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, _, err := s.UpsertTemplate(ctx, rbac.RoleTemplate{Role: "auditor", DisplayName: "Audit Team", Color: "#112233"}, rbac.ConflictUpdate)
	require.NoError(t, err)

	stale := rbac.RoleTemplate{Role: "auditor", DisplayName: "Auditor", Permissions: rbac.Permissions{Menu: []string{"reports"}}}
	saved, written, err := s.UpsertTemplate(ctx, stale, rbac.ConflictUpdatePermissions)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "Audit Team", saved.DisplayName)
	assert.Equal(t, "#112233", saved.Color)
	assert.Equal(t, []string{"reports"}, saved.Permissions.Menu)

	created, written, err := s.UpsertTemplate(ctx, rbac.RoleTemplate{Role: "dispatcher", DisplayName: "Dispatcher"}, rbac.ConflictUpdatePermissions)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "Dispatcher", created.DisplayName)
}

func TestDeleteRoleUnconfirmedLeavesHoldersInPlace(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	viewer, _ := rbac.DefaultTemplate(rbac.RoleViewer)
	_, _, err := s.UpsertTemplate(ctx, viewer, rbac.ConflictDoNothing)
	require.NoError(t, err)
	_, _, err = s.UpsertTemplate(ctx, rbac.RoleTemplate{Role: "auditor", DisplayName: "Auditor"}, rbac.ConflictDoNothing)
	require.NoError(t, err)
	require.NoError(t, s.AssignUserRole(ctx, "late", "auditor"))

	_, err = s.DeleteRole(ctx, "auditor", rbac.RoleViewer, false)
	var confirm *rbac.ConfirmationError
	require.ErrorAs(t, err, &confirm)
	assert.EqualValues(t, 1, confirm.AffectedUsers)

	role, err := s.UserRole(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, rbac.Role("auditor"), role)
	_, err = s.GetTemplate(ctx, "auditor")
	assert.NoError(t, err)
}
