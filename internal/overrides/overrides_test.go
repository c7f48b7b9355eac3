package overrides

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/rbac/memory"
)

func setup(t *testing.T) (*Service, *Deduplicator, *memory.Store, *permcache.Cache) {
	t.Helper()
	store := memory.New()
	cache, err := permcache.New(permcache.Config{})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	return NewService(store, cache, nil), NewDeduplicator(store, cache, nil), store, cache
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestUpsertNormalizesProjectAndValidates(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	row, err := svc.Upsert(ctx, UpsertInput{UserID: " u1 ", ProjectID: "  ", Permissions: rbac.Permissions{Menu: []string{"finance", "finance"}}, CreatedBy: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", row.UserID)
	assert.Nil(t, row.ProjectID)
	assert.Equal(t, []string{"finance"}, row.Permissions.Menu)
	assert.Equal(t, "admin-1", row.CreatedBy)

	_, err = svc.Upsert(ctx, UpsertInput{ProjectID: "p1"})
	assert.ErrorIs(t, err, rbac.ErrValidation)

	got, err := svc.Get(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)

	_, err = svc.Get(ctx, rbac.ProjectKey("u1", "p1"))
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestUpsertTwiceKeepsOneRow(t *testing.T) {
	svc, _, store, _ := setup(t)
	ctx := context.Background()
	in := UpsertInput{UserID: "u1", ProjectID: "p1", Permissions: rbac.Permissions{Function: []string{"edit"}}}

	first, err := svc.Upsert(ctx, in)
	require.NoError(t, err)
	second, err := svc.Upsert(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rows, err := store.ListOverrides(ctx, rbac.ProjectKey("u1", "p1"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUpsertInvalidatesUserEntries(t *testing.T) {
	svc, _, _, cache := setup(t)
	ctx := context.Background()
	userKey := permcache.Key(permcache.OpEffective, permcache.P("user", "u1"), permcache.P("project", "p1"))
	otherKey := permcache.Key(permcache.OpEffective, permcache.P("user", "u2"))
	require.NoError(t, cache.Set(userKey, "stale", 0))
	require.NoError(t, cache.Set(otherKey, "kept", 0))

	_, err := svc.Upsert(ctx, UpsertInput{UserID: "u1"})
	require.NoError(t, err)

	var v string
	ok, _ := cache.Get(userKey, &v)
	assert.False(t, ok)
	ok, _ = cache.Get(otherKey, &v)
	assert.True(t, ok)
}

func TestGetMergesDuplicatesByNewest(t *testing.T) {
	svc, dedup, store, _ := setup(t)
	ctx := context.Background()
	p := "p1"
	store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, Permissions: rbac.Permissions{Menu: []string{"a"}}, CreatedAt: at(100)})
	newest := store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, Permissions: rbac.Permissions{Menu: []string{"b"}}, CreatedAt: at(105)})

	before, err := svc.Get(ctx, rbac.ProjectKey("u1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, newest.ID, before.ID)
	assert.Equal(t, []string{"b"}, before.Permissions.Menu)

	report, err := dedup.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Deleted)

	after, err := svc.Get(ctx, rbac.ProjectKey("u1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDeduplicatorKeepsNewestPerScope(t *testing.T) {
	_, dedup, store, _ := setup(t)
	ctx := context.Background()
	p := "p1"
	store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(10)})
	globalKeep := store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(20)})
	store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, CreatedAt: at(5)})
	store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, CreatedAt: at(6)})
	projectKeep := store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, CreatedAt: at(7)})
	single := store.AppendOverride(rbac.UserPermission{UserID: "u2", CreatedAt: at(1)})

	report, err := dedup.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Scanned)
	assert.Equal(t, 2, report.Groups)
	assert.EqualValues(t, 3, report.Deleted)
	assert.Equal(t, []string{"u1@global", "u1@p1"}, report.Keys)

	all, err := store.ListAllOverrides(ctx)
	require.NoError(t, err)
	ids := make([]int64, 0, len(all))
	for _, row := range all {
		ids = append(ids, row.ID)
	}
	assert.ElementsMatch(t, []int64{globalKeep.ID, projectKeep.ID, single.ID}, ids)

	again, err := dedup.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Deleted)
	assert.Zero(t, again.Groups)
	assert.Empty(t, again.Keys)
}

func TestDeduplicatorKeepsRowsWrittenAfterTheScan(t *testing.T) {
	_, _, store, _ := setup(t)
	ctx := context.Background()
	old := store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(100)})
	keep := store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(105)})
	late := store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(110)})

	// keep was the newest when the scan ran; late arrived afterwards.
	n, err := store.DeleteOverridesOlderThan(ctx, keep)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := store.ListOverrides(ctx, rbac.GlobalKey("u1"))
	require.NoError(t, err)
	ids := []int64{}
	for _, row := range rows {
		ids = append(ids, row.ID)
		assert.NotEqual(t, old.ID, row.ID)
	}
	assert.ElementsMatch(t, []int64{keep.ID, late.ID}, ids)
}

func TestDeleteRemovesAllRowsOfKey(t *testing.T) {
	svc, _, store, _ := setup(t)
	ctx := context.Background()
	store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(1)})
	store.AppendOverride(rbac.UserPermission{UserID: "u1", CreatedAt: at(2)})
	p := "p1"
	store.AppendOverride(rbac.UserPermission{UserID: "u1", ProjectID: &p, CreatedAt: at(3)})

	require.NoError(t, svc.Delete(ctx, rbac.GlobalKey("u1")))
	assert.ErrorIs(t, svc.Delete(ctx, rbac.GlobalKey("u1")), rbac.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, rbac.GlobalKey("")), rbac.ErrValidation)

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p1", all[0].Key().Project())
}
