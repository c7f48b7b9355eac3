package rbachttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/rbac/memory"
	"github.com/odyssey-erp/permissions/internal/realtime"
	"github.com/odyssey-erp/permissions/internal/resolver"
	"github.com/odyssey-erp/permissions/internal/templates"
)

type recordingBroadcaster struct {
	events []realtime.Event
	err    error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, ev realtime.Event) error {
	b.events = append(b.events, ev)
	return b.err
}

type server struct {
	router      http.Handler
	store       *memory.Store
	cache       *permcache.Cache
	broadcaster *recordingBroadcaster
}

func newServer(t *testing.T, guarded bool) *server {
	t.Helper()
	store := memory.New()
	cache, err := permcache.New(permcache.Config{})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	reg := templates.NewRegistry(store, cache, templates.Options{})
	_, err = reg.Seed(context.Background())
	require.NoError(t, err)
	ovr := overrides.NewService(store, cache, nil)
	res := resolver.New(reg, ovr, store, cache, resolver.Options{GlobalFallback: true})
	bc := &recordingBroadcaster{}

	h := NewHandler(Deps{
		Resolver:    res,
		Templates:   reg,
		Overrides:   ovr,
		Dedup:       overrides.NewDeduplicator(store, cache, nil),
		Invalidator: realtime.NewInvalidator(cache, nil, nil),
		Broadcaster: bc,
		Guard:       Guard{Resolver: res, Enabled: guarded},
	})
	r := chi.NewRouter()
	h.MountRoutes(r)
	return &server{router: r, store: store, cache: cache, broadcaster: bc}
}

func (s *server) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type effectiveBody struct {
	UserID   string   `json:"user_id"`
	Role     string   `json:"role"`
	Menu     []string `json:"menu"`
	Function []string `json:"function"`
	Source   string   `json:"source"`
}

func TestGetPermissionsWithExplicitRole(t *testing.T) {
	s := newServer(t, false)
	rec := s.do(t, http.MethodGet, "/v1/users/u1/permissions?role=viewer", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[effectiveBody](t, rec)
	assert.Equal(t, "u1", body.UserID)
	assert.Equal(t, "viewer", body.Role)
	assert.Equal(t, "role", body.Source)
	assert.Equal(t, []string{"dashboard"}, body.Menu)
}

func TestGetPermissionsRejectsMalformedRole(t *testing.T) {
	s := newServer(t, false)
	rec := s.do(t, http.MethodGet, "/v1/users/u1/permissions?role=Not%20A%20Role", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOverrideLifecycle(t *testing.T) {
	s := newServer(t, false)
	require.NoError(t, s.store.AssignUserRole(context.Background(), "u1", rbac.RoleOperator))

	rec := s.do(t, http.MethodGet, "/v1/users/u1/effective", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "role", decode[effectiveBody](t, rec).Source)

	rec = s.do(t, http.MethodPut, "/v1/users/u1/overrides?project=p1",
		`{"permissions":{"function":["approve"]},"inherit_role":false,"custom_settings":{"version":1,"values":{"theme":"dark"}}}`,
		ActorHeader, "admin-7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	row := decode[rbac.UserPermission](t, rec)
	assert.Equal(t, "admin-7", row.CreatedBy)
	require.NotNil(t, row.ProjectID)
	assert.Equal(t, "p1", *row.ProjectID)

	rec = s.do(t, http.MethodGet, "/v1/users/u1/effective?project=p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[effectiveBody](t, rec)
	assert.Equal(t, "user", body.Source)
	assert.Equal(t, []string{"approve"}, body.Function)

	rec = s.do(t, http.MethodGet, "/v1/overrides", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]rbac.UserPermission](t, rec)
	assert.Len(t, list["overrides"], 1)

	rec = s.do(t, http.MethodDelete, "/v1/users/u1/overrides?project=p1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/v1/users/u1/overrides?project=p1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/users/u1/effective?project=p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "role", decode[effectiveBody](t, rec).Source)
}

func TestPutOverrideRejectsBadPayloads(t *testing.T) {
	s := newServer(t, false)

	rec := s.do(t, http.MethodPut, "/v1/users/u1/overrides", `{"permissions":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/users/u1/overrides", `{"unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/users/u1/overrides", `{"custom_settings":{"version":9}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestTemplateEndpoints(t *testing.T) {
	s := newServer(t, false)

	rec := s.do(t, http.MethodGet, "/v1/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string][]rbac.RoleTemplate](t, rec)
	assert.Len(t, all["templates"], len(rbac.BuiltInRoles()))

	rec = s.do(t, http.MethodPut, "/v1/templates/operator", `{"permissions":{"menu":["reports"]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tpl := decode[rbac.RoleTemplate](t, rec)
	assert.Equal(t, []string{"reports"}, tpl.Permissions.Menu)
	assert.Empty(t, tpl.Permissions.Function)

	rec = s.do(t, http.MethodPost, "/v1/templates/operator/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	def, _ := rbac.DefaultTemplate(rbac.RoleOperator)
	assert.True(t, decode[rbac.RoleTemplate](t, rec).Permissions.Equal(def.Permissions))

	rec = s.do(t, http.MethodPost, "/v1/templates/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/templates/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoleLifecycleRequiresConfirmation(t *testing.T) {
	s := newServer(t, false)

	rec := s.do(t, http.MethodPost, "/v1/roles", `{"role":"auditor","meta":{"display_name":"Auditor"},"permissions":{"menu":["reports"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/v1/roles", `{"role":"auditor"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, s.store.AssignUserRole(context.Background(), "u1", "auditor"))

	rec = s.do(t, http.MethodDelete, "/v1/roles/auditor", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	problem := decode[map[string]any](t, rec)
	extra, ok := problem["extra"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, extra["affected_users"])

	rec = s.do(t, http.MethodDelete, "/v1/roles/auditor?confirm=maybe", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/roles/auditor?confirm=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[rbac.RoleDeletion](t, rec)
	assert.Equal(t, []string{"u1"}, result.ReassignedUsers)

	rec = s.do(t, http.MethodDelete, "/v1/roles/admin?confirm=true", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDedupEndpoint(t *testing.T) {
	s := newServer(t, false)
	s.store.AppendOverride(rbac.UserPermission{UserID: "u1"})
	s.store.AppendOverride(rbac.UserPermission{UserID: "u1"})

	rec := s.do(t, http.MethodPost, "/v1/maintenance/dedup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[overrides.Report](t, rec)
	assert.EqualValues(t, 1, report.Deleted)
	assert.Equal(t, []string{"u1@global"}, report.Keys)
}

func TestCacheRefreshInvalidatesAndBroadcasts(t *testing.T) {
	s := newServer(t, false)
	rec := s.do(t, http.MethodGet, "/v1/users/u1/permissions?role=viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/users/u2/permissions?role=viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.GreaterOrEqual(t, s.cache.Len(), 2)

	before := s.cache.Len()
	rec = s.do(t, http.MethodPost, "/v1/cache/refresh", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before-1, s.cache.Len())
	require.Len(t, s.broadcaster.events, 1)
	assert.Equal(t, "u1", s.broadcaster.events[0].UserID)

	s.broadcaster.err = errors.New("redis down")
	rec = s.do(t, http.MethodPost, "/v1/cache/refresh", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, s.cache.Len())
	assert.Equal(t, false, decode[map[string]any](t, rec)["broadcast"])
}

func TestGuardDeniesWithoutAdminMenu(t *testing.T) {
	s := newServer(t, true)
	ctx := context.Background()
	require.NoError(t, s.store.AssignUserRole(ctx, "root", rbac.RoleAdmin))
	require.NoError(t, s.store.AssignUserRole(ctx, "bob", rbac.RoleViewer))

	rec := s.do(t, http.MethodGet, "/v1/templates", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/templates", "", ActorHeader, "bob")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/templates", "", ActorHeader, "root")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/users/bob/effective", "")
	assert.Equal(t, http.StatusOK, rec.Code, "permission queries are not guarded")
}

type failingResolver struct{ err error }

func (f failingResolver) ResolveForUser(context.Context, string, string) (rbac.EffectivePermissionSet, error) {
	return rbac.EffectivePermissionSet{}, f.err
}

func TestGuardFailsClosedOnStoreErrors(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
	}{
		{err: &rbac.StoreError{Op: "resolve", Kind: rbac.ErrStoreUnavailable, Err: errors.New("down")}, status: http.StatusServiceUnavailable},
		{err: &rbac.StoreError{Op: "resolve", Kind: rbac.ErrTimeout, Err: context.DeadlineExceeded}, status: http.StatusGatewayTimeout},
	} {
		g := Guard{Resolver: failingResolver{err: tc.err}, Enabled: true}
		called := false
		h := g.RequireAny(rbac.CategoryMenu, rbac.MenuSettings)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(ActorHeader, "root")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code)
		assert.False(t, called)
	}
}

func TestGuardRequireAll(t *testing.T) {
	granted := rbac.Permissions{Function: []string{"edit", "view"}}
	assert.True(t, allowed(granted, rbac.CategoryFunction, []string{"view", "edit"}, true))
	assert.False(t, allowed(granted, rbac.CategoryFunction, []string{"view", "approve"}, true))
	assert.True(t, allowed(granted, rbac.CategoryFunction, []string{"approve", "view"}, false))
	assert.False(t, allowed(granted, rbac.CategoryFunction, []string{"approve"}, false))
}

func TestNotifierStatusWithoutNotifier(t *testing.T) {
	s := newServer(t, false)
	rec := s.do(t, http.MethodGet, "/v1/notifier/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["healthy"])
}
