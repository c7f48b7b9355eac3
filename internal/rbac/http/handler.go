// Package rbachttp exposes the permission engine over JSON HTTP.
package rbachttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/permissions/internal/overrides"
	"github.com/odyssey-erp/permissions/internal/platform/httpx"
	"github.com/odyssey-erp/permissions/internal/rbac"
	"github.com/odyssey-erp/permissions/internal/realtime"
	"github.com/odyssey-erp/permissions/internal/templates"
)

type resolverService interface {
	ActorResolver
	Resolve(ctx context.Context, userID string, role rbac.Role, projectID string) (rbac.EffectivePermissionSet, error)
	RoleOf(ctx context.Context, userID, projectID string) (rbac.Role, error)
}

type templateService interface {
	Get(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error)
	GetAll(ctx context.Context) ([]rbac.RoleTemplate, error)
	Upsert(ctx context.Context, in templates.UpsertInput) (rbac.RoleTemplate, error)
	ResetToDefault(ctx context.Context, role rbac.Role) (rbac.RoleTemplate, error)
	ResetAllToDefault(ctx context.Context) ([]rbac.RoleTemplate, error)
	CreateRole(ctx context.Context, in templates.CreateRoleInput) (rbac.RoleTemplate, error)
	DeleteRole(ctx context.Context, role string, confirm bool) (rbac.RoleDeletion, error)
}

type overrideService interface {
	Get(ctx context.Context, key rbac.OverrideKey) (rbac.UserPermission, error)
	Upsert(ctx context.Context, in overrides.UpsertInput) (rbac.UserPermission, error)
	Delete(ctx context.Context, key rbac.OverrideKey) error
	ListAll(ctx context.Context) ([]rbac.UserPermission, error)
}

type deduplicator interface {
	Run(ctx context.Context) (overrides.Report, error)
}

type invalidator interface {
	Apply(ev realtime.Event) int
}

type statusReporter interface {
	Status() []realtime.Snapshot
	Healthy() bool
	Reconnect()
}

// Deps groups the collaborators of Handler. Broadcaster and Notifier are
// optional.
type Deps struct {
	Logger      *slog.Logger
	Resolver    resolverService
	Templates   templateService
	Overrides   overrideService
	Dedup       deduplicator
	Invalidator invalidator
	Broadcaster realtime.Broadcaster
	Notifier    statusReporter
	Guard       Guard
}

// Handler serves the permission API.
type Handler struct {
	logger      *slog.Logger
	resolver    resolverService
	templates   templateService
	overrides   overrideService
	dedup       deduplicator
	invalidator invalidator
	broadcaster realtime.Broadcaster
	notifier    statusReporter
	guard       Guard
}

// NewHandler constructs the permission API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Guard.Logger == nil {
		deps.Guard.Logger = logger
	}
	return &Handler{
		logger:      logger,
		resolver:    deps.Resolver,
		templates:   deps.Templates,
		overrides:   deps.Overrides,
		dedup:       deps.Dedup,
		invalidator: deps.Invalidator,
		broadcaster: deps.Broadcaster,
		notifier:    deps.Notifier,
		guard:       deps.Guard,
	}
}

type effectiveResponse struct {
	UserID    string    `json:"user_id"`
	Role      rbac.Role `json:"role,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	rbac.EffectivePermissionSet
}

func (h *Handler) getPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	projectID := r.URL.Query().Get("project")
	role := rbac.Role(strings.TrimSpace(r.URL.Query().Get("role")))

	var err error
	if role == "" {
		role, err = h.resolver.RoleOf(r.Context(), userID, projectID)
		if err != nil {
			h.fail(w, r, "resolve role", err)
			return
		}
	} else if role, err = rbac.ParseRole(role.String()); err != nil {
		h.fail(w, r, "parse role", err)
		return
	}
	h.respondEffective(w, r, userID, role, projectID)
}

func (h *Handler) getEffective(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	projectID := r.URL.Query().Get("project")
	role, err := h.resolver.RoleOf(r.Context(), userID, projectID)
	if err != nil {
		h.fail(w, r, "resolve role", err)
		return
	}
	h.respondEffective(w, r, userID, role, projectID)
}

func (h *Handler) respondEffective(w http.ResponseWriter, r *http.Request, userID string, role rbac.Role, projectID string) {
	set, err := h.resolver.Resolve(r.Context(), userID, role, projectID)
	if err != nil {
		h.fail(w, r, "resolve permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectiveResponse{UserID: userID, Role: role, ProjectID: strings.TrimSpace(projectID), EffectivePermissionSet: set})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	all, err := h.templates.GetAll(r.Context())
	if err != nil {
		h.fail(w, r, "list templates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": all})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	role, err := rbac.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.fail(w, r, "parse role", err)
		return
	}
	tpl, err := h.templates.Get(r.Context(), role)
	if err != nil {
		h.fail(w, r, "get template", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tpl)
}

func (h *Handler) putTemplate(w http.ResponseWriter, r *http.Request) {
	var in templates.UpsertInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.fail(w, r, "decode template", err)
		return
	}
	in.Role = chi.URLParam(r, "role")
	tpl, err := h.templates.Upsert(r.Context(), in)
	if err != nil {
		h.fail(w, r, "upsert template", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tpl)
}

func (h *Handler) resetTemplate(w http.ResponseWriter, r *http.Request) {
	role, err := rbac.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.fail(w, r, "parse role", err)
		return
	}
	tpl, err := h.templates.ResetToDefault(r.Context(), role)
	if err != nil {
		h.fail(w, r, "reset template", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tpl)
}

func (h *Handler) resetAllTemplates(w http.ResponseWriter, r *http.Request) {
	all, err := h.templates.ResetAllToDefault(r.Context())
	if err != nil {
		h.fail(w, r, "reset templates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": all})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in templates.CreateRoleInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.fail(w, r, "decode role", err)
		return
	}
	tpl, err := h.templates.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tpl)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	confirm := false
	if raw := r.URL.Query().Get("confirm"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, r, "parse confirm", rbac.Invalid("confirm", "must be a boolean"))
			return
		}
		confirm = v
	}
	result, err := h.templates.DeleteRole(r.Context(), chi.URLParam(r, "role"), confirm)
	if err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	h.logger.Info("role deleted via api", slog.String("role", result.Role.String()), slog.String("actor", Actor(r)))
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	rows, err := h.overrides.ListAll(r.Context())
	if err != nil {
		h.fail(w, r, "list overrides", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": rows})
}

func (h *Handler) getOverride(w http.ResponseWriter, r *http.Request) {
	row, err := h.overrides.Get(r.Context(), rbac.ProjectKey(chi.URLParam(r, "userID"), r.URL.Query().Get("project")))
	if err != nil {
		h.fail(w, r, "get override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}

type overrideBody struct {
	Permissions rbac.Permissions `json:"permissions"`
	InheritRole bool             `json:"inherit_role"`
	Settings    rbac.Settings    `json:"custom_settings"`
}

func (h *Handler) putOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		h.fail(w, r, "decode override", err)
		return
	}
	row, err := h.overrides.Upsert(r.Context(), overrides.UpsertInput{
		UserID:      chi.URLParam(r, "userID"),
		ProjectID:   r.URL.Query().Get("project"),
		Permissions: body.Permissions,
		InheritRole: body.InheritRole,
		Settings:    body.Settings,
		CreatedBy:   Actor(r),
	})
	if err != nil {
		h.fail(w, r, "upsert override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}

func (h *Handler) deleteOverride(w http.ResponseWriter, r *http.Request) {
	key := rbac.ProjectKey(chi.URLParam(r, "userID"), r.URL.Query().Get("project"))
	if err := h.overrides.Delete(r.Context(), key); err != nil {
		h.fail(w, r, "delete override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) runDedup(w http.ResponseWriter, r *http.Request) {
	report, err := h.dedup.Run(r.Context())
	if err != nil {
		h.fail(w, r, "run dedup", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

type refreshBody struct {
	UserID string `json:"user_id" validate:"max=128"`
	Role   string `json:"role" validate:"omitempty,rolekey"`
}

// refreshCache invalidates locally and then broadcasts so every instance
// drops the same entries.
func (h *Handler) refreshCache(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		h.fail(w, r, "decode refresh", err)
		return
	}
	if err := rbac.ValidateStruct(body); err != nil {
		h.fail(w, r, "validate refresh", err)
		return
	}
	ev := realtime.RefreshEvent(strings.TrimSpace(body.UserID), body.Role)
	removed := 0
	if h.invalidator != nil {
		removed = h.invalidator.Apply(ev)
	}
	broadcast := false
	if h.broadcaster != nil {
		if err := h.broadcaster.Broadcast(r.Context(), ev); err != nil {
			h.logger.Warn("broadcast refresh failed", slog.Any("error", err))
		} else {
			broadcast = true
		}
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"invalidated": removed, "broadcast": broadcast, "event_id": ev.ID})
}

func (h *Handler) notifierStatus(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"healthy": true, "subscribers": []realtime.Snapshot{}})
		return
	}
	status := http.StatusOK
	healthy := h.notifier.Healthy()
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, map[string]any{"healthy": healthy, "subscribers": h.notifier.Status()})
}

func (h *Handler) notifierReconnect(w http.ResponseWriter, r *http.Request) {
	if h.notifier != nil {
		h.notifier.Reconnect()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := httpx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	} else {
		h.logger.Debug(op, slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
