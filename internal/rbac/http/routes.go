package rbachttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/permissions/internal/platform/httpx"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// MountRoutes registers the /v1 permission API onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	admin := h.guard.RequireAny(rbac.CategoryMenu, rbac.MenuSettings, rbac.MenuUsers)

	// Maintenance endpoints are expensive; cap them per actor.
	maintenanceLimiter := httprate.Limit(6, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
		}),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/users/{userID}/permissions", h.getPermissions)
		r.Get("/users/{userID}/effective", h.getEffective)
		r.Get("/notifier/status", h.notifierStatus)

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Get("/templates", h.listTemplates)
			r.Post("/templates/reset", h.resetAllTemplates)
			r.Get("/templates/{role}", h.getTemplate)
			r.Put("/templates/{role}", h.putTemplate)
			r.Post("/templates/{role}/reset", h.resetTemplate)

			r.Post("/roles", h.createRole)
			r.Delete("/roles/{role}", h.deleteRole)

			r.Get("/overrides", h.listOverrides)
			r.Get("/users/{userID}/overrides", h.getOverride)
			r.Put("/users/{userID}/overrides", h.putOverride)
			r.Delete("/users/{userID}/overrides", h.deleteOverride)

			r.Group(func(r chi.Router) {
				r.Use(maintenanceLimiter)
				r.Post("/maintenance/dedup", h.runDedup)
				r.Post("/cache/refresh", h.refreshCache)
				r.Post("/notifier/reconnect", h.notifierReconnect)
			})
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := Actor(r); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
