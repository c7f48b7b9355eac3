package rbachttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/permissions/internal/platform/httpx"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// ActorHeader carries the authenticated administrator id set by the upstream
// gateway.
const ActorHeader = "X-Actor-ID"

// ActorResolver resolves the permissions of the calling actor.
type ActorResolver interface {
	ResolveForUser(ctx context.Context, userID, projectID string) (rbac.EffectivePermissionSet, error)
}

// Guard authorizes requests against the actor's effective permissions. A
// disabled guard lets every request through.
type Guard struct {
	Resolver ActorResolver
	Logger   *slog.Logger
	Enabled  bool
}

// RequireAny ensures the actor holds at least one of keys in category.
func (g Guard) RequireAny(category rbac.Category, keys ...string) func(http.Handler) http.Handler {
	return g.require(category, keys, false)
}

// RequireAll ensures the actor holds every key in category.
func (g Guard) RequireAll(category rbac.Category, keys ...string) func(http.Handler) http.Handler {
	return g.require(category, keys, true)
}

func (g Guard) require(category rbac.Category, keys []string, all bool) func(http.Handler) http.Handler {
	required := normalizeKeys(keys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Enabled || len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor := Actor(r)
			if actor == "" {
				httpx.Problem(w, http.StatusForbidden, http.StatusText(http.StatusForbidden), "missing "+ActorHeader)
				return
			}
			granted, err := g.Resolver.ResolveForUser(r.Context(), actor, "")
			if err != nil {
				// Unknown permissions deny access but are reported as such.
				g.logger().Error("rbac guard resolve", slog.String("actor", actor), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			if allowed(granted.Permissions, category, required, all) {
				next.ServeHTTP(w, r)
				return
			}
			g.logger().Warn("rbac guard denied", slog.String("actor", actor), slog.String("path", r.URL.Path))
			httpx.Problem(w, http.StatusForbidden, http.StatusText(http.StatusForbidden), "")
		})
	}
}

func (g Guard) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Actor returns the acting administrator id, or "" when absent.
func Actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func normalizeKeys(keys []string) []string {
	unique := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func allowed(granted rbac.Permissions, category rbac.Category, required []string, all bool) bool {
	for _, k := range required {
		has := granted.Has(category, k)
		if all && !has {
			return false
		}
		if !all && has {
			return true
		}
	}
	return all
}
