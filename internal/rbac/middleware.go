package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
)

// PermissionChecker answers whether an actor holds a permission.
type PermissionChecker interface {
	HasPermission(ctx context.Context, actor auth.Actor, permission string) (bool, error)
}

// MiddlewareOption configures RBAC middleware behavior.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	audit audit.Logger
}

// WithAuditLogger attaches an audit logger to log RBAC denials.
func WithAuditLogger(logger audit.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = logger
	}
}

// RequirePermission returns middleware that checks if the authenticated user
// has the specified permission.
func RequirePermission(checker PermissionChecker, permission string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var mc middlewareConfig
	for _, opt := range opts {
		opt(&mc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := auth.GetActor(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}

			allowed, err := checker.HasPermission(r.Context(), actor, permission)
			if err != nil {
				slog.ErrorContext(r.Context(), "permission check failed", "actor", actor.String(), "permission", permission, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "authorization check failed"})
				return
			}

			if !allowed {
				if mc.audit != nil {
					evt := audit.ActorEvent(actor, audit.ActionAccessDenied, "route", r.URL.Path)
					evt.Metadata = map[string]any{
						"permission": permission,
						"method":     r.Method,
					}
					mc.audit.Log(r.Context(), evt)
				}
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error":  "forbidden",
					"reason": "missing permission " + permission,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
