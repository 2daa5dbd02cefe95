package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
)

// route maps one method + path template onto a permission check.
// Segments wrapped in braces match any single non-empty path segment.
// Deferred routes pass the gate and rely on the handler's own permission
// enforcement (task submission: the executor checks the permissions the
// task's handler declared, which can be narrower than any static entry
// here could express).
type route struct {
	method   string
	segments []string
	check    authz.Check
	deferred bool
}

// tokenOnlyRoutes are authenticated but skip the RBAC gate: the handler
// operates strictly on the caller's own session.
var tokenOnlyRoutes = map[string]bool{
	"POST /api/v1/auth/logout":         true,
	"POST /api/v1/auth/reset-password": true,
}

// defaultRoutes is the permission table for the full HTTP surface. Any
// authenticated route missing here is admin-only.
func defaultRoutes() []route {
	perms := []struct {
		key      string
		resource string
		action   string
		deferred bool
	}{
		{key: "GET /api/v1/auth/verify", resource: "auth", action: "read"},
		{key: "POST /api/v1/auth/verify", resource: "auth", action: "read"},
		{key: "GET /api/v1/auth/api-keys", resource: "auth", action: "read"},
		{key: "POST /api/v1/auth/api-keys", resource: "auth", action: "write"},
		{key: "DELETE /api/v1/auth/api-keys/{id}", resource: "auth", action: "write"},
		{key: "GET /api/v1/auth/roles", resource: "auth", action: "read"},
		{key: "POST /api/v1/auth/roles", resource: "auth", action: "write"},
		{key: "POST /api/v1/auth/assignments", resource: "auth", action: "write"},
		{key: "GET /api/v1/auth/assignments/{userId}", resource: "auth", action: "read"},
		{key: "DELETE /api/v1/auth/assignments/{userId}", resource: "auth", action: "write"},

		{key: "POST /api/v1/tasks", deferred: true},
		{key: "GET /api/v1/tasks", resource: "tasks", action: "read"},
		{key: "GET /api/v1/tasks/{id}", resource: "tasks", action: "read"},
		{key: "GET /api/v1/tasks/{id}/wait", resource: "tasks", action: "read"},
		{key: "POST /api/v1/tasks/{id}/cancel", resource: "tasks", action: "cancel"},

		{key: "GET /api/v1/metrics", resource: "metrics", action: "read"},
		{key: "GET /api/v1/audit/verify", resource: "audit", action: "verify"},
		{key: "POST /api/v1/audit/verify", resource: "audit", action: "verify"},

		{key: "GET /ws/metrics", resource: "metrics", action: "read"},
	}

	routes := make([]route, 0, len(perms))
	for _, p := range perms {
		method, pattern, ok := strings.Cut(p.key, " ")
		if !ok {
			continue
		}
		routes = append(routes, route{
			method:   method,
			segments: splitPath(pattern),
			check:    authz.Check{Resource: p.resource, Action: p.action},
			deferred: p.deferred,
		})
	}
	return routes
}

// overrideRoutes rebinds permissions for keys of the form
// "METHOD /path", matching route templates literally. Overriding a
// deferred route pins it to a static check again.
func overrideRoutes(routes []route, checks map[string]authz.Check) error {
	for key, check := range checks {
		method, pattern, ok := strings.Cut(key, " ")
		if !ok {
			return fmt.Errorf("gateway: route override %q: want \"METHOD /path\"", key)
		}
		segs := splitPath(pattern)
		found := false
		for i := range routes {
			if routes[i].method != method || !equalSegments(routes[i].segments, segs) {
				continue
			}
			routes[i].check = check
			routes[i].deferred = false
			found = true
			break
		}
		if !found {
			return fmt.Errorf("gateway: route override %q matches no route", key)
		}
	}
	return nil
}

func equalSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// lookupRoute matches method and path against the table templates.
func (g *Gateway) lookupRoute(method, path string) (route, bool) {
	segs := splitPath(path)
	for _, rt := range g.routes {
		if rt.method != method || len(rt.segments) != len(segs) {
			continue
		}
		matched := true
		for i, want := range rt.segments {
			if strings.HasPrefix(want, "{") && strings.HasSuffix(want, "}") {
				if segs[i] == "" {
					matched = false
					break
				}
				continue
			}
			if want != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			return rt, true
		}
	}
	return route{}, false
}

// routeGate enforces the permission table on authenticated requests:
// resolve the caller's effective role, spend the per-user request
// budget, then check the mapped permission. Unmapped routes are
// admin-only. Every denial is audited as permission_denied.
func (g *Gateway) routeGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if g.isPublicPath(path) {
			next.ServeHTTP(w, r)
			return
		}

		user, ok := auth.UserFrom(r.Context())
		if !ok {
			api.WriteUnauthorized(w, "missing credentials")
			return
		}
		user = g.resolveRole(user)
		r = r.WithContext(auth.WithUser(r.Context(), user))

		if g.deps.Limiter != nil {
			res, err := g.deps.Limiter.Check(r.Context(), ruleAPIRequests, user.UserID)
			if err != nil {
				api.WriteInternal(w, err)
				return
			}
			if !res.Allowed {
				api.WriteRateLimited(w, res.RetryAfter)
				return
			}
		}

		if tokenOnlyRoutes[r.Method+" "+path] {
			next.ServeHTTP(w, r)
			return
		}

		rt, mapped := g.lookupRoute(r.Method, path)
		switch {
		case !mapped:
			if !g.isAdmin(user.Role) {
				g.auditDenied(r, user, "unmapped route")
				api.WriteForbidden(w, "permission denied")
				return
			}
		case rt.deferred:
			// Handler enforces its own, finer-grained permissions.
		default:
			if err := g.deps.Engine.RequirePermission(user.Role, rt.check, user.UserID); err != nil {
				g.auditDenied(r, user, rt.check.Resource+":"+rt.check.Action)
				api.WriteForbidden(w, "permission denied")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) isPublicPath(path string) bool {
	for _, p := range g.publicPaths() {
		if path == p {
			return true
		}
	}
	return false
}

// resolveRole fills the effective role for credentials that do not carry
// one. Client certificates prove identity only; their role comes from
// the assignment table, defaulting to operator.
func (g *Gateway) resolveRole(user *auth.AuthUser) *auth.AuthUser {
	if user.Role != "" {
		return user
	}
	cp := *user
	if roleID, ok := g.deps.Engine.ActiveRole(user.UserID); ok {
		cp.Role = roleID
	} else {
		cp.Role = authz.RoleOperator
	}
	return &cp
}

// isAdmin resolves the role reference and compares against the built-in
// admin role id, so both "admin" and "role_admin" qualify.
func (g *Gateway) isAdmin(roleRef string) bool {
	role, err := g.deps.Engine.GetRole(roleRef)
	return err == nil && role.ID == authz.RoleAdmin
}

// auditDenied records a gateway-layer denial. Best effort: a chain
// hiccup must not mask the 403.
func (g *Gateway) auditDenied(r *http.Request, user *auth.AuthUser, check string) {
	if g.deps.Chain == nil {
		return
	}
	_, err := g.deps.Chain.Record(r.Context(), "permission_denied", audit.LevelWarn,
		"request denied by route gate",
		audit.WithUser(user.UserID),
		audit.WithCorrelation(auth.RequestIDFrom(r.Context())),
		audit.WithMetadata(map[string]string{
			"role":   user.Role,
			"path":   r.URL.Path,
			"method": r.Method,
			"check":  check,
		}))
	if err != nil {
		g.logger.Error("audit record failed", "event", "permission_denied", "error", err)
	}
}

// requireUser pulls the authenticated caller for handlers that need it.
func requireUser(ctx context.Context) (*auth.AuthUser, bool) {
	return auth.UserFrom(ctx)
}
