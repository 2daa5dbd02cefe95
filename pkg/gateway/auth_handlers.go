package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
)

// Inbound bodies are small control messages; anything bigger is abuse.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func sessionResponse(s *auth.Session, now time.Time) map[string]any {
	return map[string]any{
		"accessToken":  s.Token,
		"refreshToken": s.RefreshToken,
		"expiresIn":    int(s.ExpiresAt.Sub(now).Seconds()),
	}
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		Password   string `json:"password"`
		RememberMe bool   `json:"rememberMe"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	sess, err := g.deps.Auth.Login(r.Context(), req.Password, api.ClientIP(r), req.RememberMe)
	if err != nil {
		g.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sessionResponse(sess, g.clock()))
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		api.WriteBadRequest(w, "refreshToken required")
		return
	}
	sess, err := g.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		g.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sessionResponse(sess, g.clock()))
}

// handleLogout revokes the presented bearer session. API keys have no
// session to end, so a bearer token is required.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	raw := bearerToken(r)
	if raw == "" {
		api.WriteBadRequest(w, "logout requires a bearer token")
		return
	}
	if err := g.deps.Auth.Logout(r.Context(), raw); err != nil {
		g.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		api.WriteBadRequest(w, "currentPassword and newPassword required")
		return
	}
	if err := g.deps.Auth.ResetPassword(r.Context(), req.CurrentPassword, req.NewPassword); err != nil {
		g.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyToken answers "is this credential good". GET reports on
// the caller's own credential; POST checks a token supplied in the
// body, answering 200 with valid=false rather than 401 because the
// caller is already authenticated and is asking about a third token.
func (g *Gateway) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok := requireUser(r.Context())
		if !ok {
			api.WriteUnauthorized(w, "missing credentials")
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"valid":  true,
			"userId": user.UserID,
			"role":   user.Role,
			"method": user.Method,
		})
	case http.MethodPost:
		var req struct {
			Token string `json:"token"`
		}
		if err := decodeJSON(w, r, &req); err != nil || req.Token == "" {
			api.WriteBadRequest(w, "token required")
			return
		}
		checked, err := g.deps.Auth.ValidateToken(r.Context(), req.Token)
		if err != nil {
			api.WriteJSON(w, http.StatusOK, map[string]any{
				"valid": false,
				"error": verifyReason(err),
			})
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"valid":  true,
			"userId": checked.UserID,
			"role":   checked.Role,
			"method": checked.Method,
		})
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	default:
		return "invalid token"
	}
}

func (g *Gateway) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := g.deps.Auth.ListAPIKeys(r.Context())
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPost:
		var params auth.CreateKeyParams
		if err := decodeJSON(w, r, &params); err != nil {
			api.WriteBadRequest(w, "invalid request body")
			return
		}
		if params.Name == "" {
			api.WriteBadRequest(w, "name required")
			return
		}
		key, secret, err := g.deps.Auth.CreateAPIKey(r.Context(), params)
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		// The raw secret appears in this response and nowhere else.
		api.WriteJSON(w, http.StatusCreated, map[string]any{"key": key, "secret": secret})
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func (g *Gateway) handleAPIKeyItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/auth/api-keys/")
	if id == "" || strings.Contains(id, "/") {
		api.WriteNotFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		key, err := g.deps.Auth.GetAPIKey(r.Context(), id)
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, key)
	case http.MethodDelete:
		err := g.deps.Auth.RevokeAPIKey(r.Context(), id)
		switch {
		case errors.Is(err, auth.ErrAPIKeyRevoked):
			// Revoking a credential reads as 401 elsewhere; here the
			// key is the resource and a second revoke is a conflict.
			api.WriteConflict(w, "api key already revoked")
		case err != nil:
			g.writeErr(w, r, err)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func (g *Gateway) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.WriteJSON(w, http.StatusOK, map[string]any{"roles": g.deps.Engine.ListRoles()})
	case http.MethodPost:
		var role authz.Role
		if err := decodeJSON(w, r, &role); err != nil {
			api.WriteBadRequest(w, "invalid request body")
			return
		}
		if err := g.deps.Engine.DefineRole(role); err != nil {
			g.writeErr(w, r, err)
			return
		}
		defined, err := g.deps.Engine.GetRole(role.ID)
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, defined)
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func (g *Gateway) handleAssignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"assignments": g.deps.Engine.ListUserAssignments(),
		})
	case http.MethodPost:
		caller, ok := requireUser(r.Context())
		if !ok {
			api.WriteUnauthorized(w, "missing credentials")
			return
		}
		var req struct {
			UserID string `json:"userId"`
			RoleID string `json:"roleId"`
		}
		if err := decodeJSON(w, r, &req); err != nil || req.UserID == "" || req.RoleID == "" {
			api.WriteBadRequest(w, "userId and roleId required")
			return
		}
		assignment, err := g.deps.Engine.AssignUserRole(req.UserID, req.RoleID, caller.UserID)
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, assignment)
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func (g *Gateway) handleAssignmentItem(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/auth/assignments/")
	if userID == "" || strings.Contains(userID, "/") {
		api.WriteNotFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		all := g.deps.Engine.ListUserAssignments()
		mine := make([]authz.UserAssignment, 0, 1)
		for _, a := range all {
			if a.UserID == userID {
				mine = append(mine, a)
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"assignments": mine})
	case http.MethodDelete:
		if err := g.deps.Engine.RevokeUserRole(userID); err != nil {
			g.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		api.WriteMethodNotAllowed(w)
	}
}
