package gateway

import (
	"errors"
	"net/http"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/executor"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

// writeErr maps component errors onto HTTP statuses. Credential
// failures collapse to generic 401 messages; anything unrecognized is
// sanitized to a 500 so internal detail never leaks. Forbidden errors
// surfacing here come from handlers that enforce their own permissions,
// so they get the same permission_denied audit as route gate denials.
func (g *Gateway) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var authRL *auth.RateLimitedError
	var execRL *executor.RateLimitedError

	switch {
	case errors.As(err, &authRL):
		api.WriteRateLimited(w, authRL.RetryAfter)
	case errors.As(err, &execRL):
		api.WriteRateLimited(w, execRL.RetryAfter)
	case errors.Is(err, auth.ErrInvalidCredentials):
		api.WriteUnauthorized(w, "invalid credentials")
	case errors.Is(err, auth.ErrTokenExpired):
		api.WriteUnauthorized(w, "token expired")
	case errors.Is(err, auth.ErrTokenInvalid):
		api.WriteUnauthorized(w, "invalid token")
	case errors.Is(err, auth.ErrAPIKeyInvalid), errors.Is(err, auth.ErrAPIKeyRevoked):
		api.WriteUnauthorized(w, "invalid api key")
	case errors.Is(err, authz.ErrForbidden):
		if user, ok := auth.UserFrom(r.Context()); ok {
			g.auditDenied(r, user, "handler")
		}
		api.WriteForbidden(w, "permission denied")
	case errors.Is(err, authz.ErrRoleExists):
		api.WriteConflict(w, "role name already in use")
	case errors.Is(err, executor.ErrTaskFinished):
		api.WriteConflict(w, "task already finished")
	case errors.Is(err, authz.ErrUnknownRole),
		errors.Is(err, authz.ErrInvalidRole),
		errors.Is(err, executor.ErrUnknownType),
		errors.Is(err, executor.ErrInvalidInput),
		errors.Is(err, ratelimit.ErrInvalidRule):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, auth.ErrAPIKeyNotFound),
		errors.Is(err, executor.ErrTaskNotFound),
		errors.Is(err, authz.ErrNoAssignment):
		api.WriteNotFound(w, "not found")
	case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrStopped):
		api.WriteServiceUnavailable(w, "temporarily unavailable")
	default:
		api.WriteInternal(w, err)
	}
}
