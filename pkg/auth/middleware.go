package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/wardenlabs/warden/pkg/api"
)

// Verifier is the slice of the Service the HTTP middleware needs.
type Verifier interface {
	ValidateToken(ctx context.Context, raw string) (*AuthUser, error)
	ValidateAPIKey(ctx context.Context, raw string) (*AuthUser, error)
}

// MiddlewareConfig controls which requests bypass authentication and
// which paths may carry the bearer token as a query parameter.
type MiddlewareConfig struct {
	// PublicPaths are exact paths served without credentials.
	PublicPaths []string
	// QueryTokenPrefixes are path prefixes where ?token= is accepted,
	// for clients that cannot set headers (browser WebSocket dials).
	QueryTokenPrefixes []string
}

// DefaultPublicPaths are the endpoints reachable without credentials.
func DefaultPublicPaths() []string {
	return []string{
		"/healthz",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
	}
}

func (c MiddlewareConfig) isPublic(path string) bool {
	for _, p := range c.PublicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func (c MiddlewareConfig) allowsQueryToken(path string) bool {
	for _, prefix := range c.QueryTokenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// NewMiddleware authenticates every non-public request and injects the
// resulting AuthUser into the request context. Credential precedence is
// mTLS client certificate, then Authorization: Bearer, then X-API-Key:
// the first mechanism present is authoritative and its failure is final.
// A nil verifier rejects all non-public requests.
func NewMiddleware(v Verifier, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if len(cfg.PublicPaths) == 0 {
		cfg.PublicPaths = DefaultPublicPaths()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// mTLS first: the TLS layer has already proven possession of
			// the client key, so the certificate subject is the identity.
			// Its role comes from the assignment store at the route gate.
			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				cn := r.TLS.PeerCertificates[0].Subject.CommonName
				if cn == "" {
					api.WriteUnauthorized(w, "client certificate has no common name")
					return
				}
				user := &AuthUser{UserID: cn, Method: MethodMTLS}
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}

			if v == nil {
				api.WriteUnauthorized(w, "authentication not configured")
				return
			}

			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					api.WriteUnauthorized(w, "malformed Authorization header, expected 'Bearer <token>'")
					return
				}
				authenticate(w, r, next, func() (*AuthUser, error) {
					return v.ValidateToken(r.Context(), parts[1])
				})
				return
			}

			if raw := r.Header.Get("X-API-Key"); raw != "" {
				authenticate(w, r, next, func() (*AuthUser, error) {
					return v.ValidateAPIKey(r.Context(), raw)
				})
				return
			}

			if cfg.allowsQueryToken(r.URL.Path) {
				if raw := r.URL.Query().Get("token"); raw != "" {
					authenticate(w, r, next, func() (*AuthUser, error) {
						return v.ValidateToken(r.Context(), raw)
					})
					return
				}
			}

			api.WriteUnauthorized(w, "missing credentials")
		})
	}
}

// authenticate runs one credential check and either forwards the request
// with the principal attached or writes the mapped failure.
func authenticate(w http.ResponseWriter, r *http.Request, next http.Handler, verify func() (*AuthUser, error)) {
	user, err := verify()
	if err != nil {
		api.WriteUnauthorized(w, unauthorizedMessage(err))
		return
	}
	next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
}

// unauthorizedMessage maps sentinel errors onto client-safe text.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrAPIKeyRevoked):
		return "api key revoked"
	case errors.Is(err, ErrAPIKeyInvalid):
		return "invalid api key"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid token"
	default:
		return "invalid credentials"
	}
}
