package auth

import (
	"context"
	"net/http"

	"github.com/wardenlabs/warden/pkg/crypto"
)

type requestIDKey struct{}

// RequestIDMiddleware stamps every request with an X-Request-ID, reusing
// the client's value when present, and mirrors it on the response so
// failures can be correlated with audit entries.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = crypto.NewID()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom extracts the request id from the context, if set.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
