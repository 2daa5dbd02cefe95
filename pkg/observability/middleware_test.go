package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTemplate(t *testing.T) {
	cases := map[string]string{
		"/api/v1/tasks":                  "/api/v1/tasks",
		"/api/v1/tasks/9f2c":             "/api/v1/tasks/{id}",
		"/api/v1/tasks/9f2c/wait":        "/api/v1/tasks/{id}/wait",
		"/api/v1/tasks/9f2c/cancel":      "/api/v1/tasks/{id}/cancel",
		"/api/v1/auth/api-keys":          "/api/v1/auth/api-keys",
		"/api/v1/auth/api-keys/key_abc":  "/api/v1/auth/api-keys/{id}",
		"/api/v1/auth/assignments/alice": "/api/v1/auth/assignments/{id}",
		"/api/v1/metrics":                "/api/v1/metrics",
		"/healthz":                       "/healthz",
		"/ws/metrics":                    "/ws/metrics",
		"/api/v1/auth/roles":             "/api/v1/auth/roles",
	}
	for in, want := range cases {
		assert.Equal(t, want, routeTemplate(in), "path %s", in)
	}
}

func TestHTTPMiddlewareDisabledPassesThrough(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	h := p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusRecorder(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusNotFound)
	assert.Equal(t, http.StatusNotFound, rec.status)

	rec = &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, err := rec.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.status)
}

func TestStatusRecorderHijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rec.Hijack()
	assert.Error(t, err, "recorder backend cannot hijack")
}
