package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/authz"
)

func TestLocalPeer(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:51234", true},
		{"[::1]:51234", true},
		{"10.1.2.3:80", true},
		{"172.16.0.1:80", true},
		{"172.31.255.254:80", true},
		{"192.168.1.50:443", true},
		{"[::ffff:192.168.1.50]:443", true},
		{"192.168.1.50", true}, // no port still parses
		{"203.0.113.7:80", false},
		{"8.8.8.8:53", false},
		{"172.32.0.1:80", false}, // just past the /12
		{"[2001:db8::1]:80", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, localPeer(tc.addr), "addr %q", tc.addr)
	}
}

func TestLocalOnlyRejectsPublicPeers(t *testing.T) {
	handler := LocalOnly(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:44321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.0.10:44321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Forwarded headers must not widen the trust boundary.
func TestLocalOnlyIgnoresForwardedHeaders(t *testing.T) {
	handler := LocalOnly(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:44321"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	req.Header.Set("X-Real-IP", "127.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLookupRoute(t *testing.T) {
	g := &Gateway{routes: defaultRoutes()}

	rt, ok := g.lookupRoute(http.MethodGet, "/api/v1/tasks")
	assert.True(t, ok)
	assert.Equal(t, "tasks", rt.check.Resource)
	assert.Equal(t, "read", rt.check.Action)

	rt, ok = g.lookupRoute(http.MethodPost, "/api/v1/tasks/abc123/cancel")
	assert.True(t, ok)
	assert.Equal(t, "cancel", rt.check.Action)

	rt, ok = g.lookupRoute(http.MethodPost, "/api/v1/tasks")
	assert.True(t, ok)
	assert.True(t, rt.deferred)

	rt, ok = g.lookupRoute(http.MethodDelete, "/api/v1/auth/api-keys/key_1")
	assert.True(t, ok)
	assert.Equal(t, "auth", rt.check.Resource)
	assert.Equal(t, "write", rt.check.Action)

	// Method mismatches and unknown paths fall through to admin-only.
	_, ok = g.lookupRoute(http.MethodDelete, "/api/v1/tasks")
	assert.False(t, ok)
	_, ok = g.lookupRoute(http.MethodGet, "/api/v1/auth/assignments")
	assert.False(t, ok)
	_, ok = g.lookupRoute(http.MethodGet, "/api/v1/tasks/a/b/c")
	assert.False(t, ok)

	// A parameter segment never matches emptiness.
	_, ok = g.lookupRoute(http.MethodGet, "/api/v1/tasks//wait")
	assert.False(t, ok)
}

func TestOverrideRoutes(t *testing.T) {
	routes := defaultRoutes()

	err := overrideRoutes(routes, map[string]authz.Check{
		"GET /api/v1/audit/verify": {Resource: "metrics", Action: "read"},
		"POST /api/v1/tasks":       {Resource: "tasks", Action: "create"},
	})
	require.NoError(t, err)

	g := &Gateway{routes: routes}
	rt, ok := g.lookupRoute(http.MethodGet, "/api/v1/audit/verify")
	require.True(t, ok)
	assert.Equal(t, "metrics", rt.check.Resource)

	// An override replaces deferred dispatch with a static check.
	rt, ok = g.lookupRoute(http.MethodPost, "/api/v1/tasks")
	require.True(t, ok)
	assert.False(t, rt.deferred)
	assert.Equal(t, "create", rt.check.Action)

	err = overrideRoutes(routes, map[string]authz.Check{
		"GET /api/v1/nope": {Resource: "x", Action: "y"},
	})
	assert.Error(t, err)

	err = overrideRoutes(routes, map[string]authz.Check{
		"missing-method": {Resource: "x", Action: "y"},
	})
	assert.Error(t, err)
}
