// Package gateway is the HTTP and WebSocket surface of the runtime. It
// serves only the local network: every request passes the peer guard,
// CORS, request-id stamping, a per-IP flood limiter, authentication, and
// the RBAC route gate before reaching a handler. Unmapped routes are
// admin-only. A hub pushes metric snapshots and audit events to
// WebSocket subscribers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/executor"
	"github.com/wardenlabs/warden/pkg/metrics"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

// ruleAPIRequests is the per-user request budget consulted after auth.
const ruleAPIRequests = "api_requests"

// Config carries the gateway's network and policy settings. Zero values
// take the defaults noted per field.
type Config struct {
	// Addr is the listen address. The default binds loopback only.
	Addr string // default 127.0.0.1:8420
	// Version is echoed on /healthz and in metric snapshots.
	Version string
	// AllowedOrigins feeds CORS and the WebSocket origin check. Empty
	// allows all origins, acceptable only behind the local-network guard.
	AllowedOrigins []string
	// GlobalRPS and GlobalBurst bound per-IP request rates in front of
	// the mux. Defaults 50 rps, burst 100.
	GlobalRPS   int
	GlobalBurst int
	// RequireWSAuth demands credentials on /ws/metrics instead of the
	// default open subscribe model.
	RequireWSAuth bool
	// BroadcastInterval is the cadence of metric pushes to WebSocket
	// subscribers. Default 5s.
	BroadcastInterval time.Duration
	// RouteChecks rebinds the permission behind mapped routes, keyed
	// "METHOD /path" with {param} templates exactly as in the built-in
	// table. A key that matches no route is an error.
	RouteChecks map[string]authz.Check
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8420"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.GlobalRPS <= 0 {
		c.GlobalRPS = 50
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 100
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 5 * time.Second
	}
}

// Deps are the runtime components the gateway fronts. Auth, Engine and
// Exec must be set; Chain, Limiter and Metrics may be nil, disabling the
// endpoints that need them.
type Deps struct {
	Auth    *auth.Service
	Engine  *authz.Engine
	Exec    *executor.Executor
	Chain   *audit.Chain
	Limiter *ratelimit.Limiter
	Metrics *metrics.Collector
}

// Gateway is the assembled HTTP surface.
type Gateway struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time
	outer  func(http.Handler) http.Handler

	routes  []route
	global  *api.GlobalRateLimiter
	hub     *Hub
	handler http.Handler

	srv      *http.Server
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.clock = now }
}

// WithOuterMiddleware wraps the finished handler chain once more,
// outside even the local-network guard. Telemetry middleware goes here
// so rejected requests are still measured.
func WithOuterMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(g *Gateway) { g.outer = mw }
}

// New assembles the gateway: routes, middleware chain, WebSocket hub,
// and the audit watcher that feeds the hub's audit channel.
func New(cfg Config, deps Deps, opts ...Option) (*Gateway, error) {
	if deps.Auth == nil || deps.Engine == nil || deps.Exec == nil {
		return nil, fmt.Errorf("gateway: auth, engine and exec are required")
	}
	cfg.setDefaults()

	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default(),
		clock:  time.Now,
		routes: defaultRoutes(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := overrideRoutes(g.routes, cfg.RouteChecks); err != nil {
		return nil, err
	}

	g.global = api.NewGlobalRateLimiter(cfg.GlobalRPS, cfg.GlobalBurst)
	g.hub = NewHub(WithHubLogger(g.logger), WithHubClock(g.clock))

	if deps.Chain != nil {
		deps.Chain.Watch(func(e audit.Entry) {
			g.hub.Broadcast(ChannelAudit, auditSummary(e))
		})
	}

	g.handler = g.buildHandler()
	return g, nil
}

// buildHandler wires the middleware chain outermost first: local-network
// guard, CORS, request-id, per-IP limiter, auth, route gate, mux.
func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/healthz", g.handleHealth)

	mux.HandleFunc("/api/v1/auth/login", g.handleLogin)
	mux.HandleFunc("/api/v1/auth/refresh", g.handleRefresh)
	mux.HandleFunc("/api/v1/auth/logout", g.handleLogout)
	mux.HandleFunc("/api/v1/auth/reset-password", g.handleResetPassword)
	mux.HandleFunc("/api/v1/auth/verify", g.handleVerifyToken)
	mux.HandleFunc("/api/v1/auth/api-keys", g.handleAPIKeys)
	mux.HandleFunc("/api/v1/auth/api-keys/", g.handleAPIKeyItem)
	mux.HandleFunc("/api/v1/auth/roles", g.handleRoles)
	mux.HandleFunc("/api/v1/auth/assignments", g.handleAssignments)
	mux.HandleFunc("/api/v1/auth/assignments/", g.handleAssignmentItem)

	mux.HandleFunc("/api/v1/tasks", g.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", g.handleTaskItem)

	mux.HandleFunc("/api/v1/metrics", g.handleMetrics)
	mux.HandleFunc("/api/v1/audit/verify", g.handleAuditVerify)

	mux.HandleFunc("/ws/metrics", g.serveWS)

	var h http.Handler = mux
	h = g.routeGate(h)
	h = auth.NewMiddleware(g.deps.Auth, auth.MiddlewareConfig{
		PublicPaths:        g.publicPaths(),
		QueryTokenPrefixes: []string{"/ws/"},
	})(h)
	h = g.global.Middleware(h)
	h = auth.RequestIDMiddleware(h)
	h = auth.CORSMiddleware(g.cfg.AllowedOrigins)(h)
	h = LocalOnly(g.logger)(h)
	if g.outer != nil {
		h = g.outer(h)
	}
	return h
}

// publicPaths lists routes served without credentials. The WebSocket
// endpoint is public by default; RequireWSAuth removes it, after which
// the ?token= query parameter carries the credential.
func (g *Gateway) publicPaths() []string {
	paths := []string{
		"/health",
		"/healthz",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
	}
	if !g.cfg.RequireWSAuth {
		paths = append(paths, "/ws/metrics")
	}
	return paths
}

// Handler returns the fully wired handler, mainly for tests.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Hub returns the WebSocket hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// Start serves until Shutdown or listener failure. The broadcaster that
// feeds the metrics and tasks channels starts with the server.
func (g *Gateway) Start() error {
	g.srv = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      g.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.wg.Add(1)
	go g.broadcastLoop()

	g.logger.Info("gateway listening", "addr", g.cfg.Addr, "version", g.cfg.Version)
	err := g.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, closes the hub, and stops the
// broadcaster and flood limiter. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		close(g.done)
		if g.srv != nil {
			err = g.srv.Shutdown(ctx)
		}
		g.hub.Close()
		g.global.Stop()
		g.wg.Wait()
	})
	return err
}

// broadcastLoop pushes metric snapshots and executor stats to hub
// subscribers on a fixed cadence.
func (g *Gateway) broadcastLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.broadcastOnce()
		}
	}
}

func (g *Gateway) broadcastOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if g.deps.Metrics != nil && g.hub.Subscribers(ChannelMetrics) > 0 {
		snap, err := g.deps.Metrics.Collect(ctx)
		if err != nil {
			g.logger.Warn("metrics snapshot failed", "error", err)
		} else {
			g.hub.Broadcast(ChannelMetrics, snap)
		}
	}
	if g.hub.Subscribers(ChannelTasks) > 0 {
		g.hub.Broadcast(ChannelTasks, g.deps.Exec.Stats())
	}
}

// healthChecks probes each wired subsystem cheaply.
func (g *Gateway) healthChecks(ctx context.Context) map[string]string {
	checks := map[string]string{"executor": "ok"}
	if g.deps.Chain != nil {
		if _, err := g.deps.Chain.Len(ctx); err != nil {
			checks["audit"] = "unavailable"
		} else {
			checks["audit"] = "ok"
		}
	}
	if g.deps.Limiter != nil {
		if _, err := g.deps.Limiter.Stats(ctx); err != nil {
			checks["ratelimit"] = "unavailable"
		} else {
			checks["ratelimit"] = "ok"
		}
	}
	return checks
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	checks := g.healthChecks(r.Context())
	status := "ok"
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
			break
		}
	}
	uptime := int64(0)
	if g.deps.Metrics != nil {
		uptime = int64(g.deps.Metrics.Uptime() / time.Second)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": g.cfg.Version,
		"uptime":  uptime,
		"checks":  checks,
	})
}

// auditSummary trims a chain entry to the fields pushed on the audit
// channel.
func auditSummary(e audit.Entry) map[string]any {
	out := map[string]any{
		"id":        e.ID,
		"timestamp": e.Timestamp,
		"event":     e.Event,
		"level":     string(e.Level),
		"message":   e.Message,
	}
	if e.UserID != "" {
		out["userId"] = e.UserID
	}
	if e.TaskID != "" {
		out["taskId"] = e.TaskID
	}
	return out
}
