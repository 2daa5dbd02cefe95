package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/executor"
	"github.com/wardenlabs/warden/pkg/gateway"
	"github.com/wardenlabs/warden/pkg/metrics"
	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/ratelimit"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// bootKeyID names the audit signing key a fresh deployment starts with.
// Runtime rotations pick their own ids; offline verification is handed
// retired keys through `warden verify --key`.
const bootKeyID = "key-1"

func runServer() int {
	if err := serve(); err != nil {
		log.Printf("[warden] fatal: %v", err)
		return 1
	}
	return 0
}

//nolint:gocognit // boot wiring is long but linear
func serve() error {
	fmt.Fprintf(os.Stdout, "%sWarden starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run 'warden doctor')", err)
	}

	var profile *config.Profile
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		profile = p
		log.Printf("[warden] profile: %s v%s", p.Name, p.Version)
	}

	// Storage
	auditStore, authStore, db, err := openStores(ctx, *cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	log.Printf("[warden] storage: %s", cfg.Storage())

	// Audit chain. The signing key is derived from the operator secret,
	// never the secret itself.
	keyring, err := audit.DeriveKeyring([]byte(cfg.AuditKey), bootKeyID)
	if err != nil {
		return fmt.Errorf("audit keyring: %w", err)
	}
	chain, err := audit.NewChain(ctx, auditStore, keyring)
	if err != nil {
		return err
	}
	log.Printf("[warden] audit chain: head %.16s", chain.Head())

	// RBAC
	engine := authz.NewEngine()

	// Rate limiting
	limiter, redisClient, err := buildLimiter(ctx, *cfg)
	if err != nil {
		return err
	}
	defer limiter.Stop()
	if redisClient != nil {
		defer redisClient.Close()
		log.Println("[warden] ratelimit: redis store")
	}

	routeChecks, execOpts, err := applyProfile(profile, engine, limiter)
	if err != nil {
		return err
	}

	// Auth
	authSvc, err := auth.NewService(ctx, auth.Config{
		TokenSecret:  []byte(cfg.TokenSecret),
		PasswordHash: cfg.AdminPasswordHash,
	}, authStore, chain, limiter)
	if err != nil {
		return err
	}
	defer authSvc.Stop()

	// Telemetry. Disabled unless OTEL_EXPORTER_OTLP_ENDPOINT is set;
	// every record call is a noop then.
	provider, err := observability.New(ctx, observability.FromEnv(version))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	}()

	// Executor
	execOpts = append(execOpts, executor.WithObserver(func(taskType, status string) {
		provider.RecordTask(context.Background(), taskType, status)
	}))
	exec := executor.New(executor.Config{}, chain, limiter, engine, execOpts...)

	if err := exec.Register("echo", executor.EchoHandler()); err != nil {
		return err
	}
	if err := exec.Register("sleep", executor.SleepHandler()); err != nil {
		return err
	}
	wasmHandler, err := executor.NewWasmHandler(ctx, executor.WasmConfig{})
	if err != nil {
		return err
	}
	defer wasmHandler.Close()
	if err := exec.Register("wasm", wasmHandler); err != nil {
		return err
	}

	// Metrics
	collector := metrics.NewCollector(version, metrics.Sources{
		Limiter: limiter,
		Engine:  engine,
		Tasks:   exec,
		Chain:   chain,
		Keys:    authSvc,
	})

	// Gateway
	gw, err := gateway.New(gateway.Config{
		Addr:           cfg.Addr,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		RequireWSAuth:  cfg.RequireWSAuth,
		RouteChecks:    routeChecks,
	}, gateway.Deps{
		Auth:    authSvc,
		Engine:  engine,
		Exec:    exec,
		Chain:   chain,
		Limiter: limiter,
		Metrics: collector,
	}, gateway.WithOuterMiddleware(provider.HTTPMiddleware))
	if err != nil {
		return err
	}

	if _, err := chain.Record(ctx, "server_started", audit.LevelInfo,
		"warden "+version+" listening on "+cfg.Addr); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	log.Printf("[warden] ready: http://%s", cfg.Addr)
	log.Println("[warden] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case sig := <-sigChan:
		log.Printf("[warden] %s received, shutting down", sig)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutCtx); err != nil {
		log.Printf("[warden] gateway shutdown: %v", err)
	}
	if err := exec.Stop(shutCtx); err != nil {
		log.Printf("[warden] executor drain: %v", err)
	}
	if _, err := chain.Record(shutCtx, "server_stopped", audit.LevelInfo, "clean shutdown"); err != nil {
		log.Printf("[warden] shutdown audit: %v", err)
	}
	log.Println("[warden] stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openStores picks the persistence backend from the config. Memory mode
// keeps everything in process; sqlite and postgres share the SQL
// implementations, which stick to $N placeholders for that reason.
func openStores(ctx context.Context, cfg config.Config) (audit.Storage, auth.Storage, *sql.DB, error) {
	switch cfg.Storage() {
	case config.StorageMemory:
		log.Println("[warden] DATABASE_URL not set, state is volatile")
		return audit.NewMemoryStorage(), auth.NewMemoryStorage(), nil, nil

	case config.StoragePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return sqlStores(ctx, db)

	default: // sqlite file path
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		// Serialized writes; the audit chain appends under one mutex
		// anyway and sqlite locks whole files.
		db.SetMaxOpenConns(1)
		return sqlStores(ctx, db)
	}
}

func sqlStores(ctx context.Context, db *sql.DB) (audit.Storage, auth.Storage, *sql.DB, error) {
	auditStore, err := audit.NewSQLStorage(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	authStore, err := auth.NewSQLStorage(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return auditStore, authStore, db, nil
}

func buildLimiter(ctx context.Context, cfg config.Config) (*ratelimit.Limiter, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewLimiter(ratelimit.NewMemoryStore()), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return ratelimit.NewLimiter(ratelimit.NewRedisStore(client)), client, nil
}

// applyProfile seeds the RBAC engine and limiter from the declarative
// profile and returns the route overrides and executor options it
// implies. A nil profile leaves the built-in defaults alone.
func applyProfile(p *config.Profile, engine *authz.Engine, limiter *ratelimit.Limiter) (map[string]authz.Check, []executor.Option, error) {
	if p == nil {
		return nil, nil, nil
	}

	for _, r := range p.RateRules {
		if err := limiter.AddRule(ratelimit.Rule{
			Name:        r.Name,
			Window:      time.Duration(r.WindowMs) * time.Millisecond,
			MaxRequests: r.MaxRequests,
			KeyType:     ratelimit.KeyType(r.KeyType),
			OnExceed:    exceedAction(r.OnExceed),
		}); err != nil {
			return nil, nil, fmt.Errorf("profile rate rule %q: %w", r.Name, err)
		}
	}

	for _, seed := range p.Roles {
		role := authz.Role{
			ID:          seed.ID,
			Name:        seed.Name,
			Description: seed.Description,
			InheritFrom: seed.InheritFrom,
		}
		for _, perm := range seed.Permissions {
			role.Permissions = append(role.Permissions, authz.Permission{
				Resource: perm.Resource,
				Actions:  perm.Actions,
			})
		}
		if err := engine.DefineRole(role); err != nil {
			return nil, nil, fmt.Errorf("profile role %q: %w", seed.ID, err)
		}
	}

	var checks map[string]authz.Check
	if len(p.Routes) > 0 {
		checks = make(map[string]authz.Check, len(p.Routes))
		for _, ov := range p.Routes {
			checks[ov.Route] = authz.Check{Resource: ov.Resource, Action: ov.Action}
		}
	}

	var opts []executor.Option
	if len(p.Admission) > 0 {
		policy, err := executor.NewAdmissionPolicy(p.Admission)
		if err != nil {
			return nil, nil, fmt.Errorf("profile admission: %w", err)
		}
		opts = append(opts, executor.WithValidator(policy))
	}

	return checks, opts, nil
}

func exceedAction(s string) ratelimit.ExceedAction {
	switch s {
	case string(ratelimit.Delay):
		return ratelimit.Delay
	case string(ratelimit.LogOnly):
		return ratelimit.LogOnly
	default:
		return ratelimit.Reject
	}
}
