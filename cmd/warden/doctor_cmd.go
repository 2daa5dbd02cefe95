package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wardenlabs/warden/pkg/config"
)

// runDoctorCmd implements `warden doctor`, configuration and
// dependency checks before first start.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	_ = godotenv.Load()
	cfg := config.Load()

	var results []checkResult
	allOK := true

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: required settings
	problems := cfg.Problems()
	if len(problems) == 0 {
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("bind %s", cfg.Addr),
		})
	} else {
		for _, p := range problems {
			results = append(results, checkResult{
				Name:   "config",
				Status: "fail",
				Detail: p,
			})
		}
		allOK = false
	}

	// Check 3: storage backend
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	switch cfg.Storage() {
	case config.StorageMemory:
		results = append(results, checkResult{
			Name:   "storage",
			Status: "warn",
			Detail: "DATABASE_URL not set (state is volatile)",
		})
	case config.StoragePostgres:
		if err := pingPostgres(ctx, cfg.DatabaseURL); err != nil {
			results = append(results, checkResult{
				Name:   "storage",
				Status: "fail",
				Detail: fmt.Sprintf("postgres: %v", err),
			})
			allOK = false
		} else {
			results = append(results, checkResult{
				Name:   "storage",
				Status: "ok",
				Detail: "postgres reachable",
			})
		}
	default:
		results = append(results, checkResult{
			Name:   "storage",
			Status: "ok",
			Detail: fmt.Sprintf("sqlite %s", cfg.DatabaseURL),
		})
	}

	// Check 4: redis (optional rate-limit store)
	if cfg.RedisURL == "" {
		results = append(results, checkResult{
			Name:   "redis",
			Status: "warn",
			Detail: "REDIS_URL not set (memory rate-limit store)",
		})
	} else if err := pingRedis(ctx, cfg.RedisURL); err != nil {
		results = append(results, checkResult{
			Name:   "redis",
			Status: "fail",
			Detail: err.Error(),
		})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "redis",
			Status: "ok",
			Detail: "reachable",
		})
	}

	// Check 5: governance profile
	if cfg.ProfilePath != "" {
		if p, err := config.LoadProfile(cfg.ProfilePath); err != nil {
			results = append(results, checkResult{
				Name:   "profile",
				Status: "fail",
				Detail: err.Error(),
			})
			allOK = false
		} else {
			results = append(results, checkResult{
				Name:   "profile",
				Status: "ok",
				Detail: fmt.Sprintf("%s v%s", p.Name, p.Version),
			})
		}
	}

	// Check 6: telemetry export
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint == "" {
		results = append(results, checkResult{
			Name:   "telemetry",
			Status: "warn",
			Detail: "OTEL_EXPORTER_OTLP_ENDPOINT not set (telemetry disabled)",
		})
	} else {
		results = append(results, checkResult{
			Name:   "telemetry",
			Status: "ok",
			Detail: endpoint,
		})
	}

	// Print results
	fmt.Fprintf(stdout, "\n%sWarden Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(stdout, "─────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-12s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	fmt.Fprintf(stdout, "\n%sSome checks failed. Fix the configuration and re-run.%s\n", ColorRed+ColorBold, ColorReset)
	return 1
}

func pingPostgres(ctx context.Context, url string) error {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func pingRedis(ctx context.Context, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	defer client.Close()
	return client.Ping(ctx).Err()
}
