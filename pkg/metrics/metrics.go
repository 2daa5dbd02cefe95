// Package metrics aggregates point-in-time snapshots of the runtime:
// limiter pressure, task throughput, authorization activity, auth key
// counts, audit chain size, and Go runtime gauges. The gateway serves
// the snapshot on its metrics endpoint and pushes it over WebSocket.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/executor"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

// LimiterSource exposes rate limiter counters.
type LimiterSource interface {
	Stats(ctx context.Context) (ratelimit.Stats, error)
}

// EngineSource exposes RBAC decision counters.
type EngineSource interface {
	Stats() authz.Stats
}

// TaskSource exposes executor counters.
type TaskSource interface {
	Stats() executor.Stats
}

// ChainSource exposes audit chain size and head.
type ChainSource interface {
	Len(ctx context.Context) (int, error)
	Head() string
}

// KeySource exposes API key records for counting.
type KeySource interface {
	ListAPIKeys(ctx context.Context) ([]auth.APIKey, error)
}

// Security is the flattened limiter view the metrics endpoint exposes.
type Security struct {
	RateLimiterHits   uint64 `json:"rateLimiterHits"`
	RateLimiterChecks uint64 `json:"rateLimiterChecks"`
	ActiveWindows     int    `json:"activeWindows"`
	Rules             int    `json:"rules"`
}

// Runtime carries Go process gauges.
type Runtime struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	NumGC          uint32 `json:"numGC"`
}

// AuthKeys counts stored API keys.
type AuthKeys struct {
	APIKeys       int `json:"apiKeys"`
	ActiveAPIKeys int `json:"activeApiKeys"`
}

// AuditInfo summarizes the chain without walking it.
type AuditInfo struct {
	Entries int    `json:"entries"`
	Head    string `json:"head"`
}

// Snapshot is one aggregated reading. Sections for absent sources are
// zero-valued rather than omitted so consumers see a stable shape.
type Snapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Runtime       Runtime        `json:"runtime"`
	Security      Security       `json:"security"`
	Tasks         executor.Stats `json:"tasks"`
	Authorization authz.Stats    `json:"authorization"`
	Auth          AuthKeys       `json:"auth"`
	Audit         AuditInfo      `json:"audit"`
}

// Sources lists the subsystems a Collector reads. Any field may be nil;
// its section then stays zero.
type Sources struct {
	Limiter LimiterSource
	Engine  EngineSource
	Tasks   TaskSource
	Chain   ChainSource
	Keys    KeySource
}

// Collector assembles snapshots on demand.
type Collector struct {
	sources Sources
	version string
	started time.Time
	clock   func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.clock = now }
}

// NewCollector builds a collector over the given sources. Version is
// echoed into every snapshot.
func NewCollector(version string, sources Sources, opts ...Option) *Collector {
	c := &Collector{
		sources: sources,
		version: version,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock()
	return c
}

// Collect reads every configured source. Source errors surface so the
// caller can decide between failing the request and serving a partial
// snapshot.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	now := c.clock()
	snap := Snapshot{
		Timestamp:     now.UTC(),
		Version:       c.version,
		UptimeSeconds: int64(now.Sub(c.started) / time.Second),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.Runtime = Runtime{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		NumGC:          mem.NumGC,
	}

	if c.sources.Limiter != nil {
		ls, err := c.sources.Limiter.Stats(ctx)
		if err != nil {
			return snap, err
		}
		snap.Security = Security{
			RateLimiterHits:   ls.TotalHits,
			RateLimiterChecks: ls.TotalChecks,
			ActiveWindows:     ls.ActiveWindows,
			Rules:             ls.Rules,
		}
	}
	if c.sources.Engine != nil {
		snap.Authorization = c.sources.Engine.Stats()
	}
	if c.sources.Tasks != nil {
		snap.Tasks = c.sources.Tasks.Stats()
	}
	if c.sources.Chain != nil {
		n, err := c.sources.Chain.Len(ctx)
		if err != nil {
			return snap, err
		}
		snap.Audit = AuditInfo{Entries: n, Head: c.sources.Chain.Head()}
	}
	if c.sources.Keys != nil {
		keys, err := c.sources.Keys.ListAPIKeys(ctx)
		if err != nil {
			return snap, err
		}
		snap.Auth.APIKeys = len(keys)
		for i := range keys {
			if !keys[i].Revoked() {
				snap.Auth.ActiveAPIKeys++
			}
		}
	}

	return snap, nil
}

// Uptime reports how long the collector (and so the process) has been up.
func (c *Collector) Uptime() time.Duration {
	return c.clock().Sub(c.started)
}
