package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/executor"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

type stubLimiter struct {
	stats ratelimit.Stats
	err   error
}

func (s stubLimiter) Stats(context.Context) (ratelimit.Stats, error) { return s.stats, s.err }

type stubEngine struct{ stats authz.Stats }

func (s stubEngine) Stats() authz.Stats { return s.stats }

type stubTasks struct{ stats executor.Stats }

func (s stubTasks) Stats() executor.Stats { return s.stats }

type stubChain struct {
	n    int
	head string
	err  error
}

func (s stubChain) Len(context.Context) (int, error) { return s.n, s.err }
func (s stubChain) Head() string                     { return s.head }

type stubKeys struct{ keys []auth.APIKey }

func (s stubKeys) ListAPIKeys(context.Context) ([]auth.APIKey, error) { return s.keys, nil }

func TestCollectAggregatesSources(t *testing.T) {
	revoked := time.Now()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector("1.2.3", Sources{
		Limiter: stubLimiter{stats: ratelimit.Stats{TotalHits: 4, TotalChecks: 90, ActiveWindows: 3, Rules: 5}},
		Engine:  stubEngine{stats: authz.Stats{Checks: 12, Grants: 10, Denials: 2}},
		Tasks:   stubTasks{stats: executor.Stats{Submitted: 7, Completed: 6, Running: 1}},
		Chain:   stubChain{n: 42, head: "abc"},
		Keys: stubKeys{keys: []auth.APIKey{
			{ID: "k1"},
			{ID: "k2", RevokedAt: &revoked},
		}},
	}, WithClock(func() time.Time { return now }))

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", snap.Version)
	assert.Equal(t, uint64(4), snap.Security.RateLimiterHits)
	assert.Equal(t, uint64(90), snap.Security.RateLimiterChecks)
	assert.Equal(t, uint64(12), snap.Authorization.Checks)
	assert.Equal(t, uint64(7), snap.Tasks.Submitted)
	assert.Equal(t, 42, snap.Audit.Entries)
	assert.Equal(t, "abc", snap.Audit.Head)
	assert.Equal(t, 2, snap.Auth.APIKeys)
	assert.Equal(t, 1, snap.Auth.ActiveAPIKeys)
	assert.Positive(t, snap.Runtime.Goroutines)
}

func TestCollectNilSources(t *testing.T) {
	c := NewCollector("dev", Sources{})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Security.RateLimiterChecks)
	assert.Zero(t, snap.Audit.Entries)
}

func TestCollectSourceErrorSurfaces(t *testing.T) {
	boom := errors.New("store down")
	c := NewCollector("dev", Sources{Limiter: stubLimiter{err: boom}})
	_, err := c.Collect(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestUptimeAdvancesWithClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c := NewCollector("dev", Sources{}, WithClock(func() time.Time { return now }))

	now = base.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Uptime())

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(90), snap.UptimeSeconds)
}
