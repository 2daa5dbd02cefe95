package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when told to, so window arithmetic is exact.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewLimiter(NewMemoryStore(), WithClock(clock.Now), WithoutSweeper())
	t.Cleanup(l.Stop)
	return l, clock
}

func TestCheck_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, "api_requests", "u1")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("check %d should be allowed", i)
		}
		if res.Remaining != 100-i {
			t.Errorf("check %d: remaining = %d, want %d", i, res.Remaining, 100-i)
		}
	}
}

// Five auth attempts from one address pass, the sixth is rejected, and
// after the window elapses a seventh passes. Counters see every check.
func TestAuthAttemptsWindowBoundary(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "auth_attempts", "1.2.3.4")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	denied, err := l.Check(ctx, "auth_attempts", "1.2.3.4")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if denied.Allowed {
		t.Fatal("sixth attempt should be rejected")
	}
	if denied.RetryAfter <= 0 || denied.RetryAfter > 900 {
		t.Errorf("retryAfter = %d, want within (0, 900]", denied.RetryAfter)
	}
	if got := denied.ResetAt; !got.Equal(clock.Now().Add(900 * time.Second)) {
		t.Errorf("resetAt = %v, want window start + 900s", got)
	}

	clock.Advance(901 * time.Second)
	after, err := l.Check(ctx, "auth_attempts", "1.2.3.4")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !after.Allowed {
		t.Fatal("attempt after window elapse should be allowed")
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalChecks != 7 {
		t.Errorf("totalChecks = %d, want 7", stats.TotalChecks)
	}
	if stats.TotalHits != 1 {
		t.Errorf("totalHits = %d, want 1", stats.TotalHits)
	}
	if stats.Rules != 4 {
		t.Errorf("rules = %d, want the 4 defaults", stats.Rules)
	}
	if stats.ActiveWindows != 1 {
		t.Errorf("activeWindows = %d, want 1", stats.ActiveWindows)
	}
}

func TestWindowResetsExactlyAtBoundary(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	if err := l.AddRule(Rule{Name: "tiny", Window: 10 * time.Second, MaxRequests: 1, KeyType: KeyUser, OnExceed: Reject}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if res, _ := l.Check(ctx, "tiny", "u1"); !res.Allowed {
		t.Fatal("first check should pass")
	}
	if res, _ := l.Check(ctx, "tiny", "u1"); res.Allowed {
		t.Fatal("second check should be rejected")
	}

	// Elapsed == window counts as expired.
	clock.Advance(10 * time.Second)
	if res, _ := l.Check(ctx, "tiny", "u1"); !res.Allowed {
		t.Fatal("check at exact boundary should start a fresh window")
	}
}

func TestLogOnlyAllowsAndCounts(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := l.AddRule(Rule{Name: "soft", Window: time.Minute, MaxRequests: 2, KeyType: KeyUser, OnExceed: LogOnly}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	for i := 1; i <= 4; i++ {
		res, err := l.Check(ctx, "soft", "u1")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("log_only must always allow (check %d)", i)
		}
	}
	stats, _ := l.Stats(ctx)
	if stats.TotalHits != 2 {
		t.Errorf("totalHits = %d, want 2 (checks 3 and 4)", stats.TotalHits)
	}
}

func TestCheckMultiple(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := l.AddRule(Rule{Name: "narrow", Window: time.Minute, MaxRequests: 2, KeyType: KeyUser, OnExceed: Reject}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	res, err := l.CheckMultiple(ctx, []Probe{
		{Rule: "api_requests", Key: "u1"},
		{Rule: "narrow", Key: "u1"},
	})
	if err != nil {
		t.Fatalf("CheckMultiple failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("both rules have room")
	}
	if res.Rule != "narrow" {
		t.Errorf("most restrictive allowing rule should win, got %s", res.Rule)
	}

	// Exhaust narrow; the blocking result is returned as-is.
	if _, err := l.Check(ctx, "narrow", "u1"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	res, err = l.CheckMultiple(ctx, []Probe{
		{Rule: "api_requests", Key: "u1"},
		{Rule: "narrow", Key: "u1"},
	})
	if err != nil {
		t.Fatalf("CheckMultiple failed: %v", err)
	}
	if res.Allowed || res.Rule != "narrow" {
		t.Errorf("expected narrow to block, got %+v", res)
	}
}

func TestGlobalRuleSharesOneWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := l.AddRule(Rule{Name: "everyone", Window: time.Minute, MaxRequests: 2, KeyType: KeyGlobal, OnExceed: Reject}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if res, _ := l.Check(ctx, "everyone", "alice"); !res.Allowed {
		t.Fatal("first global check should pass")
	}
	if res, _ := l.Check(ctx, "everyone", "bob"); !res.Allowed {
		t.Fatal("second global check should pass")
	}
	if res, _ := l.Check(ctx, "everyone", "carol"); res.Allowed {
		t.Fatal("third global check should be rejected regardless of key")
	}
}

func TestAcquireDelaysUntilReset(t *testing.T) {
	store := NewMemoryStore()
	l := NewLimiter(store, WithoutSweeper())
	defer l.Stop()
	ctx := context.Background()

	if err := l.AddRule(Rule{Name: "drip", Window: 30 * time.Millisecond, MaxRequests: 1, KeyType: KeyUser, OnExceed: Delay}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if res, _ := l.Acquire(ctx, "drip", "u1"); !res.Allowed {
		t.Fatal("first acquire should pass")
	}

	start := time.Now()
	res, err := l.Acquire(ctx, "drip", "u1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("delayed acquire should pass after the window resets")
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("acquire returned after %v, expected a delay near the window span", waited)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l, _ := newTestLimiter(t)

	if err := l.AddRule(Rule{Name: "drip", Window: time.Hour, MaxRequests: 1, KeyType: KeyUser, OnExceed: Delay}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if res, _ := l.Acquire(context.Background(), "drip", "u1"); !res.Allowed {
		t.Fatal("first acquire should pass")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, "drip", "u1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	ctx := context.Background()

	if _, err := store.Take(ctx, "a", clock.Now(), 10*time.Second, 5, false); err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if _, err := store.Take(ctx, "b", clock.Now(), time.Hour, 5, false); err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	clock.Advance(11 * time.Second)
	removed, err := store.Sweep(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	n, _ := store.ActiveWindows(ctx)
	if n != 1 {
		t.Errorf("activeWindows = %d, want 1", n)
	}
}

func TestRuleManagement(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Check(ctx, "nope", "u1"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule, got %v", err)
	}

	bad := []Rule{
		{Name: "", Window: time.Second, MaxRequests: 1, KeyType: KeyUser, OnExceed: Reject},
		{Name: "x", Window: 0, MaxRequests: 1, KeyType: KeyUser, OnExceed: Reject},
		{Name: "x", Window: time.Second, MaxRequests: 0, KeyType: KeyUser, OnExceed: Reject},
		{Name: "x", Window: time.Second, MaxRequests: 1, KeyType: "host", OnExceed: Reject},
		{Name: "x", Window: time.Second, MaxRequests: 1, KeyType: KeyUser, OnExceed: "explode"},
	}
	for _, r := range bad {
		if err := l.AddRule(r); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("rule %+v: expected ErrInvalidRule, got %v", r, err)
		}
	}

	if err := l.RemoveRule("task_creation"); err != nil {
		t.Fatalf("RemoveRule failed: %v", err)
	}
	if err := l.RemoveRule("task_creation"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("double remove should fail, got %v", err)
	}
	if _, err := l.GetRule("task_creation"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("removed rule should be gone, got %v", err)
	}
}

func TestResetClearsWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Check(ctx, "auth_attempts", "9.9.9.9"); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}
	if res, _ := l.Check(ctx, "auth_attempts", "9.9.9.9"); res.Allowed {
		t.Fatal("window should be exhausted")
	}
	if err := l.Reset(ctx, "auth_attempts", "9.9.9.9"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if res, _ := l.Check(ctx, "auth_attempts", "9.9.9.9"); !res.Allowed {
		t.Fatal("reset should reopen the window")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), WithSweepInterval(time.Millisecond))
	l.Stop()
	l.Stop()
}
