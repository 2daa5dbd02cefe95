// Package ratelimit enforces sliding-window rules over multiple key
// spaces (ip, user, api_key, global). Each (rule, key) pair owns a
// window that resets once its span has elapsed; exceeding a rule either
// rejects, delays, or merely logs, per the rule's action.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// KeyType names the key space a rule buckets by.
type KeyType string

const (
	KeyIP     KeyType = "ip"
	KeyUser   KeyType = "user"
	KeyAPIKey KeyType = "api_key"
	KeyGlobal KeyType = "global"
)

// ExceedAction is a rule's behavior once its window is full.
type ExceedAction string

const (
	Reject  ExceedAction = "reject"
	Delay   ExceedAction = "delay"
	LogOnly ExceedAction = "log_only"
)

var (
	ErrUnknownRule = errors.New("ratelimit: unknown rule")
	ErrInvalidRule = errors.New("ratelimit: invalid rule")
)

// Rule is a named sliding-window limit.
type Rule struct {
	Name        string        `json:"name"`
	Window      time.Duration `json:"windowMs"`
	MaxRequests int           `json:"maxRequests"`
	KeyType     KeyType       `json:"keyType"`
	OnExceed    ExceedAction  `json:"onExceed"`
}

// Result is the outcome of a single check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Rule       string    `json:"rule"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds, set on denials
}

// Probe pairs a rule with the key to check it against.
type Probe struct {
	Rule string
	Key  string
}

// Stats is a point-in-time limiter snapshot. TotalHits and TotalChecks
// are monotonic over the process lifetime.
type Stats struct {
	ActiveWindows int    `json:"activeWindows"`
	Rules         int    `json:"rules"`
	TotalHits     uint64 `json:"totalHits"`
	TotalChecks   uint64 `json:"totalChecks"`
}

// DefaultRules ships with every limiter.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "api_requests", Window: 60 * time.Second, MaxRequests: 100, KeyType: KeyUser, OnExceed: Reject},
		{Name: "auth_attempts", Window: 900 * time.Second, MaxRequests: 5, KeyType: KeyIP, OnExceed: Reject},
		{Name: "task_creation", Window: 60 * time.Second, MaxRequests: 20, KeyType: KeyUser, OnExceed: Reject},
		{Name: "expensive_operations", Window: 3600 * time.Second, MaxRequests: 10, KeyType: KeyUser, OnExceed: Reject},
	}
}

// Limiter evaluates rules against a window store. The hot path does a
// single store operation; a background sweeper prunes expired windows.
type Limiter struct {
	mu    sync.RWMutex
	rules map[string]Rule

	store  Store
	logger *slog.Logger
	clock  func() time.Time

	totalChecks atomic.Uint64
	totalHits   atomic.Uint64

	sweepEvery time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the structured logger violations are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.clock = now }
}

// WithSweepInterval overrides the expired-window sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

// WithoutSweeper disables the background sweeper.
func WithoutSweeper() Option {
	return func(l *Limiter) { l.sweepEvery = 0 }
}

// NewLimiter builds a limiter over store, seeded with DefaultRules.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		rules:      make(map[string]Rule),
		store:      store,
		logger:     slog.Default(),
		clock:      time.Now,
		sweepEvery: 60 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, r := range DefaultRules() {
		l.rules[r.Name] = r
	}
	if l.sweepEvery > 0 {
		go l.sweepLoop()
	}
	return l
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// AddRule registers or replaces a rule.
func (l *Limiter) AddRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	l.mu.Lock()
	l.rules[r.Name] = r
	l.mu.Unlock()
	l.logger.Debug("rate rule registered", "rule", r.Name, "window", r.Window, "max", r.MaxRequests)
	return nil
}

// RemoveRule drops a rule. Existing windows expire on their own.
func (l *Limiter) RemoveRule(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	delete(l.rules, name)
	return nil
}

// GetRule returns a rule by name.
func (l *Limiter) GetRule(name string) (Rule, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return r, nil
}

// Rules returns a snapshot of the registered rules in no particular
// order.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	return out
}

// Check advances the window for (rule, key) and reports the outcome.
// log_only rules allow past the limit while still counting the hit.
func (l *Limiter) Check(ctx context.Context, ruleName, key string) (Result, error) {
	l.totalChecks.Add(1)

	l.mu.RLock()
	rule, ok := l.rules[ruleName]
	l.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRule, ruleName)
	}

	now := l.clock()
	take, err := l.store.Take(ctx, windowKey(rule, key), now, rule.Window, rule.MaxRequests, rule.OnExceed == LogOnly)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: %s: %w", ruleName, err)
	}

	resetAt := take.WindowStart.Add(rule.Window)
	if take.Allowed {
		return Result{
			Allowed:   true,
			Rule:      ruleName,
			Remaining: rule.MaxRequests - take.Count,
			ResetAt:   resetAt,
		}, nil
	}

	l.totalHits.Add(1)
	l.logger.Warn("rate limit exceeded",
		"rule", ruleName, "keyType", rule.KeyType, "key", key, "count", take.Count, "max", rule.MaxRequests)

	if rule.OnExceed == LogOnly {
		return Result{Allowed: true, Rule: ruleName, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{
		Allowed:    false,
		Rule:       ruleName,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(resetAt, now),
	}, nil
}

// CheckMultiple evaluates the probes in order and returns the first
// blocking result, or the most restrictive allowing result.
func (l *Limiter) CheckMultiple(ctx context.Context, probes []Probe) (Result, error) {
	var tightest Result
	have := false
	for _, p := range probes {
		res, err := l.Check(ctx, p.Rule, p.Key)
		if err != nil {
			return Result{}, err
		}
		if !res.Allowed {
			return res, nil
		}
		if !have || res.Remaining < tightest.Remaining {
			tightest = res
			have = true
		}
	}
	if !have {
		return Result{Allowed: true}, nil
	}
	return tightest, nil
}

// Acquire is Check plus the delay action: when a delay rule blocks, it
// sleeps until the window resets (bounded by ctx) and retries once.
func (l *Limiter) Acquire(ctx context.Context, ruleName, key string) (Result, error) {
	res, err := l.Check(ctx, ruleName, key)
	if err != nil || res.Allowed {
		return res, err
	}
	rule, err := l.GetRule(ruleName)
	if err != nil || rule.OnExceed != Delay {
		return res, err
	}

	wait := res.ResetAt.Sub(l.clock())
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer.C:
		}
	}
	return l.Check(ctx, ruleName, key)
}

// Reset clears the window for (rule, key).
func (l *Limiter) Reset(ctx context.Context, ruleName, key string) error {
	rule, err := l.GetRule(ruleName)
	if err != nil {
		return err
	}
	return l.store.Reset(ctx, windowKey(rule, key))
}

// Stats snapshots limiter counters and the live window count.
func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	active, err := l.store.ActiveWindows(ctx)
	if err != nil {
		return Stats{}, err
	}
	l.mu.RLock()
	rules := len(l.rules)
	l.mu.RUnlock()
	return Stats{
		ActiveWindows: active,
		Rules:         rules,
		TotalHits:     l.totalHits.Load(),
		TotalChecks:   l.totalChecks.Load(),
	}, nil
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			removed, err := l.store.Sweep(context.Background(), l.clock())
			if err != nil {
				l.logger.Warn("window sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				l.logger.Debug("expired windows swept", "removed", removed)
			}
		}
	}
}

// windowKey is "<rule>:<keyType>:<key>". Global rules share one window.
func windowKey(rule Rule, key string) string {
	if rule.KeyType == KeyGlobal {
		key = "global"
	}
	return rule.Name + ":" + string(rule.KeyType) + ":" + key
}

// retryAfterSeconds is the ceiling of the time to window reset.
func retryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func validateRule(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidRule, r.Name)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: %s: maxRequests must be positive", ErrInvalidRule, r.Name)
	}
	switch r.KeyType {
	case KeyIP, KeyUser, KeyAPIKey, KeyGlobal:
	default:
		return fmt.Errorf("%w: %s: unknown key type %q", ErrInvalidRule, r.Name, r.KeyType)
	}
	switch r.OnExceed {
	case Reject, Delay, LogOnly:
	default:
		return fmt.Errorf("%w: %s: unknown exceed action %q", ErrInvalidRule, r.Name, r.OnExceed)
	}
	return nil
}
