package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TakeResult reports the window state after a Take.
type TakeResult struct {
	Allowed     bool
	Count       int
	WindowStart time.Time
}

// Store owns window state. Implementations must make Take atomic per
// key: reset the window if its span elapsed, then increment the count
// when below max, or unconditionally when countOnExceed is set.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int, countOnExceed bool) (TakeResult, error)
	Reset(ctx context.Context, key string) error
	ActiveWindows(ctx context.Context) (int, error)
	// Sweep removes windows whose span elapsed before now. Stores that
	// expire entries on their own may make this a no-op.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type windowEntry struct {
	count     int
	start     time.Time
	expiresAt time.Time
}

// MemoryStore keeps windows in a mutex-guarded map. Suitable for a
// single process; the Redis store covers shared deployments.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*windowEntry)}
}

func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, max int, countOnExceed bool) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &windowEntry{start: now}
		s.windows[key] = w
	}
	w.expiresAt = w.start.Add(window)

	allowed := w.count < max
	if allowed || countOnExceed {
		w.count++
	}
	return TakeResult{Allowed: allowed, Count: w.count, WindowStart: w.start}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ActiveWindows(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows), nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}
