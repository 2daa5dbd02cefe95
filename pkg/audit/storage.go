package audit

import (
	"context"
	"sync"
	"time"
)

// Storage persists chain entries in append order. Implementations must
// return entries exactly as appended; the chain depends on byte-for-byte
// stability of every hashed field.
type Storage interface {
	Append(ctx context.Context, e Entry) error
	Last(ctx context.Context) (Entry, bool, error)
	All(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
	// Range returns entries with from <= timestamp <= to, in chain order.
	// A zero bound is open.
	Range(ctx context.Context, from, to time.Time) ([]Entry, error)
}

// MemoryStorage keeps the chain in process memory. Used when no database
// is configured and throughout the tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e.clone())
	return nil
}

func (m *MemoryStorage) Last(_ context.Context) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1].clone(), true, nil
}

func (m *MemoryStorage) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	return out, nil
}

func (m *MemoryStorage) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStorage) Range(_ context.Context, from, to time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			continue
		}
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		out = append(out, e.clone())
	}
	return out, nil
}

// Tamper overwrites the entry at index i. Test helper for verification
// failure paths; not part of Storage.
func (m *MemoryStorage) Tamper(i int, mutate func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.entries) {
		mutate(&m.entries[i])
	}
}
