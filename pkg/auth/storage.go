package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Storage persists auth state: the admin account, API keys, refresh
// tokens, and the JWT blacklist. Lookups that miss return ErrNotFound.
type Storage interface {
	// EnsureAdmin inserts the bootstrap account when no admin row exists
	// and returns the stored row either way, so a password changed at
	// runtime survives restarts with a stale configured hash.
	EnsureAdmin(ctx context.Context, acct AdminAccount) (AdminAccount, error)
	Admin(ctx context.Context) (AdminAccount, error)
	UpdateAdmin(ctx context.Context, acct AdminAccount) error

	SaveAPIKey(ctx context.Context, k APIKey) error
	APIKeyByHash(ctx context.Context, keyHash string) (APIKey, error)
	APIKeyByID(ctx context.Context, id string) (APIKey, error)
	UpdateAPIKey(ctx context.Context, k APIKey) error
	ListAPIKeys(ctx context.Context) ([]APIKey, error)

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	RefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, hash string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) error
	PurgeRefreshTokens(ctx context.Context, now time.Time) (int, error)

	BlacklistToken(ctx context.Context, e BlacklistEntry) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	PurgeBlacklist(ctx context.Context, now time.Time) (int, error)
}

// MemoryStorage keeps auth state in process memory. Used when no database
// is configured and throughout the tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	admin     *AdminAccount
	keys      map[string]APIKey // by id
	byHash    map[string]string // key hash -> id
	refresh   map[string]RefreshToken
	blacklist map[string]BlacklistEntry
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		keys:      make(map[string]APIKey),
		byHash:    make(map[string]string),
		refresh:   make(map[string]RefreshToken),
		blacklist: make(map[string]BlacklistEntry),
	}
}

func (m *MemoryStorage) EnsureAdmin(_ context.Context, acct AdminAccount) (AdminAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == nil {
		copied := acct
		m.admin = &copied
	}
	return *m.admin, nil
}

func (m *MemoryStorage) Admin(_ context.Context) (AdminAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.admin == nil {
		return AdminAccount{}, ErrNotFound
	}
	return *m.admin, nil
}

func (m *MemoryStorage) UpdateAdmin(_ context.Context, acct AdminAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == nil {
		return ErrNotFound
	}
	copied := acct
	m.admin = &copied
	return nil
}

func (m *MemoryStorage) SaveAPIKey(_ context.Context, k APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = k
	m.byHash[k.KeyHash] = k.ID
	return nil
}

func (m *MemoryStorage) APIKeyByHash(_ context.Context, keyHash string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[keyHash]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return m.keys[id], nil
}

func (m *MemoryStorage) APIKeyByID(_ context.Context, id string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryStorage) UpdateAPIKey(_ context.Context, k APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.ID]; !ok {
		return ErrNotFound
	}
	m.keys[k.ID] = k
	m.byHash[k.KeyHash] = k.ID
	return nil
}

func (m *MemoryStorage) ListAPIKeys(_ context.Context) ([]APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) SaveRefreshToken(_ context.Context, t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[t.TokenHash] = t
	return nil
}

func (m *MemoryStorage) RefreshTokenByHash(_ context.Context, hash string) (RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.refresh[hash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStorage) DeleteRefreshToken(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, hash)
	return nil
}

func (m *MemoryStorage) DeleteUserRefreshTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.refresh {
		if t.UserID == userID {
			delete(m.refresh, hash)
		}
	}
	return nil
}

func (m *MemoryStorage) PurgeRefreshTokens(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for hash, t := range m.refresh {
		if now.After(t.ExpiresAt) {
			delete(m.refresh, hash)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) BlacklistToken(_ context.Context, e BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[e.JTI] = e
	return nil
}

func (m *MemoryStorage) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blacklist[jti]
	return ok, nil
}

func (m *MemoryStorage) PurgeBlacklist(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for jti, e := range m.blacklist {
		if now.After(e.ExpiresAt) {
			delete(m.blacklist, jti)
			n++
		}
	}
	return n, nil
}
