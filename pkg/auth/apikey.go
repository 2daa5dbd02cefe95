package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/crypto"
)

// CreateAPIKey mints a scoped key for automation. The raw key is returned
// exactly once; only its hash is stored. If the audit write fails the key
// is tombstoned before the error surfaces.
func (s *Service) CreateAPIKey(ctx context.Context, p CreateKeyParams) (*APIKey, string, error) {
	if p.Name == "" {
		return nil, "", fmt.Errorf("auth: api key name required")
	}
	if p.Role == "" {
		return nil, "", fmt.Errorf("auth: api key role required")
	}
	if p.ExpiresInDays < 0 {
		return nil, "", fmt.Errorf("auth: api key expiry must not be negative")
	}
	userID := p.UserID
	if userID == "" {
		userID = AdminUserID
	}

	suffix, err := crypto.RandomHex(32)
	if err != nil {
		return nil, "", fmt.Errorf("auth: api key generation failed: %w", err)
	}
	raw := KeyPrefix + suffix

	now := s.clock()
	key := APIKey{
		ID:        crypto.NewID(),
		KeyHash:   crypto.SHA256Hex([]byte(raw)),
		Name:      p.Name,
		Role:      p.Role,
		UserID:    userID,
		CreatedAt: now,
	}
	if p.ExpiresInDays > 0 {
		exp := now.Add(time.Duration(p.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}

	if err := s.storage.SaveAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("auth: api key persist failed: %w", err)
	}
	if err := s.auditStrict(ctx, "apikey_created", audit.LevelInfo, "api key created",
		audit.WithUser(userID),
		audit.WithMetadata(map[string]string{"keyId": key.ID, "name": key.Name, "role": key.Role}),
	); err != nil {
		revokedAt := s.clock()
		key.RevokedAt = &revokedAt
		_ = s.storage.UpdateAPIKey(ctx, key)
		return nil, "", err
	}
	return &key, raw, nil
}

// ValidateAPIKey authenticates a raw key. Lookup is by hash, then the
// stored hash is rechecked in constant time.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*AuthUser, error) {
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrAPIKeyInvalid
	}
	hash := crypto.SHA256Hex([]byte(raw))
	key, err := s.storage.APIKeyByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAPIKeyInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("auth: api key lookup failed: %w", err)
	}
	if !crypto.ConstantTimeEqual(key.KeyHash, hash) {
		return nil, ErrAPIKeyInvalid
	}
	if key.Revoked() {
		return nil, ErrAPIKeyRevoked
	}
	if key.Expired(s.clock()) {
		return nil, ErrAPIKeyInvalid
	}
	return &AuthUser{
		UserID:   key.UserID,
		Role:     key.Role,
		Method:   MethodAPIKey,
		APIKeyID: key.ID,
	}, nil
}

// RevokeAPIKey tombstones a key. Revocation is permanent; the row is kept
// so key history stays auditable. Revoking twice is a conflict.
func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	key, err := s.storage.APIKeyByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("auth: api key lookup failed: %w", err)
	}
	if key.Revoked() {
		return ErrAPIKeyRevoked
	}

	now := s.clock()
	key.RevokedAt = &now
	if err := s.storage.UpdateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("auth: api key update failed: %w", err)
	}
	// The key stays revoked even when the audit write fails; reinstating
	// it would be the worse failure.
	return s.auditStrict(ctx, "apikey_revoked", audit.LevelSecurity, "api key revoked",
		audit.WithUser(key.UserID),
		audit.WithMetadata(map[string]string{"keyId": key.ID, "name": key.Name}))
}

// GetAPIKey returns one key record by id.
func (s *Service) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	key, err := s.storage.APIKeyByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: api key lookup failed: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all key records, revoked ones included, newest
// first.
func (s *Service) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	keys, err := s.storage.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: api key list failed: %w", err)
	}
	return keys, nil
}
