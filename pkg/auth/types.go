// Package auth implements operator authentication: password login for the
// single admin account, HS256 bearer tokens with a dual-secret rotation
// grace window, single-use refresh tokens, scoped API keys, and a JWT
// blacklist. All verdicts of consequence are written to the audit chain.
package auth

import (
	"errors"
	"fmt"
	"time"
)

// Method identifies how a caller authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
	MethodMTLS   Method = "mtls"
)

// AdminUserID is the subject of the single operator account.
const AdminUserID = "admin"

// KeyPrefix marks raw API keys so scanners can recognize leaked ones.
const KeyPrefix = "sck_"

// Sentinel errors. The gateway maps these onto HTTP statuses; anything
// not in this set is an internal error.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
	ErrAPIKeyInvalid      = errors.New("auth: api key invalid")
	ErrAPIKeyRevoked      = errors.New("auth: api key revoked")
	ErrAPIKeyNotFound     = errors.New("auth: api key not found")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrNotFound           = errors.New("auth: not found")
)

// RateLimitedError carries the retry hint alongside the ErrRateLimited
// identity, so callers can both branch on errors.Is and emit Retry-After.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limited, retry after %ds", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// AuthUser is the authenticated caller identity attached to a request.
// JTI and ExpiresAt are set for bearer tokens, APIKeyID for API keys.
type AuthUser struct {
	UserID    string
	Role      string
	Method    Method
	JTI       string
	ExpiresAt time.Time
	APIKeyID  string
}

// AdminAccount is the stored operator account. SessionEpoch is the floor
// for bearer token issue times: tokens minted before it are rejected,
// which is how a password reset voids every outstanding session without
// enumerating their jtis.
type AdminAccount struct {
	ID           string
	PasswordHash string // hex sha256 of the password
	SessionEpoch time.Time
	UpdatedAt    time.Time
}

// APIKey is a stored key record. The raw key is never persisted; KeyHash
// is its sha256 hex. Revocation tombstones the row instead of deleting it
// so key history stays auditable.
type APIKey struct {
	ID        string     `json:"id"`
	KeyHash   string     `json:"-"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been tombstoned.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Expired reports whether the key is past its expiry, if it has one.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// RefreshToken is a stored single-use refresh credential, looked up by
// the sha256 hex of the opaque token handed to the client.
type RefreshToken struct {
	TokenHash string
	UserID    string
	Remember  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// BlacklistEntry voids one jti until the token's natural expiry, after
// which the janitor drops it.
type BlacklistEntry struct {
	JTI       string
	UserID    string
	ExpiresAt time.Time
}

// Session is the result of a successful login or refresh.
type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CreateKeyParams describes a new API key. ExpiresInDays zero means the
// key never expires; UserID defaults to the admin account.
type CreateKeyParams struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	UserID        string `json:"userId"`
	ExpiresInDays int    `json:"expiresInDays"`
}
