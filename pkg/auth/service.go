package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

// adminRole is the role claim minted into operator tokens.
const adminRole = "admin"

// ruleAuthAttempts is the limiter rule consulted before every login.
const ruleAuthAttempts = "auth_attempts"

// AuditLog is the slice of the audit chain the service writes to.
type AuditLog interface {
	Record(ctx context.Context, event string, level audit.Level, message string, opts ...audit.EntryOption) (*audit.Entry, error)
}

// Limiter is the slice of the rate limiter consulted at login.
type Limiter interface {
	Check(ctx context.Context, ruleName, key string) (ratelimit.Result, error)
}

// Config carries the secrets and lifetimes the service boots with. Zero
// durations take the defaults noted per field.
type Config struct {
	TokenSecret  []byte        // HS256 signing secret, at least 32 bytes
	PasswordHash string        // hex sha256 of the admin password
	TokenTTL     time.Duration // bearer token lifetime; default 1h
	RefreshTTL   time.Duration // refresh token lifetime; default 24h
	RememberTTL  time.Duration // refresh lifetime with rememberMe; default 30d
	GraceTTL     time.Duration // previous-secret validity after rotation; default 1h
}

// Service implements operator authentication. Exactly one admin account
// exists; API keys delegate scoped access to automation.
type Service struct {
	mu             sync.RWMutex
	secret         []byte
	previousSecret []byte
	graceUntil     time.Time

	storage Storage
	chain   AuditLog
	limiter Limiter
	logger  *slog.Logger
	clock   func() time.Time

	tokenTTL    time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	graceTTL    time.Duration

	janitorEvery time.Duration
	done         chan struct{}
	stopOnce     sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// WithJanitorInterval overrides the expired-entry purge cadence.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Service) { s.janitorEvery = d }
}

// WithoutJanitor disables the background janitor.
func WithoutJanitor() Option {
	return func(s *Service) { s.janitorEvery = 0 }
}

// HashPassword returns the stored form of a password.
func HashPassword(password string) string {
	return crypto.SHA256Hex([]byte(password))
}

// NewService validates cfg, bootstraps the admin account if storage has
// none, and starts the blacklist janitor. A password changed at runtime
// wins over the configured hash across restarts.
func NewService(ctx context.Context, cfg Config, storage Storage, chain AuditLog, limiter Limiter, opts ...Option) (*Service, error) {
	if len(cfg.TokenSecret) < crypto.MinKeyBytes {
		return nil, fmt.Errorf("auth: token secret: %w", crypto.ErrKeyTooShort)
	}
	if raw, err := hex.DecodeString(cfg.PasswordHash); err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("auth: password hash must be hex sha256")
	}

	s := &Service{
		secret:       append([]byte(nil), cfg.TokenSecret...),
		storage:      storage,
		chain:        chain,
		limiter:      limiter,
		logger:       slog.Default(),
		clock:        time.Now,
		tokenTTL:     cfg.TokenTTL,
		refreshTTL:   cfg.RefreshTTL,
		rememberTTL:  cfg.RememberTTL,
		graceTTL:     cfg.GraceTTL,
		janitorEvery: 5 * time.Minute,
		done:         make(chan struct{}),
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = time.Hour
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 24 * time.Hour
	}
	if s.rememberTTL <= 0 {
		s.rememberTTL = 30 * 24 * time.Hour
	}
	if s.graceTTL <= 0 {
		s.graceTTL = time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := storage.EnsureAdmin(ctx, AdminAccount{
		ID:           AdminUserID,
		PasswordHash: cfg.PasswordHash,
		UpdatedAt:    s.clock(),
	}); err != nil {
		return nil, fmt.Errorf("auth: admin bootstrap failed: %w", err)
	}

	if s.janitorEvery > 0 {
		go s.janitor()
	}
	return s, nil
}

// Stop terminates the background janitor.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Login authenticates the operator password. The auth_attempts rule is
// consulted before the password is examined, so throttled and failed
// attempts are indistinguishable by hash-comparison timing.
func (s *Service) Login(ctx context.Context, password, ip string, rememberMe bool) (*Session, error) {
	if s.limiter != nil {
		res, err := s.limiter.Check(ctx, ruleAuthAttempts, ip)
		if err != nil {
			return nil, fmt.Errorf("auth: limiter check failed: %w", err)
		}
		if !res.Allowed {
			return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
		}
	}

	acct, err := s.storage.Admin(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: admin lookup failed: %w", err)
	}
	if !crypto.ConstantTimeEqual(HashPassword(password), acct.PasswordHash) {
		s.audit(ctx, "login_failed", audit.LevelWarn, "invalid admin credentials",
			audit.WithMetadata(map[string]string{"ip": ip}))
		return nil, ErrInvalidCredentials
	}

	sess, err := s.mintSession(ctx, acct.ID, rememberMe)
	if err != nil {
		return nil, err
	}
	if err := s.auditStrict(ctx, "login_succeeded", audit.LevelInfo, "admin login",
		audit.WithUser(acct.ID),
		audit.WithMetadata(map[string]string{"ip": ip, "rememberMe": strconv.FormatBool(rememberMe)}),
	); err != nil {
		_ = s.storage.DeleteRefreshToken(ctx, crypto.SHA256Hex([]byte(sess.RefreshToken)))
		return nil, err
	}
	return sess, nil
}

// mintSession issues a bearer token and its paired refresh token.
func (s *Service) mintSession(ctx context.Context, userID string, remember bool) (*Session, error) {
	now := s.clock()
	exp := now.Add(s.tokenTTL)

	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()

	token, err := signToken(secret, userID, adminRole, crypto.NewID(), now, exp)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh token generation failed: %w", err)
	}
	ttl := s.refreshTTL
	if remember {
		ttl = s.rememberTTL
	}
	if err := s.storage.SaveRefreshToken(ctx, RefreshToken{
		TokenHash: crypto.SHA256Hex([]byte(raw)),
		UserID:    userID,
		Remember:  remember,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return nil, fmt.Errorf("auth: refresh token persist failed: %w", err)
	}

	return &Session{Token: token, RefreshToken: raw, ExpiresAt: exp}, nil
}

// ValidateToken verifies a bearer token and returns the caller identity.
// Blacklisted jtis and tokens minted before the account session epoch are
// rejected as expired.
func (s *Service) ValidateToken(ctx context.Context, raw string) (*AuthUser, error) {
	claims, err := s.parseWithGrace(raw)
	if err != nil {
		return nil, err
	}

	blacklisted, err := s.storage.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: blacklist lookup failed: %w", err)
	}
	if blacklisted {
		return nil, ErrTokenExpired
	}

	acct, err := s.storage.Admin(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: admin lookup failed: %w", err)
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(acct.SessionEpoch) {
		return nil, ErrTokenExpired
	}

	return &AuthUser{
		UserID:    claims.Subject,
		Role:      claims.Role,
		Method:    MethodBearer,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout blacklists the token's jti until its natural expiry. The entry
// stays even if the audit write fails; the failure surfaces to the caller.
func (s *Service) Logout(ctx context.Context, raw string) error {
	user, err := s.ValidateToken(ctx, raw)
	if err != nil {
		return err
	}
	if err := s.storage.BlacklistToken(ctx, BlacklistEntry{
		JTI:       user.JTI,
		UserID:    user.UserID,
		ExpiresAt: user.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("auth: blacklist insert failed: %w", err)
	}
	return s.auditStrict(ctx, "logout", audit.LevelInfo, "session terminated",
		audit.WithUser(user.UserID),
		audit.WithMetadata(map[string]string{"jti": user.JTI}))
}

// Refresh exchanges a refresh token for a new session. Refresh tokens are
// single use: the presented token is consumed before its replacement is
// issued.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*Session, error) {
	hash := crypto.SHA256Hex([]byte(rawRefresh))
	rt, err := s.storage.RefreshTokenByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("auth: refresh lookup failed: %w", err)
	}
	if err := s.storage.DeleteRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("auth: refresh consume failed: %w", err)
	}
	if s.clock().After(rt.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	sess, err := s.mintSession(ctx, rt.UserID, rt.Remember)
	if err != nil {
		return nil, err
	}
	if err := s.auditStrict(ctx, "token_refreshed", audit.LevelInfo, "session refreshed",
		audit.WithUser(rt.UserID),
	); err != nil {
		_ = s.storage.DeleteRefreshToken(ctx, crypto.SHA256Hex([]byte(sess.RefreshToken)))
		return nil, err
	}
	return sess, nil
}

// ResetPassword verifies the current password, installs the new hash, and
// moves the session epoch forward so every outstanding bearer token and
// refresh token is void.
func (s *Service) ResetPassword(ctx context.Context, current, next string) error {
	if next == "" {
		return fmt.Errorf("auth: new password required")
	}
	acct, err := s.storage.Admin(ctx)
	if err != nil {
		return fmt.Errorf("auth: admin lookup failed: %w", err)
	}
	if !crypto.ConstantTimeEqual(HashPassword(current), acct.PasswordHash) {
		s.audit(ctx, "login_failed", audit.LevelWarn, "password reset with invalid credentials",
			audit.WithUser(acct.ID))
		return ErrInvalidCredentials
	}

	now := s.clock()
	acct.PasswordHash = HashPassword(next)
	acct.SessionEpoch = now
	acct.UpdatedAt = now
	if err := s.storage.UpdateAdmin(ctx, acct); err != nil {
		return fmt.Errorf("auth: admin update failed: %w", err)
	}
	if err := s.storage.DeleteUserRefreshTokens(ctx, acct.ID); err != nil {
		return fmt.Errorf("auth: refresh purge failed: %w", err)
	}
	return s.auditStrict(ctx, "password_reset", audit.LevelSecurity,
		"admin password reset, all sessions invalidated", audit.WithUser(acct.ID))
}

// UpdateTokenSecret rotates the JWT signing secret. The outgoing secret
// keeps verifying tokens until the grace window closes. If the audit
// write fails the rotation is rolled back.
func (s *Service) UpdateTokenSecret(ctx context.Context, next []byte) error {
	if len(next) < crypto.MinKeyBytes {
		return fmt.Errorf("auth: token secret: %w", crypto.ErrKeyTooShort)
	}
	graceUntil := s.clock().Add(s.graceTTL)

	s.mu.Lock()
	oldSecret, oldPrevious, oldGrace := s.secret, s.previousSecret, s.graceUntil
	s.previousSecret = s.secret
	s.secret = append([]byte(nil), next...)
	s.graceUntil = graceUntil
	s.mu.Unlock()

	if err := s.auditStrict(ctx, "token_secret_rotated", audit.LevelSecurity, "jwt signing secret rotated",
		audit.WithMetadata(map[string]string{"graceUntil": graceUntil.UTC().Format(time.RFC3339)}),
	); err != nil {
		s.mu.Lock()
		s.secret, s.previousSecret, s.graceUntil = oldSecret, oldPrevious, oldGrace
		s.mu.Unlock()
		return err
	}
	return nil
}

// ClearPreviousSecret ends the rotation grace window immediately.
func (s *Service) ClearPreviousSecret() {
	s.mu.Lock()
	s.previousSecret = nil
	s.graceUntil = time.Time{}
	s.mu.Unlock()
}

// audit records best effort: failures are logged, never surfaced. Used on
// paths that change no state.
func (s *Service) audit(ctx context.Context, event string, level audit.Level, msg string, opts ...audit.EntryOption) {
	_ = s.auditStrict(ctx, event, level, msg, opts...)
}

// auditStrict records an entry and propagates failure so state-changing
// operations can roll back or surface the loss.
func (s *Service) auditStrict(ctx context.Context, event string, level audit.Level, msg string, opts ...audit.EntryOption) error {
	if s.chain == nil {
		return nil
	}
	if _, err := s.chain.Record(ctx, event, level, msg, opts...); err != nil {
		s.logger.Error("audit record failed", "event", event, "error", err)
		return fmt.Errorf("auth: audit write failed: %w", err)
	}
	return nil
}

// janitor drops expired blacklist entries and refresh tokens on a fixed
// cadence.
func (s *Service) janitor() {
	ticker := time.NewTicker(s.janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *Service) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.clock()
	if n, err := s.storage.PurgeBlacklist(ctx, now); err != nil {
		s.logger.Warn("blacklist purge failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("blacklist purged", "removed", n)
	}
	if n, err := s.storage.PurgeRefreshTokens(ctx, now); err != nil {
		s.logger.Warn("refresh token purge failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("refresh tokens purged", "removed", n)
	}
}
