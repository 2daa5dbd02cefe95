package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

const testPassword = "correct-horse-battery-staple"

// fakeClock advances only when told to, so token and window arithmetic
// is exact.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testRig struct {
	svc     *Service
	store   *MemoryStorage
	chain   *audit.Chain
	entries *audit.MemoryStorage
	clock   *fakeClock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	clock := newFakeClock()

	keyring, err := audit.NewKeyring("key-1", bytes.Repeat([]byte{'k'}, 32))
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	entries := audit.NewMemoryStorage()
	chain, err := audit.NewChain(context.Background(), entries, keyring, audit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(),
		ratelimit.WithClock(clock.Now), ratelimit.WithoutSweeper())
	t.Cleanup(limiter.Stop)

	store := NewMemoryStorage()
	svc, err := NewService(context.Background(), Config{
		TokenSecret:  bytes.Repeat([]byte{'s'}, 32),
		PasswordHash: HashPassword(testPassword),
	}, store, chain, limiter, WithClock(clock.Now), WithoutJanitor())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Stop)

	return &testRig{svc: svc, store: store, chain: chain, entries: entries, clock: clock}
}

// lastEvent returns the newest audit entry's event name.
func (r *testRig) lastEvent(t *testing.T) string {
	t.Helper()
	all, err := r.entries.All(context.Background())
	if err != nil {
		t.Fatalf("audit read failed: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("audit chain is empty")
	}
	return all[len(all)-1].Event
}

func TestNewService_RejectsWeakConfig(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := NewService(ctx, Config{
		TokenSecret:  []byte("short"),
		PasswordHash: HashPassword(testPassword),
	}, store, nil, nil, WithoutJanitor())
	if err == nil {
		t.Error("short token secret should be rejected")
	}

	_, err = NewService(ctx, Config{
		TokenSecret:  bytes.Repeat([]byte{'s'}, 32),
		PasswordHash: "not-hex",
	}, store, nil, nil, WithoutJanitor())
	if err == nil {
		t.Error("malformed password hash should be rejected")
	}
}

func TestLogin_IssuesValidSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("session missing token or refresh token")
	}
	if got := rig.lastEvent(t); got != "login_succeeded" {
		t.Errorf("last audit event = %q, want login_succeeded", got)
	}

	user, err := rig.svc.ValidateToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if user.UserID != AdminUserID || user.Role != adminRole || user.Method != MethodBearer {
		t.Errorf("unexpected principal: %+v", user)
	}
	if user.JTI == "" {
		t.Error("principal missing jti")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.svc.Login(context.Background(), "wrong", "127.0.0.1", false)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if got := rig.lastEvent(t); got != "login_failed" {
		t.Errorf("last audit event = %q, want login_failed", got)
	}
}

// Five failed attempts from one address exhaust auth_attempts; the sixth
// is throttled before the password is even checked.
func TestLogin_RateLimitedPerIP(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := rig.svc.Login(ctx, "wrong", "10.0.0.7", false); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	_, err := rig.svc.Login(ctx, testPassword, "10.0.0.7", false)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitedError
	if !errors.As(err, &rle) || rle.RetryAfter < 1 {
		t.Errorf("expected retry hint, got %v", err)
	}

	// Another address is unaffected.
	if _, err := rig.svc.Login(ctx, testPassword, "10.0.0.8", false); err != nil {
		t.Errorf("other ip should login: %v", err)
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.svc.ValidateToken(context.Background(), "not.a.token")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

// A token whose header claims alg "none" must never validate, whatever
// its payload says.
func TestValidateToken_RejectsAlgNone(t *testing.T) {
	rig := newTestRig(t)

	enc := func(s string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(s))
	}
	exp := rig.clock.Now().Add(time.Hour).Unix()
	forged := enc(`{"alg":"none","typ":"JWT"}`) + "." +
		enc(fmt.Sprintf(`{"sub":"admin","role":"admin","exp":%d}`, exp)) + "."

	_, err := rig.svc.ValidateToken(context.Background(), forged)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rig.clock.Advance(2 * time.Hour)
	_, err = rig.svc.ValidateToken(ctx, sess.Token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestLogout_BlacklistsJTI(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := rig.svc.Logout(ctx, sess.Token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if got := rig.lastEvent(t); got != "logout" {
		t.Errorf("last audit event = %q, want logout", got)
	}

	_, err = rig.svc.ValidateToken(ctx, sess.Token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("blacklisted token: err = %v, want ErrTokenExpired", err)
	}
}

// Refresh tokens are single use: the first exchange works, replaying the
// consumed token does not, and the replacement token works.
func TestRefresh_SingleUse(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	next, err := rig.svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.RefreshToken == sess.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	if _, err := rig.svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("replayed refresh: err = %v, want ErrTokenInvalid", err)
	}
	if _, err := rig.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Errorf("rotated refresh should work: %v", err)
	}
}

func TestRefresh_Expired(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rig.clock.Advance(25 * time.Hour)
	if _, err := rig.svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestRefresh_Unknown(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.svc.Refresh(context.Background(), "never-issued"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

// A password reset moves the session epoch forward: every token minted
// before it, and every outstanding refresh token, is void at once.
func TestResetPassword_InvalidatesEverything(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := rig.svc.ResetPassword(ctx, "wrong", "irrelevant"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: err = %v, want ErrInvalidCredentials", err)
	}

	rig.clock.Advance(time.Minute)
	const newPassword = "a-different-passphrase"
	if err := rig.svc.ResetPassword(ctx, testPassword, newPassword); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if got := rig.lastEvent(t); got != "password_reset" {
		t.Errorf("last audit event = %q, want password_reset", got)
	}

	if _, err := rig.svc.ValidateToken(ctx, sess.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("pre-reset token: err = %v, want ErrTokenExpired", err)
	}
	if _, err := rig.svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("pre-reset refresh: err = %v, want ErrTokenInvalid", err)
	}
	if _, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password should be dead: %v", err)
	}
	if _, err := rig.svc.Login(ctx, newPassword, "127.0.0.1", false); err != nil {
		t.Errorf("new password should login: %v", err)
	}
}

// Rotating the signing secret keeps tokens from the previous secret alive
// until the grace window closes or is cleared.
func TestUpdateTokenSecret_GraceWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := rig.svc.UpdateTokenSecret(ctx, bytes.Repeat([]byte{'n'}, 32)); err != nil {
		t.Fatalf("UpdateTokenSecret failed: %v", err)
	}
	if got := rig.lastEvent(t); got != "token_secret_rotated" {
		t.Errorf("last audit event = %q, want token_secret_rotated", got)
	}

	// Old-secret token still validates inside the grace window.
	if _, err := rig.svc.ValidateToken(ctx, sess.Token); err != nil {
		t.Fatalf("token under previous secret should validate in grace: %v", err)
	}

	// New sessions sign with the new secret.
	fresh, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := rig.svc.ValidateToken(ctx, fresh.Token); err != nil {
		t.Fatalf("token under new secret should validate: %v", err)
	}

	rig.svc.ClearPreviousSecret()
	if _, err := rig.svc.ValidateToken(ctx, sess.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("after grace cleared: err = %v, want ErrTokenInvalid", err)
	}
	if _, err := rig.svc.ValidateToken(ctx, fresh.Token); err != nil {
		t.Errorf("new-secret token must survive the clear: %v", err)
	}
}

func TestUpdateTokenSecret_GraceExpires(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Login(ctx, testPassword, "127.0.0.1", false)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := rig.svc.UpdateTokenSecret(ctx, bytes.Repeat([]byte{'n'}, 32)); err != nil {
		t.Fatalf("UpdateTokenSecret failed: %v", err)
	}

	rig.clock.Advance(61 * time.Minute)
	if _, err := rig.svc.ValidateToken(ctx, sess.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("after grace expiry: err = %v, want ErrTokenInvalid", err)
	}
}

func TestUpdateTokenSecret_RejectsShort(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.svc.UpdateTokenSecret(context.Background(), []byte("short")); err == nil {
		t.Error("short replacement secret should be rejected")
	}
}

// failingAudit refuses every write, standing in for a hash chain whose
// storage is down.
type failingAudit struct{}

func (failingAudit) Record(context.Context, string, audit.Level, string, ...audit.EntryOption) (*audit.Entry, error) {
	return nil, errors.New("storage down")
}

// When the audit write fails, the login must not leave a usable refresh
// token behind.
func TestLogin_RollsBackOnAuditFailure(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStorage()
	svc, err := NewService(context.Background(), Config{
		TokenSecret:  bytes.Repeat([]byte{'s'}, 32),
		PasswordHash: HashPassword(testPassword),
	}, store, failingAudit{}, nil, WithClock(clock.Now), WithoutJanitor())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer svc.Stop()

	if _, err := svc.Login(context.Background(), testPassword, "127.0.0.1", false); err == nil {
		t.Fatal("login should fail when the audit write fails")
	}

	// Purging with a far-future cutoff counts the rows that exist.
	n, err := store.PurgeRefreshTokens(context.Background(), clock.Now().Add(1000*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 0 {
		t.Errorf("refresh token leaked past rollback: %d rows", n)
	}
}
