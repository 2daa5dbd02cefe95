package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStorage implements Storage using database/sql. It works under both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); $N placeholders are
// understood by both drivers.
type SQLStorage struct {
	db *sql.DB
}

const authSchema = `
CREATE TABLE IF NOT EXISTS auth_users (
	id TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	session_epoch_unix_ns BIGINT NOT NULL,
	updated_at_unix_ns BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at_unix_ns BIGINT NOT NULL,
	expires_at_unix_ns BIGINT,
	revoked_at_unix_ns BIGINT
);
CREATE TABLE IF NOT EXISTS auth_refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	remember INTEGER NOT NULL,
	created_at_unix_ns BIGINT NOT NULL,
	expires_at_unix_ns BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_jwt_blacklist (
	jti TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at_unix_ns BIGINT NOT NULL
);
`

const apiKeyColumns = `id, key_hash, name, role, user_id, created_at_unix_ns, expires_at_unix_ns, revoked_at_unix_ns`

// NewSQLStorage creates the schema if needed.
func NewSQLStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	if _, err := db.ExecContext(ctx, authSchema); err != nil {
		return nil, fmt.Errorf("auth: schema migration failed: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) EnsureAdmin(ctx context.Context, acct AdminAccount) (AdminAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_users (id, password_hash, session_epoch_unix_ns, updated_at_unix_ns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, acct.ID, acct.PasswordHash, unixNS(acct.SessionEpoch), unixNS(acct.UpdatedAt))
	if err != nil {
		return AdminAccount{}, fmt.Errorf("auth: admin insert failed: %w", err)
	}
	return s.Admin(ctx)
}

func (s *SQLStorage) Admin(ctx context.Context) (AdminAccount, error) {
	var (
		acct    AdminAccount
		epoch   int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash, session_epoch_unix_ns, updated_at_unix_ns
		FROM auth_users LIMIT 1
	`).Scan(&acct.ID, &acct.PasswordHash, &epoch, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminAccount{}, ErrNotFound
	}
	if err != nil {
		return AdminAccount{}, fmt.Errorf("auth: admin query failed: %w", err)
	}
	acct.SessionEpoch = fromUnixNS(epoch)
	acct.UpdatedAt = fromUnixNS(updated)
	return acct, nil
}

func (s *SQLStorage) UpdateAdmin(ctx context.Context, acct AdminAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_users SET password_hash = $2, session_epoch_unix_ns = $3, updated_at_unix_ns = $4
		WHERE id = $1
	`, acct.ID, acct.PasswordHash, unixNS(acct.SessionEpoch), unixNS(acct.UpdatedAt))
	if err != nil {
		return fmt.Errorf("auth: admin update failed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStorage) SaveAPIKey(ctx context.Context, k APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, k.ID, k.KeyHash, k.Name, k.Role, k.UserID,
		unixNS(k.CreatedAt), optionalNS(k.ExpiresAt), optionalNS(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("auth: api key insert failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) APIKeyByHash(ctx context.Context, keyHash string) (APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM auth_api_keys WHERE key_hash = $1`, keyHash)
	return scanAPIKey(row)
}

func (s *SQLStorage) APIKeyByID(ctx context.Context, id string) (APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM auth_api_keys WHERE id = $1`, id)
	return scanAPIKey(row)
}

func (s *SQLStorage) UpdateAPIKey(ctx context.Context, k APIKey) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_api_keys
		SET name = $2, role = $3, user_id = $4, expires_at_unix_ns = $5, revoked_at_unix_ns = $6
		WHERE id = $1
	`, k.ID, k.Name, k.Role, k.UserID, optionalNS(k.ExpiresAt), optionalNS(k.RevokedAt))
	if err != nil {
		return fmt.Errorf("auth: api key update failed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStorage) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM auth_api_keys ORDER BY created_at_unix_ns DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("auth: api key query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: api key iteration failed: %w", err)
	}
	return keys, nil
}

func (s *SQLStorage) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	remember := 0
	if t.Remember {
		remember = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (token_hash, user_id, remember, created_at_unix_ns, expires_at_unix_ns)
		VALUES ($1, $2, $3, $4, $5)
	`, t.TokenHash, t.UserID, remember, unixNS(t.CreatedAt), unixNS(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("auth: refresh token insert failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) RefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	var (
		t        RefreshToken
		remember int
		created  int64
		expires  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, remember, created_at_unix_ns, expires_at_unix_ns
		FROM auth_refresh_tokens WHERE token_hash = $1
	`, hash).Scan(&t.TokenHash, &t.UserID, &remember, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("auth: refresh token query failed: %w", err)
	}
	t.Remember = remember != 0
	t.CreatedAt = fromUnixNS(created)
	t.ExpiresAt = fromUnixNS(expires)
	return t, nil
}

func (s *SQLStorage) DeleteRefreshToken(ctx context.Context, hash string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_refresh_tokens WHERE token_hash = $1`, hash); err != nil {
		return fmt.Errorf("auth: refresh token delete failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("auth: refresh token purge failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) PurgeRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_refresh_tokens WHERE expires_at_unix_ns < $1`, unixNS(now))
	if err != nil {
		return 0, fmt.Errorf("auth: refresh token purge failed: %w", err)
	}
	return rowsAffected(res), nil
}

func (s *SQLStorage) BlacklistToken(ctx context.Context, e BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_jwt_blacklist (jti, user_id, expires_at_unix_ns)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING
	`, e.JTI, e.UserID, unixNS(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("auth: blacklist insert failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auth_jwt_blacklist WHERE jti = $1`, jti).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("auth: blacklist query failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStorage) PurgeBlacklist(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_jwt_blacklist WHERE expires_at_unix_ns < $1`, unixNS(now))
	if err != nil {
		return 0, fmt.Errorf("auth: blacklist purge failed: %w", err)
	}
	return rowsAffected(res), nil
}

type apiKeyScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row apiKeyScanner) (APIKey, error) {
	var (
		k       APIKey
		created int64
		expires sql.NullInt64
		revoked sql.NullInt64
	)
	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.Role, &k.UserID, &created, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("auth: api key scan failed: %w", err)
	}
	k.CreatedAt = fromUnixNS(created)
	if expires.Valid {
		t := fromUnixNS(expires.Int64)
		k.ExpiresAt = &t
	}
	if revoked.Valid {
		t := fromUnixNS(revoked.Int64)
		k.RevokedAt = &t
	}
	return k, nil
}

func unixNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func optionalNS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func requireRow(res sql.Result) error {
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
