package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLStorage implements Storage using database/sql. It works under both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); $N placeholders are
// understood by both drivers.
type SQLStorage struct {
	db *sql.DB

	mu      sync.Mutex
	nextSeq int64
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq BIGINT PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	ts TEXT NOT NULL,
	ts_unix_ns BIGINT NOT NULL,
	event TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	user_id TEXT,
	task_id TEXT,
	correlation_id TEXT,
	metadata TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	key_id TEXT NOT NULL
);
`

const auditColumns = `seq, id, ts, ts_unix_ns, event, level, message, user_id, task_id, correlation_id, metadata, previous_hash, hash, signature, key_id`

// NewSQLStorage creates the schema if needed and resumes the sequence
// counter from the highest persisted entry.
func NewSQLStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("audit: schema migration failed: %w", err)
	}

	s := &SQLStorage{db: db, nextSeq: 1}
	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_entries`).Scan(&max); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit: sequence recovery failed: %w", err)
	}
	if max.Valid {
		s.nextSeq = max.Int64 + 1
	}
	return s, nil
}

func (s *SQLStorage) Append(ctx context.Context, e Entry) error {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: unparseable timestamp %q: %w", e.Timestamp, err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: metadata marshal failed: %w", err)
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		seq, e.ID, e.Timestamp, ts.UnixNano(), e.Event, string(e.Level), e.Message,
		nullable(e.UserID), nullable(e.TaskID), nullable(e.CorrelationID),
		string(metadata), e.PreviousHash, e.Hash, e.Signature, e.KeyID,
	)
	if err != nil {
		s.mu.Lock()
		if s.nextSeq == seq+1 {
			s.nextSeq = seq
		}
		s.mu.Unlock()
		return fmt.Errorf("audit: insert failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) Last(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLStorage) All(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY seq ASC`)
}

func (s *SQLStorage) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count failed: %w", err)
	}
	return n, nil
}

func (s *SQLStorage) Range(ctx context.Context, from, to time.Time) ([]Entry, error) {
	lo := int64(0)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	hi := int64(1<<63 - 1)
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	return s.query(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE ts_unix_ns >= $1 AND ts_unix_ns <= $2 ORDER BY seq ASC`,
		lo, hi,
	)
}

func (s *SQLStorage) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: row iteration failed: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		seq      int64
		tsNano   int64
		level    string
		userID   sql.NullString
		taskID   sql.NullString
		corrID   sql.NullString
		metadata string
	)
	err := row.Scan(&seq, &e.ID, &e.Timestamp, &tsNano, &e.Event, &level, &e.Message,
		&userID, &taskID, &corrID, &metadata, &e.PreviousHash, &e.Hash, &e.Signature, &e.KeyID)
	if err != nil {
		return Entry{}, err
	}

	e.Level = Level(level)
	e.UserID = userID.String
	e.TaskID = taskID.String
	e.CorrelationID = corrID.String
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return Entry{}, fmt.Errorf("audit: metadata decode failed: %w", err)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
