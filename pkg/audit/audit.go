// Package audit implements the hash-linked, HMAC-signed append-only audit
// chain. Every entry carries the hash of its predecessor, a SHA-256 digest
// of its own canonical form, and an HMAC-SHA-256 signature, so both
// tampering and truncation in the middle of the chain are detectable.
// Signing keys rotate without breaking verifiability: retired keys stay in
// the keyring and each entry names the key that signed it.
package audit

import (
	"errors"
)

// Genesis is the previousHash of the first chain entry.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// EventKeyRotated is recorded by the chain itself when the signing key
// changes. It is always signed by the retiring key.
const EventKeyRotated = "audit_key_rotated"

// Level classifies an audit entry.
type Level string

const (
	LevelTrace    Level = "trace"
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelSecurity Level = "security"
)

func (l Level) valid() bool {
	switch l {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelSecurity:
		return true
	}
	return false
}

var (
	// ErrInvalidLevel is returned when Record is called with an unknown level.
	ErrInvalidLevel = errors.New("audit: invalid level")
	// ErrDuplicateKeyID is returned when a rotation reuses a key id.
	ErrDuplicateKeyID = errors.New("audit: key id already in keyring")
	// ErrUnknownKeyID is returned when a keyring lookup misses.
	ErrUnknownKeyID = errors.New("audit: unknown key id")
	// ErrEntryNotFound is returned by storage lookups that miss.
	ErrEntryNotFound = errors.New("audit: entry not found")
)

// Entry is one link of the chain. Timestamp is the RFC3339Nano UTC string
// that was hashed; it is kept as a string so verification never depends on
// time parsing round trips.
type Entry struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	Event         string            `json:"event"`
	Level         Level             `json:"level"`
	Message       string            `json:"message"`
	UserID        string            `json:"userId,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	PreviousHash  string            `json:"previousHash"`
	Hash          string            `json:"hash"`
	Signature     string            `json:"signature"`
	KeyID         string            `json:"keyId"`
}

// hashView is the exact object the entry hash covers. Optional fields are
// absent when empty, never null, so the canonical form is stable.
func (e *Entry) hashView() map[string]any {
	view := map[string]any{
		"id":           e.ID,
		"timestamp":    e.Timestamp,
		"event":        e.Event,
		"level":        string(e.Level),
		"message":      e.Message,
		"metadata":     e.Metadata,
		"previousHash": e.PreviousHash,
	}
	if e.UserID != "" {
		view["userId"] = e.UserID
	}
	if e.TaskID != "" {
		view["taskId"] = e.TaskID
	}
	if e.CorrelationID != "" {
		view["correlationId"] = e.CorrelationID
	}
	return view
}

// signingString is what the HMAC signature covers: the entry hash bound to
// its position in the chain.
func (e *Entry) signingString() []byte {
	return []byte(e.Hash + ":" + e.PreviousHash)
}

// clone returns a deep copy so callers and watchers cannot mutate stored
// entries.
func (e Entry) clone() Entry {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// EntryOption attaches optional fields to a recorded entry.
type EntryOption func(*Entry)

// WithUser tags the entry with the acting user id.
func WithUser(userID string) EntryOption {
	return func(e *Entry) { e.UserID = userID }
}

// WithTask tags the entry with a task id.
func WithTask(taskID string) EntryOption {
	return func(e *Entry) { e.TaskID = taskID }
}

// WithCorrelation tags the entry with a correlation id shared across a
// request or task pipeline.
func WithCorrelation(id string) EntryOption {
	return func(e *Entry) { e.CorrelationID = id }
}

// WithMetadata merges kv pairs into the entry metadata.
func WithMetadata(md map[string]string) EntryOption {
	return func(e *Entry) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}
