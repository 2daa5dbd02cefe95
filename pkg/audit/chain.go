package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenlabs/warden/pkg/crypto"
)

// Verification failure reasons.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonLinkBroken   = "link_broken"
	ReasonBadSignature = "signature_invalid"
	ReasonUnknownKey   = "unknown_key"
)

// Failure describes one entry that failed verification.
type Failure struct {
	Index   int    `json:"index"`
	EntryID string `json:"entryId"`
	Reason  string `json:"reason"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid          bool      `json:"valid"`
	EntriesChecked int       `json:"entriesChecked"`
	Failures       []Failure `json:"failures,omitempty"`
	KeyIDs         []string  `json:"keyIds"`
	VerifiedAt     time.Time `json:"verifiedAt"`
}

// Chain is the append-only audit log. A single mutex serializes appends so
// the previous-hash link and the storage head always advance together.
type Chain struct {
	mu       sync.Mutex
	storage  Storage
	keyring  *Keyring
	logger   *slog.Logger
	clock    func() time.Time
	head     string
	watchers []func(Entry)
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithClock injects a time source, used by tests for deterministic
// timestamps.
func WithClock(clock func() time.Time) ChainOption {
	return func(c *Chain) { c.clock = clock }
}

// WithLogger sets the structured logger entries are mirrored to.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = logger }
}

// NewChain builds a chain on top of storage, recovering the head from the
// last persisted entry so a restart keeps linking where it left off.
func NewChain(ctx context.Context, storage Storage, keyring *Keyring, opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		storage: storage,
		keyring: keyring,
		logger:  slog.Default(),
		clock:   time.Now,
		head:    Genesis,
	}
	for _, opt := range opts {
		opt(c)
	}

	last, ok, err := storage.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: head recovery failed: %w", err)
	}
	if ok {
		c.head = last.Hash
	}
	return c, nil
}

// Record appends an entry for event at the given level. The returned entry
// is fully populated (hash, signature, key id). On persist failure the
// head is unchanged and nothing is emitted.
func (c *Chain) Record(ctx context.Context, event string, level Level, message string, opts ...EntryOption) (*Entry, error) {
	if !level.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}

	e := &Entry{
		ID:        crypto.NewID(),
		Timestamp: c.clock().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Level:     level,
		Message:   message,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}

	c.mu.Lock()
	keyID, key := c.keyring.Active()
	if err := c.appendLocked(ctx, e, keyID, key); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.log(ctx, e)
	c.notify(*e)

	out := e.clone()
	return &out, nil
}

// appendLocked links, hashes, signs, and persists e. Callers hold c.mu.
func (c *Chain) appendLocked(ctx context.Context, e *Entry, keyID string, key []byte) error {
	e.PreviousHash = c.head

	hash, err := crypto.CanonicalHash(e.hashView())
	if err != nil {
		return fmt.Errorf("audit: entry hash failed: %w", err)
	}
	e.Hash = hash
	e.KeyID = keyID
	e.Signature = crypto.HMACSHA256Hex(key, e.signingString())

	if err := c.storage.Append(ctx, e.clone()); err != nil {
		return fmt.Errorf("audit: append failed: %w", err)
	}
	c.head = e.Hash
	return nil
}

// UpdateSigningKey rotates the signing key. The rotation itself is recorded
// as an audit_key_rotated entry signed with the retiring key, so verifiers
// that trust the old key can authenticate the handover to the new one.
func (c *Chain) UpdateSigningKey(ctx context.Context, newKeyID string, newKey []byte) error {
	if len(newKey) < crypto.MinKeyBytes {
		return crypto.ErrKeyTooShort
	}
	if _, exists := c.keyring.Key(newKeyID); exists {
		return ErrDuplicateKeyID
	}

	oldKeyID, oldKey := c.keyring.Active()
	e := &Entry{
		ID:        crypto.NewID(),
		Timestamp: c.clock().UTC().Format(time.RFC3339Nano),
		Event:     EventKeyRotated,
		Level:     LevelSecurity,
		Message:   "audit signing key rotated",
		Metadata: map[string]string{
			"oldKeyId": oldKeyID,
			"newKeyId": newKeyID,
		},
	}

	c.mu.Lock()
	if err := c.appendLocked(ctx, e, oldKeyID, oldKey); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.keyring.Rotate(newKeyID, newKey); err != nil {
		// The rotation entry is already persisted; surface the failure
		// rather than signing future entries with a key we failed to
		// activate.
		c.mu.Unlock()
		return fmt.Errorf("audit: keyring rotation failed: %w", err)
	}
	c.mu.Unlock()

	c.log(ctx, e)
	c.notify(*e)
	return nil
}

// Verify walks the whole chain oldest to newest, recomputing hashes,
// checking links, and validating signatures against whichever key each
// entry names. It does not stop at the first failure.
func (c *Chain) Verify(ctx context.Context) (*Report, error) {
	entries, err := c.storage.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: verify read failed: %w", err)
	}

	report := &Report{
		EntriesChecked: len(entries),
		KeyIDs:         c.keyring.IDs(),
		VerifiedAt:     c.clock().UTC(),
	}

	prev := Genesis
	for i := range entries {
		e := &entries[i]

		recomputed, err := crypto.CanonicalHash(e.hashView())
		if err != nil {
			return nil, fmt.Errorf("audit: rehash of %s failed: %w", e.ID, err)
		}
		if recomputed != e.Hash {
			report.Failures = append(report.Failures, Failure{Index: i, EntryID: e.ID, Reason: ReasonHashMismatch})
		}
		if e.PreviousHash != prev {
			report.Failures = append(report.Failures, Failure{Index: i, EntryID: e.ID, Reason: ReasonLinkBroken})
		}

		if key, ok := c.keyring.Key(e.KeyID); !ok {
			report.Failures = append(report.Failures, Failure{Index: i, EntryID: e.ID, Reason: ReasonUnknownKey})
		} else if want := crypto.HMACSHA256Hex(key, e.signingString()); !crypto.ConstantTimeEqual(want, e.Signature) {
			report.Failures = append(report.Failures, Failure{Index: i, EntryID: e.ID, Reason: ReasonBadSignature})
		}

		// Advance along the stored hash: a single tampered entry reports
		// once instead of cascading into every successor.
		prev = e.Hash
	}

	report.Valid = len(report.Failures) == 0
	return report, nil
}

// Head returns the hash the next entry will link to.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Len returns the number of persisted entries.
func (c *Chain) Len(ctx context.Context) (int, error) {
	return c.storage.Len(ctx)
}

// Range returns entries whose timestamps fall in [from, to]. Zero bounds
// are open.
func (c *Chain) Range(ctx context.Context, from, to time.Time) ([]Entry, error) {
	return c.storage.Range(ctx, from, to)
}

// Watch registers fn to run after every successful append. Callbacks run
// synchronously on the recording goroutine and receive a private copy.
func (c *Chain) Watch(fn func(Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Chain) notify(e Entry) {
	c.mu.Lock()
	watchers := make([]func(Entry), len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(e.clone())
	}
}

func (c *Chain) log(ctx context.Context, e *Entry) {
	attrs := []any{"event", e.Event, "entry", e.ID}
	if e.UserID != "" {
		attrs = append(attrs, "user", e.UserID)
	}
	if e.TaskID != "" {
		attrs = append(attrs, "task", e.TaskID)
	}

	switch e.Level {
	case LevelTrace, LevelDebug:
		c.logger.DebugContext(ctx, e.Message, attrs...)
	case LevelWarn:
		c.logger.WarnContext(ctx, e.Message, attrs...)
	case LevelError:
		c.logger.ErrorContext(ctx, e.Message, attrs...)
	case LevelSecurity:
		c.logger.WarnContext(ctx, e.Message, append(attrs, "security", true)...)
	default:
		c.logger.InfoContext(ctx, e.Message, attrs...)
	}
}
