package audit

import (
	"sort"
	"sync"

	"github.com/wardenlabs/warden/pkg/crypto"
)

// Keyring holds the active signing key plus every retired key, so entries
// signed before a rotation stay verifiable. Key material is copied on the
// way in and never handed back out by reference.
type Keyring struct {
	mu       sync.RWMutex
	activeID string
	keys     map[string][]byte
}

// NewKeyring creates a keyring with a single active key.
func NewKeyring(keyID string, key []byte) (*Keyring, error) {
	if len(key) < crypto.MinKeyBytes {
		return nil, crypto.ErrKeyTooShort
	}
	if keyID == "" {
		return nil, ErrUnknownKeyID
	}
	return &Keyring{
		activeID: keyID,
		keys:     map[string][]byte{keyID: append([]byte(nil), key...)},
	}, nil
}

// DeriveKeyring expands the signing key from master via HKDF, bound to
// the key id. The raw master never signs anything itself, so the same
// operator secret can seed other derivations without cross-protocol
// reuse. Deterministic: the same master and id rebuild the same key,
// which is what lets offline verification reconstruct the ring.
func DeriveKeyring(master []byte, keyID string) (*Keyring, error) {
	key, err := crypto.DeriveKey(master, "audit-signing:"+keyID, crypto.MinKeyBytes)
	if err != nil {
		return nil, err
	}
	return NewKeyring(keyID, key)
}

// Active returns the id and material of the current signing key.
func (k *Keyring) Active() (string, []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID, append([]byte(nil), k.keys[k.activeID]...)
}

// Key returns the material for a key id, active or retired.
func (k *Keyring) Key(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// Rotate retires the active key and activates newKey under newID. The
// retired key remains available for verification.
func (k *Keyring) Rotate(newID string, newKey []byte) error {
	if len(newKey) < crypto.MinKeyBytes {
		return crypto.ErrKeyTooShort
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[newID]; exists {
		return ErrDuplicateKeyID
	}
	k.keys[newID] = append([]byte(nil), newKey...)
	k.activeID = newID
	return nil
}

// IDs returns all key ids, sorted, active and retired alike.
func (k *Keyring) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
