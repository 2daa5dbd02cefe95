package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands master into an n-byte subkey bound to info via
// HKDF-SHA256. Rotation tooling derives successor signing keys and token
// secrets this way, so a rotation does not require fresh operator entropy.
// Distinct info strings yield independent keys.
func DeriveKey(master []byte, info string, n int) ([]byte, error) {
	if len(master) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand failed: %w", err)
	}
	return out, nil
}
