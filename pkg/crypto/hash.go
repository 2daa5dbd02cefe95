// Package crypto provides the hashing, signing, and identifier primitives
// shared by every warden component. All digests are lowercase hex SHA-256.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// MinKeyBytes is the minimum accepted length for signing keys and token secrets.
const MinKeyBytes = 32

var (
	// ErrInvalidLength is returned when a requested byte count is not positive.
	ErrInvalidLength = errors.New("crypto: byte count must be positive")
	// ErrKeyTooShort is returned when key material is below MinKeyBytes.
	ErrKeyTooShort = errors.New("crypto: key material must be at least 32 bytes")
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA-256 of data under key.
func HMACSHA256Hex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual reports whether a and b are equal without leaking the
// position of a mismatch. Both sides are digested first so inputs of
// unequal length compare in constant time too.
func ConstantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// RandomHex returns n cryptographically random bytes encoded as 2n hex chars.
func RandomHex(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: rand read failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
