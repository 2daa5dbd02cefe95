//go:build property
// +build property

// Property-based tests for canonicalization determinism.
package crypto_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wardenlabs/warden/pkg/crypto"
)

// TestCanonicalHashDeterminism verifies the canonical hash of an object is
// independent of construction order and stable across calls.
func TestCanonicalHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is stable and order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] == "" {
					continue
				}
				forward[keys[i]] = values[i]
			}

			backward := make(map[string]any)
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(values) && keys[i] != "" {
					backward[keys[i]] = values[i]
				}
			}

			h1, err1 := crypto.CanonicalHash(forward)
			h2, err2 := crypto.CanonicalHash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("distinct values change the hash", prop.ForAll(
		func(key string, a string, b string) bool {
			if key == "" || a == b {
				return true
			}
			h1, err1 := crypto.CanonicalHash(map[string]any{key: a})
			h2, err2 := crypto.CanonicalHash(map[string]any{key: b})
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 != h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
