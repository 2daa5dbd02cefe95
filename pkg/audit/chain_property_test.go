//go:build property
// +build property

// Property-based tests for chain integrity under arbitrary workloads.
package audit_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wardenlabs/warden/pkg/audit"
)

// TestChainAlwaysVerifies drives a chain with arbitrary messages and
// rotation points and asserts verification never fails and counts every
// entry, rotations included.
func TestChainAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("chain verifies for any workload", prop.ForAll(
		func(messages []string, rotateEvery int) bool {
			ctx := context.Background()
			keyring, err := audit.NewKeyring("key-0", bytes.Repeat([]byte{'k'}, 32))
			if err != nil {
				return false
			}
			chain, err := audit.NewChain(ctx, audit.NewMemoryStorage(), keyring)
			if err != nil {
				return false
			}

			rotations := 0
			for i, msg := range messages {
				if _, err := chain.Record(ctx, "task_created", audit.LevelInfo, msg); err != nil {
					return false
				}
				if rotateEvery > 0 && (i+1)%rotateEvery == 0 {
					rotations++
					key := bytes.Repeat([]byte{byte('a' + rotations%26)}, 32)
					if err := chain.UpdateSigningKey(ctx, fmt.Sprintf("key-%d", rotations), key); err != nil {
						return false
					}
				}
			}

			report, err := chain.Verify(ctx)
			if err != nil {
				return false
			}
			return report.Valid && report.EntriesChecked == len(messages)+rotations
		},
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
