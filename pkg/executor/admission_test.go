package executor_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/executor"
)

func TestAdmissionPolicyEvaluates(t *testing.T) {
	p, err := executor.NewAdmissionPolicy([]string{
		`task.inputBytes < 64`,
		`task.type != "forbidden"`,
	})
	require.NoError(t, err)

	small := executor.SubmitRequest{Type: "echo", Input: json.RawMessage(`{"a":1}`), UserID: "u1", Role: authz.RoleOperator}
	assert.NoError(t, p.ValidateInput(context.Background(), &small))

	big := executor.SubmitRequest{
		Type:   "echo",
		Input:  json.RawMessage(`{"padding":"` + strings.Repeat("x", 100) + `"}`),
		UserID: "u1",
	}
	err = p.ValidateInput(context.Background(), &big)
	require.ErrorIs(t, err, executor.ErrInvalidInput)
	assert.Contains(t, err.Error(), "rule 0")

	banned := executor.SubmitRequest{Type: "forbidden", Input: json.RawMessage(`{}`), UserID: "u1"}
	err = p.ValidateInput(context.Background(), &banned)
	require.ErrorIs(t, err, executor.ErrInvalidInput)
	assert.Contains(t, err.Error(), "rule 1")
}

func TestAdmissionPolicySeesPrincipal(t *testing.T) {
	p, err := executor.NewAdmissionPolicy([]string{
		`"role_operator" in principal.roles || principal.id == "admin"`,
	})
	require.NoError(t, err)

	op := executor.SubmitRequest{Type: "echo", Input: json.RawMessage(`{}`), UserID: "u7", Role: authz.RoleOperator}
	assert.NoError(t, p.ValidateInput(context.Background(), &op))

	admin := executor.SubmitRequest{Type: "echo", Input: json.RawMessage(`{}`), UserID: "admin", Role: authz.RoleAdmin}
	assert.NoError(t, p.ValidateInput(context.Background(), &admin))

	viewer := executor.SubmitRequest{Type: "echo", Input: json.RawMessage(`{}`), UserID: "u9", Role: authz.RoleViewer}
	assert.ErrorIs(t, p.ValidateInput(context.Background(), &viewer), executor.ErrInvalidInput)
}

func TestAdmissionPolicyEmptyAdmitsEverything(t *testing.T) {
	p, err := executor.NewAdmissionPolicy(nil)
	require.NoError(t, err)
	req := executor.SubmitRequest{Type: "anything", Input: json.RawMessage(`{}`), UserID: "u1"}
	assert.NoError(t, p.ValidateInput(context.Background(), &req))
}

func TestAdmissionLintRejections(t *testing.T) {
	cases := map[string]string{
		"float literal":  `task.inputBytes < 1.5`,
		"now()":          `now() > 0`,
		"keys iteration": `keys(task) == []`,
		"comprehension":  `[1, 2, 3].all(x, x > 0)`,
	}
	for name, rule := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := executor.NewAdmissionPolicy([]string{rule})
			assert.Error(t, err, "rule %q must be rejected at load", rule)
		})
	}

	// Non-boolean results fail at evaluation, fail-closed.
	p, err := executor.NewAdmissionPolicy([]string{`task.inputBytes`})
	require.NoError(t, err)
	req := executor.SubmitRequest{Type: "echo", Input: json.RawMessage(`{}`), UserID: "u1"}
	assert.ErrorIs(t, p.ValidateInput(context.Background(), &req), executor.ErrInvalidInput)
}

func TestAdmissionLintAcceptsIntegerArithmetic(t *testing.T) {
	p, err := executor.NewAdmissionPolicy([]string{`task.inputBytes * 2 < 128`})
	require.NoError(t, err)
	assert.Len(t, p.Rules(), 1)
}
