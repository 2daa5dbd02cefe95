package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// AdmissionPolicy evaluates CEL rules against each submission. Every
// rule must evaluate to true for the task to be admitted; compile or
// evaluation errors deny. Rules see two variables:
//
//	task      {type: string, user: string, inputBytes: int}
//	principal {id: string, roles: list<string>}
//
// Rules are linted at load time: floating-point literals, now(), map
// iteration via keys()/values(), and comprehensions (which the list
// macros expand to) are rejected so every rule stays deterministic and
// cheap. Compiled programs are cached; the submit path never compiles.
type AdmissionPolicy struct {
	env   *cel.Env
	rules []string

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// NewAdmissionPolicy lints and accepts the rule set. An empty set is
// valid and admits everything.
func NewAdmissionPolicy(rules []string) (*AdmissionPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("task", cel.DynType),
		cel.Variable("principal", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("executor: admission env: %w", err)
	}
	p := &AdmissionPolicy{
		env:   env,
		rules: append([]string(nil), rules...),
		progs: make(map[string]cel.Program),
	}
	for i, rule := range p.rules {
		if err := p.Lint(rule); err != nil {
			return nil, fmt.Errorf("executor: admission rule %d: %w", i, err)
		}
	}
	return p, nil
}

// Rules returns the configured rule expressions.
func (p *AdmissionPolicy) Rules() []string {
	return append([]string(nil), p.rules...)
}

// Lint parses an expression and rejects constructs that would make
// evaluation non-deterministic or unbounded.
func (p *AdmissionPolicy) Lint(expr string) error {
	ast, issues := p.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("parse: %w", issues.Err())
	}
	var found []string
	//nolint:staticcheck // deprecated accessor, still the only AST walk surface
	lintExpr(ast.Expr(), &found)
	if len(found) > 0 {
		return fmt.Errorf("forbidden constructs: %s", strings.Join(found, "; "))
	}
	return nil
}

// ValidateInput implements InputValidator.
func (p *AdmissionPolicy) ValidateInput(_ context.Context, req *SubmitRequest) error {
	if len(p.rules) == 0 {
		return nil
	}
	input := map[string]any{
		"task": map[string]any{
			"type":       req.Type,
			"user":       req.UserID,
			"inputBytes": len(req.Input),
		},
		"principal": map[string]any{
			"id":    req.UserID,
			"roles": []string{req.Role},
		},
	}
	for i, rule := range p.rules {
		allowed, err := p.evaluate(rule, input)
		if err != nil {
			return fmt.Errorf("%w: admission rule %d: %v", ErrInvalidInput, i, err)
		}
		if !allowed {
			return fmt.Errorf("%w: admission rule %d denied task %q", ErrInvalidInput, i, req.Type)
		}
	}
	return nil
}

func (p *AdmissionPolicy) evaluate(expr string, input map[string]any) (bool, error) {
	p.mu.RLock()
	prg, hit := p.progs[expr]
	p.mu.RUnlock()

	if !hit {
		p.mu.Lock()
		if prg, hit = p.progs[expr]; !hit {
			ast, issues := p.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				p.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			built, err := p.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				p.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			p.progs[expr] = built
			prg = built
		}
		p.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, want bool", out.Value())
	}
	return val, nil
}

func lintExpr(e *exprpb.Expr, found *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*found = append(*found, "floating-point literal")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*found = append(*found, "now()")
		case "keys", "values":
			*found = append(*found, "map iteration ("+call.Function+")")
		}
		lintExpr(call.Target, found)
		for _, arg := range call.Args {
			lintExpr(arg, found)
		}

	case *exprpb.Expr_SelectExpr:
		lintExpr(k.SelectExpr.Operand, found)

	case *exprpb.Expr_IdentExpr:

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			lintExpr(el, found)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				lintExpr(entry.GetMapKey(), found)
			}
			lintExpr(entry.Value, found)
		}

	case *exprpb.Expr_ComprehensionExpr:
		*found = append(*found, "comprehension")
	}
}
