// Package authz is the RBAC decision point: a role registry with
// inheritance, wildcard resources and conditional permissions, plus a
// user-assignment table. Deny is the default; every decision is logged.
package authz

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// decisionCacheSize bounds the {role, resource, action} -> granted
// cache. Checks that carry a context are never cached.
const decisionCacheSize = 1000

// Engine holds the role registry and the assignment table. Reads are
// lock-shared; registry writes are rare and purge the decision cache.
type Engine struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	byName      map[string]string
	builtin     map[string]bool
	assignments map[string][]*UserAssignment

	cache  *lru.Cache[string, bool]
	logger *slog.Logger
	clock  func() time.Time

	checks  atomic.Uint64
	grants  atomic.Uint64
	denials atomic.Uint64
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Roles             int    `json:"roles"`
	ActiveAssignments int    `json:"activeAssignments"`
	CachedDecisions   int    `json:"cachedDecisions"`
	Checks            uint64 `json:"checks"`
	Grants            uint64 `json:"grants"`
	Denials           uint64 `json:"denials"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger decisions are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the assignment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// NewEngine builds an engine pre-loaded with the built-in roles.
func NewEngine(opts ...Option) *Engine {
	cache, _ := lru.New[string, bool](decisionCacheSize)
	e := &Engine{
		roles:       make(map[string]*Role),
		byName:      make(map[string]string),
		builtin:     make(map[string]bool),
		assignments: make(map[string][]*UserAssignment),
		cache:       cache,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range builtinRoles() {
		role := r.clone()
		e.roles[role.ID] = role
		e.byName[role.Name] = role.ID
		e.builtin[role.ID] = true
	}
	return e
}

// DefineRole registers a custom role, replacing any previous definition
// with the same id. Built-in roles cannot be redefined.
func (e *Engine) DefineRole(role Role) error {
	if err := validateRole(&role); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.builtin[role.ID] {
		return fmt.Errorf("%w: %s", ErrBuiltinRole, role.ID)
	}
	if otherID, ok := e.byName[role.Name]; ok && otherID != role.ID {
		return fmt.Errorf("%w: %q", ErrRoleExists, role.Name)
	}
	if prev, ok := e.roles[role.ID]; ok {
		delete(e.byName, prev.Name)
	}
	cp := role.clone()
	e.roles[cp.ID] = cp
	e.byName[cp.Name] = cp.ID
	e.cache.Purge()
	e.logger.Debug("role defined", "role", cp.ID, "permissions", len(cp.Permissions), "inherits", len(cp.InheritFrom))
	return nil
}

// RemoveRole deletes a custom role. Built-in roles cannot be removed.
func (e *Engine) RemoveRole(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.builtin[id] {
		return fmt.Errorf("%w: %s", ErrBuiltinRole, id)
	}
	role, ok := e.roles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, id)
	}
	delete(e.roles, id)
	delete(e.byName, role.Name)
	e.cache.Purge()
	e.logger.Debug("role removed", "role", id)
	return nil
}

// GetRole resolves a role by id or by name and returns a copy.
func (e *Engine) GetRole(ref string) (*Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	role := e.lookupLocked(ref)
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, ref)
	}
	return role.clone(), nil
}

// ListRoles returns copies of every registered role, sorted by id.
func (e *Engine) ListRoles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, *r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsBuiltin reports whether id names one of the immutable roles.
func (e *Engine) IsBuiltin(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtin[id]
}

// AssignUserRole gives userID the role, revoking any previous active
// assignment so at most one stays active per user.
func (e *Engine) AssignUserRole(userID, roleID, assignedBy string) (*UserAssignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
	}
	now := e.clock()
	for _, a := range e.assignments[userID] {
		if a.RevokedAt == nil {
			t := now
			a.RevokedAt = &t
		}
	}
	a := &UserAssignment{UserID: userID, RoleID: roleID, AssignedBy: assignedBy, AssignedAt: now}
	e.assignments[userID] = append(e.assignments[userID], a)
	e.logger.Info("role assigned", "user", userID, "role", roleID, "assignedBy", assignedBy)
	return cloneAssignment(a), nil
}

// RevokeUserRole tombstones the user's active assignment.
func (e *Engine) RevokeUserRole(userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.assignments[userID] {
		if a.RevokedAt == nil {
			t := e.clock()
			a.RevokedAt = &t
			e.logger.Info("role revoked", "user", userID, "role", a.RoleID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoAssignment, userID)
}

// ActiveRole returns the user's active role id, if any.
func (e *Engine) ActiveRole(userID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.assignments[userID] {
		if a.RevokedAt == nil {
			return a.RoleID, true
		}
	}
	return "", false
}

// ListUserAssignments returns the full assignment history, tombstones
// included, ordered by user then assignment time.
func (e *Engine) ListUserAssignments() []UserAssignment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []UserAssignment
	for _, list := range e.assignments {
		for _, a := range list {
			out = append(out, *cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	return out
}

// CheckPermission decides whether roleRef (id or name) may perform
// check.Action on check.Resource. Deny is the default. Context-free
// decisions are served from and written to the bounded cache;
// conditional checks always resolve against the registry.
func (e *Engine) CheckPermission(roleRef string, check Check, userID string) Decision {
	e.checks.Add(1)
	cacheable := check.Context == nil

	e.mu.RLock()
	role := e.lookupLocked(roleRef)

	var key string
	if role != nil && cacheable {
		key = role.ID + "\x00" + check.Resource + "\x00" + check.Action
		if granted, ok := e.cache.Get(key); ok {
			e.mu.RUnlock()
			d := Decision{Granted: granted, Reason: ReasonNoMatch}
			if granted {
				d.Reason = ReasonGranted
			}
			return e.logDecision(roleRef, check, userID, d)
		}
	}

	var d Decision
	if role == nil {
		d = Decision{Reason: ReasonUnknownRole}
	} else {
		match, cycle := e.resolveLocked(role, check, map[string]bool{})
		switch {
		case match != nil:
			d = Decision{Granted: true, Reason: ReasonGranted, MatchedPermission: match}
		case cycle:
			d = Decision{Reason: ReasonCircular}
		default:
			d = Decision{Reason: ReasonNoMatch}
		}
	}
	// Cache before releasing the read lock so a concurrent DefineRole
	// purge cannot be overwritten by this (now stale) decision.
	if role != nil && cacheable {
		e.cache.Add(key, d.Granted)
	}
	e.mu.RUnlock()

	return e.logDecision(roleRef, check, userID, d)
}

// RequirePermission is CheckPermission for call sites that gate an
// operation: nil on grant, ErrForbidden otherwise.
func (e *Engine) RequirePermission(roleRef string, check Check, userID string) error {
	d := e.CheckPermission(roleRef, check, userID)
	if d.Granted {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s %s (%s)", ErrForbidden, roleRef, check.Action, check.Resource, d.Reason)
}

// Stats snapshots engine activity counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	roles := len(e.roles)
	active := 0
	for _, list := range e.assignments {
		for _, a := range list {
			if a.RevokedAt == nil {
				active++
			}
		}
	}
	e.mu.RUnlock()
	return Stats{
		Roles:             roles,
		ActiveAssignments: active,
		CachedDecisions:   e.cache.Len(),
		Checks:            e.checks.Load(),
		Grants:            e.grants.Load(),
		Denials:           e.denials.Load(),
	}
}

func (e *Engine) logDecision(roleRef string, check Check, userID string, d Decision) Decision {
	if d.Granted {
		e.grants.Add(1)
		e.logger.Debug("permission granted",
			"role", roleRef, "resource", check.Resource, "action", check.Action, "user", userID)
	} else {
		e.denials.Add(1)
		e.logger.Info("permission denied",
			"role", roleRef, "resource", check.Resource, "action", check.Action, "reason", d.Reason, "user", userID)
	}
	return d
}

// lookupLocked resolves a role reference by id first, then by name.
func (e *Engine) lookupLocked(ref string) *Role {
	if role, ok := e.roles[ref]; ok {
		return role
	}
	if id, ok := e.byName[ref]; ok {
		return e.roles[id]
	}
	return nil
}

// resolveLocked walks direct permissions first, then parents depth
// first. The visited set breaks inheritance cycles; hitting one is
// reported so the caller can name the denial.
func (e *Engine) resolveLocked(role *Role, check Check, visited map[string]bool) (*Permission, bool) {
	if visited[role.ID] {
		return nil, true
	}
	visited[role.ID] = true

	for i := range role.Permissions {
		if permissionMatches(&role.Permissions[i], check) {
			cp := clonePermission(role.Permissions[i])
			return &cp, false
		}
	}
	cycle := false
	for _, parentID := range role.InheritFrom {
		parent, ok := e.roles[parentID]
		if !ok {
			continue
		}
		match, c := e.resolveLocked(parent, check, visited)
		if match != nil {
			return match, false
		}
		cycle = cycle || c
	}
	return nil, cycle
}

func permissionMatches(p *Permission, check Check) bool {
	if !resourceMatches(p.Resource, check.Resource) {
		return false
	}
	if !actionMatches(p.Actions, check.Action) {
		return false
	}
	if len(p.Conditions) == 0 || check.Context == nil {
		return true
	}
	for _, c := range p.Conditions {
		if c.Value == nil {
			continue
		}
		if !conditionHolds(c, check.Context) {
			return false
		}
	}
	return true
}

func resourceMatches(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func actionMatches(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

func conditionHolds(c Condition, ctx map[string]any) bool {
	actual := ctx[c.Field]
	switch c.Operator {
	case OpEq:
		return looseEqual(actual, c.Value)
	case OpNeq:
		return !looseEqual(actual, c.Value)
	case OpIn:
		items, ok := asSlice(c.Value)
		return ok && sliceContains(items, actual)
	case OpNin:
		items, ok := asSlice(c.Value)
		return ok && !sliceContains(items, actual)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

// looseEqual compares numerically when both sides are numbers so that
// JSON-decoded float64 context values match int condition values.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func sliceContains(items []any, v any) bool {
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

var validOps = map[string]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpNin: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

func validateRole(r *Role) error {
	if !strings.HasPrefix(r.ID, "role_") || len(r.ID) == len("role_") {
		return fmt.Errorf("%w: id %q must have form role_<slug>", ErrInvalidRole, r.ID)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRole)
	}
	for _, p := range r.Permissions {
		if p.Resource == "" {
			return fmt.Errorf("%w: permission resource required", ErrInvalidRole)
		}
		if len(p.Actions) == 0 {
			return fmt.Errorf("%w: permission %q needs at least one action", ErrInvalidRole, p.Resource)
		}
		for _, c := range p.Conditions {
			if !validOps[c.Operator] {
				return fmt.Errorf("%w: unknown condition operator %q", ErrInvalidRole, c.Operator)
			}
		}
	}
	return nil
}
