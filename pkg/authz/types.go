package authz

import (
	"errors"
	"fmt"
	"time"
)

// Condition operators.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpIn  = "in"
	OpNin = "nin"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

var (
	// ErrForbidden is the terminal denial. RBAC denies and attempts to
	// mutate a built-in role both unwrap to it.
	ErrForbidden = errors.New("authz: forbidden")

	// ErrBuiltinRole wraps ErrForbidden so callers can match either.
	ErrBuiltinRole = fmt.Errorf("authz: built-in role is immutable: %w", ErrForbidden)

	ErrUnknownRole  = errors.New("authz: unknown role")
	ErrInvalidRole  = errors.New("authz: invalid role definition")
	ErrRoleExists   = errors.New("authz: role name already in use")
	ErrNoAssignment = errors.New("authz: no active assignment")
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonGranted     = "granted"
	ReasonNoMatch     = "no matching permission"
	ReasonCircular    = "circular inheritance"
	ReasonUnknownRole = "unknown role"
)

// Condition restricts a Permission to checks whose context satisfies
// "field <operator> value". A nil Value disables the condition.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Permission grants a set of actions over a resource pattern. Resource
// is "*", a literal, or a trailing-star prefix such as "tasks:*".
// Actions may contain "*".
type Permission struct {
	Resource   string      `json:"resource"`
	Actions    []string    `json:"actions"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Role is a named permission set. InheritFrom lists parent role ids;
// resolution tries direct permissions first, then walks parents
// depth-first.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	InheritFrom []string     `json:"inheritFrom,omitempty"`
}

// UserAssignment binds a user to a role. RevokedAt is a tombstone; the
// record is never deleted.
type UserAssignment struct {
	UserID     string     `json:"userId"`
	RoleID     string     `json:"roleId"`
	AssignedBy string     `json:"assignedBy"`
	AssignedAt time.Time  `json:"assignedAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Check is a single permission question. Context carries request
// attributes for conditional permissions and may be nil.
type Check struct {
	Resource string
	Action   string
	Context  map[string]any
}

// Decision is the outcome of a permission check. MatchedPermission is
// set on grants that were resolved against the registry (not served
// from cache).
type Decision struct {
	Granted           bool        `json:"granted"`
	Reason            string      `json:"reason"`
	MatchedPermission *Permission `json:"matchedPermission,omitempty"`
}

func (r *Role) clone() *Role {
	cp := *r
	cp.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		cp.Permissions[i] = clonePermission(p)
	}
	cp.InheritFrom = append([]string(nil), r.InheritFrom...)
	return &cp
}

func clonePermission(p Permission) Permission {
	cp := p
	cp.Actions = append([]string(nil), p.Actions...)
	cp.Conditions = append([]Condition(nil), p.Conditions...)
	return cp
}

func cloneAssignment(a *UserAssignment) *UserAssignment {
	cp := *a
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
