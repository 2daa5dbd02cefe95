package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedProfileRange is the constraint a profile's version field must
// satisfy. Major 2 is reserved for a future breaking schema change.
const SupportedProfileRange = ">= 1.0.0, < 2.0.0"

var (
	ErrProfileVersion = errors.New("config: unsupported profile version")
	ErrProfileInvalid = errors.New("config: invalid profile")
)

// Profile is declarative seed data applied once at startup: limiter rule
// overrides, extra role definitions, route permission overrides, and
// admission rules for task submission. The profile only describes the
// seeds; applying them is the entrypoint's job, and domain-level
// validation happens there.
type Profile struct {
	Version   string          `yaml:"version" json:"version"`
	Name      string          `yaml:"name,omitempty" json:"name,omitempty"`
	RateRules []RateRule      `yaml:"rate_limits,omitempty" json:"rateLimits,omitempty"`
	Roles     []RoleSeed      `yaml:"roles,omitempty" json:"roles,omitempty"`
	Routes    []RouteOverride `yaml:"routes,omitempty" json:"routes,omitempty"`
	Admission []string        `yaml:"admission,omitempty" json:"admission,omitempty"`
}

// RateRule adds or replaces one named limiter rule.
type RateRule struct {
	Name        string `yaml:"name" json:"name"`
	WindowMs    int    `yaml:"window_ms" json:"windowMs"`
	MaxRequests int    `yaml:"max_requests" json:"maxRequests"`
	KeyType     string `yaml:"key_type" json:"keyType"`
	OnExceed    string `yaml:"on_exceed,omitempty" json:"onExceed,omitempty"`
}

// RoleSeed declares one role beyond the built-ins.
type RoleSeed struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Permissions []PermissionSeed `yaml:"permissions" json:"permissions"`
	InheritFrom []string         `yaml:"inherit_from,omitempty" json:"inheritFrom,omitempty"`
}

// PermissionSeed is one resource grant inside a role seed.
type PermissionSeed struct {
	Resource string   `yaml:"resource" json:"resource"`
	Actions  []string `yaml:"actions" json:"actions"`
}

// RouteOverride rebinds the permission behind one gateway route. Route is
// "METHOD /path" with {param} segments as in the built-in table.
type RouteOverride struct {
	Route    string `yaml:"route" json:"route"`
	Resource string `yaml:"resource" json:"resource"`
	Action   string `yaml:"action" json:"action"`
}

// LoadProfile reads a profile YAML and checks its version against
// SupportedProfileRange.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if err := p.checkVersion(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) checkVersion() error {
	if p.Version == "" {
		return fmt.Errorf("%w: missing version", ErrProfileInvalid)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrProfileInvalid, p.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedProfileRange)
	if err != nil {
		return fmt.Errorf("config: parse constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s is outside %s", ErrProfileVersion, p.Version, SupportedProfileRange)
	}
	return nil
}
