package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
version: "1.2.0"
name: hardened
rate_limits:
  - name: task_creation
    window_ms: 60000
    max_requests: 5
    key_type: user
    on_exceed: reject
roles:
  - id: role_batch
    name: batch
    permissions:
      - resource: "tasks:batch*"
        actions: [create, read]
    inherit_from: [role_viewer]
routes:
  - route: "POST /api/v1/audit/verify"
    resource: audit
    action: read
admission:
  - "task.type != 'shell.exec'"
`)

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "hardened" {
		t.Errorf("name = %q, want hardened", p.Name)
	}
	if len(p.RateRules) != 1 || p.RateRules[0].MaxRequests != 5 {
		t.Errorf("rate rules = %+v", p.RateRules)
	}
	if p.RateRules[0].WindowMs != 60000 {
		t.Errorf("window_ms = %d, want 60000", p.RateRules[0].WindowMs)
	}
	if len(p.Roles) != 1 || p.Roles[0].ID != "role_batch" {
		t.Errorf("roles = %+v", p.Roles)
	}
	if got := p.Roles[0].Permissions[0].Actions; len(got) != 2 || got[0] != "create" {
		t.Errorf("actions = %v", got)
	}
	if len(p.Routes) != 1 || p.Routes[0].Route != "POST /api/v1/audit/verify" {
		t.Errorf("routes = %+v", p.Routes)
	}
	if len(p.Admission) != 1 {
		t.Errorf("admission = %v", p.Admission)
	}
}

func TestLoadProfile_VersionGate(t *testing.T) {
	cases := []struct {
		name    string
		version string
		want    error
	}{
		{"future major", "2.0.0", ErrProfileVersion},
		{"ancient", "0.9.0", ErrProfileVersion},
		{"not semver", "latest", ErrProfileInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeProfile(t, "version: \""+tc.version+"\"\n")
			if _, err := LoadProfile(path); !errors.Is(err, tc.want) {
				t.Errorf("LoadProfile = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadProfile_MissingVersion(t *testing.T) {
	path := writeProfile(t, "name: no version here\n")
	if _, err := LoadProfile(path); !errors.Is(err, ErrProfileInvalid) {
		t.Errorf("LoadProfile = %v, want ErrProfileInvalid", err)
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadProfile_BadYAML(t *testing.T) {
	path := writeProfile(t, "version: [unclosed\n")
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
