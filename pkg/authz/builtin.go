package authz

// Built-in role ids. They are registered at engine construction and
// cannot be redefined or removed.
const (
	RoleAdmin           = "role_admin"
	RoleOperator        = "role_operator"
	RoleAuditor         = "role_auditor"
	RoleViewer          = "role_viewer"
	RoleCaptureOperator = "role_capture_operator"
	RoleSecurityAuditor = "role_security_auditor"
	RoleVoiceOperator   = "role_voice_operator"
)

func builtinRoles() []Role {
	return []Role{
		{
			ID:          RoleAdmin,
			Name:        "admin",
			Description: "Unrestricted access to every resource.",
			Permissions: []Permission{
				{Resource: "*", Actions: []string{"*"}},
			},
		},
		{
			ID:          RoleOperator,
			Name:        "operator",
			Description: "Submits, inspects and cancels tasks.",
			Permissions: []Permission{
				{Resource: "tasks", Actions: []string{"create", "read", "cancel"}},
				{Resource: "tasks:*", Actions: []string{"create", "read", "cancel"}},
				{Resource: "metrics", Actions: []string{"read"}},
				{Resource: "auth", Actions: []string{"read"}},
			},
		},
		{
			ID:          RoleAuditor,
			Name:        "auditor",
			Description: "Reads and verifies the audit chain.",
			Permissions: []Permission{
				{Resource: "audit", Actions: []string{"read", "verify"}},
				{Resource: "metrics", Actions: []string{"read"}},
			},
		},
		{
			ID:          RoleViewer,
			Name:        "viewer",
			Description: "Read-only visibility over tasks and metrics.",
			Permissions: []Permission{
				{Resource: "task*", Actions: []string{"read"}},
				{Resource: "metrics", Actions: []string{"read"}},
			},
		},
		{
			ID:          RoleCaptureOperator,
			Name:        "capture_operator",
			Description: "Viewer who may run capture tasks.",
			Permissions: []Permission{
				{Resource: "tasks:capture*", Actions: []string{"create", "read", "cancel"}},
			},
			InheritFrom: []string{RoleViewer},
		},
		{
			ID:          RoleSecurityAuditor,
			Name:        "security_auditor",
			Description: "Auditor with visibility into auth material.",
			Permissions: []Permission{
				{Resource: "auth", Actions: []string{"read"}},
				{Resource: "roles", Actions: []string{"read"}},
			},
			InheritFrom: []string{RoleAuditor},
		},
		{
			ID:          RoleVoiceOperator,
			Name:        "voice_operator",
			Description: "Viewer who may run voice tasks.",
			Permissions: []Permission{
				{Resource: "tasks:voice*", Actions: []string{"create", "read", "cancel"}},
			},
			InheritFrom: []string{RoleViewer},
		},
	}
}
