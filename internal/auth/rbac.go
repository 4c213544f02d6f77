package auth

import "errors"

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRole      = errors.New("invalid role")
)

// Role is an operator role carried in a token.
type Role string

const (
	// RoleAdmin may inspect and retry builds and manage profiles.
	RoleAdmin Role = "admin"
	// RoleViewer may inspect builds.
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionViewBuilds allows listing builds across all identities.
	PermissionViewBuilds Permission = "view_builds"
	// PermissionRetryBuilds allows starting a new dispatch cycle.
	PermissionRetryBuilds Permission = "retry_builds"
	// PermissionManageProfiles allows creating saved profiles.
	PermissionManageProfiles Permission = "manage_profiles"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionViewBuilds,
		PermissionRetryBuilds,
		PermissionManageProfiles,
	},
	RoleViewer: {
		PermissionViewBuilds,
	},
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrPermissionDenied
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}
