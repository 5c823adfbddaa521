package auth

import "slices"

// Role is an API authorisation tier.
type Role string

const (
	// RoleObserver watches the robot: status, history, broadcast relay.
	RoleObserver Role = "observer"

	// RoleOperator can also submit operations.
	RoleOperator Role = "operator"

	// RoleAdmin can also reach administrative endpoints.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role in ascending order of privilege.
var ValidRoles = []Role{RoleObserver, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermRobotRead    Permission = "robot:read"
	PermRobotOperate Permission = "robot:operate"
	PermSystemAdmin  Permission = "system:admin"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleObserver: {PermRobotRead},
	RoleOperator: {PermRobotRead, PermRobotOperate},
	RoleAdmin:    {PermRobotRead, PermRobotOperate, PermSystemAdmin},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	return slices.Clone(perms)
}
