package auth

import "strings"

// UnitRole is the role a user holds inside one organizational unit
type UnitRole string

const (
	// UnitRoleAdmin manages the unit, its members and content
	UnitRoleAdmin UnitRole = "admin"
	// UnitRoleInstructor authors and assigns tasks
	UnitRoleInstructor UnitRole = "instructor"
	// UnitRoleTutor reviews submissions
	UnitRoleTutor UnitRole = "tutor"
)

// RoleFullAdmin is the role claim carried by users that bypass unit scoping
const RoleFullAdmin = "full_admin"

// IsValid checks if the role is one of the predefined valid roles
func (r UnitRole) IsValid() bool {
	switch r {
	case UnitRoleAdmin, UnitRoleInstructor, UnitRoleTutor:
		return true
	default:
		return false
	}
}

// IsAtLeast checks if this role meets the minimum required level
func (r UnitRole) IsAtLeast(minRole UnitRole) bool {
	roleHierarchy := map[UnitRole]int{
		UnitRoleTutor:      0,
		UnitRoleInstructor: 1,
		UnitRoleAdmin:      2,
	}

	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// GetAllUnitRoles returns all predefined roles in hierarchical order
func GetAllUnitRoles() []UnitRole {
	return []UnitRole{
		UnitRoleTutor,
		UnitRoleInstructor,
		UnitRoleAdmin,
	}
}

// ParseUnitRole safely parses a string into a UnitRole type
func ParseUnitRole(roleStr string) (UnitRole, bool) {
	role := UnitRole(strings.ToLower(strings.TrimSpace(roleStr)))
	return role, role.IsValid()
}
