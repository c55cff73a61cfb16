package models

import "time"

// Actor roles recognised by the pickup workflow.
const (
	RoleParent     = "parent"
	RoleTeacher    = "teacher"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// Actor is any authenticated person: a parent, a relative holding a pickup
// grant, or school staff.
type Actor struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Role      string    `gorm:"size:32;not null;default:parent;index" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStaff reports whether the role may call and release children.
func IsStaff(role string) bool {
	switch role {
	case RoleTeacher, RoleAdmin, RoleSuperadmin:
		return true
	default:
		return false
	}
}

// IsAdministrator reports whether the role has school-wide scope.
func IsAdministrator(role string) bool {
	return role == RoleAdmin || role == RoleSuperadmin
}
