package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleTeacher    UserRole = "TEACHER"
	RoleParent     UserRole = "PARENT"
	RoleFamily     UserRole = "FAMILY"
)

// CanOperateDesk reports whether the role may call and complete pickup requests.
func (r UserRole) CanOperateDesk() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleTeacher:
		return true
	}
	return false
}

// CanManageAuthorizations reports whether the role may create or deactivate
// pickup authorizations for any student. Parents manage only their own children;
// that ownership check lives in the service layer.
func (r UserRole) CanManageAuthorizations() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// CanRequestPickup reports whether the role may create pickup requests at all.
func (r UserRole) CanRequestPickup() bool {
	return r == RoleParent || r == RoleFamily
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
