package domain

import "time"

// Role determines a user's permissions inside a tenant.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// CanManageUsers reports whether the role may create users and read
// tenant statistics.
func (r Role) CanManageUsers() bool {
	return r == RoleAdmin || r == RoleOwner
}

// User represents an end user that can authenticate within a tenant.
// Username and email are unique per tenant, not globally.
type User struct {
	ID           int64
	TenantID     int64
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
