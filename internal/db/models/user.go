// Package models - user.go defines the User account: login name, bcrypt
// password hash, the pet-name recovery secret and a coarse role.
package models

import "time"

// Roles a user can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an account able to obtain session tokens
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	RecoverySecret string    `json:"-"` // pet name, unique across users
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// ValidRole reports whether role is one the schema accepts.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}
