package identity

import "time"

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// User is the domain representation of an authenticated party. It mirrors the
// users table and carries no JSON annotations so it can be reused by different
// presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
