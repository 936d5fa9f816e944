package auth

import "time"

type Role string

const (
	RoleRequester  Role = "requester"
	RoleProvider   Role = "provider"
	RoleArbitrator Role = "arbitrator"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	// ProviderID is set only for provider accounts.
	ProviderID *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Identity is the resolved caller behind a verified token.
type Identity struct {
	UserID     string
	Role       Role
	ProviderID string
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
