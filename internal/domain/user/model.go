// Package user defines the account entity consumed by auth and wallet.
package user

import "time"

// User is a platform account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
