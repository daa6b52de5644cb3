// Package activation defines the purchase lifecycle entity and its state
// machine.
package activation

import "time"

// Activation is one purchase attempt of a virtual number.
type Activation struct {
	ID         string
	UserID     string
	ProviderID string
	// Price is the user-facing price in cents at reservation time.
	Price          int64
	IdempotencyKey string
	State          State

	ReservedTxID string
	CapturedTxID string
	RefundTxID   string

	ServiceCode string
	CountryCode string
	OperatorID  string

	// ProviderActivationID is the upstream id used for status polling.
	ProviderActivationID string
	PhoneNumber          string
	NumberID             string

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
