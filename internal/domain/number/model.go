// Package number defines the materialized number view and its SMS inbox.
package number

import "time"

// Status mirrors the activation lifecycle on the fast-listing side.
type Status string

const (
	StatusActive    Status = "active"
	StatusReceived  Status = "received"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether the status admits no further polling.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusTimeout:
		return true
	}
	return false
}

// Number is the poller-facing materialization of an active activation.
type Number struct {
	ID           string
	UserID       string
	ActivationID string
	ProviderID   string
	ProviderSlug string
	// PhoneNumber is stored in E.164 form.
	PhoneNumber  string
	ServiceCode  string
	CountryCode  string
	Status       Status
	ExpiresAt    time.Time
	ErrorCount   int
	PollCount    int
	NextPollAt   time.Time
	LastPolledAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PollAudit is one buffered poll trace row, flushed in batches.
type PollAudit struct {
	ID        string
	NumberID  string
	Operation string
	// Status is the upstream status observed, or "error".
	Status    string
	Detail    string
	LatencyMs int64
	CreatedAt time.Time
}

// SmsMessage is one append-only inbox entry for a Number.
type SmsMessage struct {
	// ID is the composite `{numberId}_{upstreamMessageId}`.
	ID       string
	NumberID string
	Sender   string
	Content  string
	// Code is the extracted verification code, when one was found.
	Code       string
	Confidence float64
	// ContentHash deduplicates identical payloads within a short window.
	ContentHash string
	Fingerprint string
	ReceivedAt  time.Time
	CreatedAt   time.Time
}
