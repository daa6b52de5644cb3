// Package outbox defines the transactional event tail co-committed with
// domain writes, plus raw inbound webhook records.
package outbox

import (
	"encoding/json"
	"time"
)

// MaxRetries is the dispatch budget per event. Rows that reach it are
// dead letters: the claim query skips them and they only surface through
// metrics until the purge removes them.
const MaxRetries = 5

// MaxDeliveryAttempts bounds outbound notification retries before a
// notification is parked as a dead letter.
const MaxDeliveryAttempts = 5

// Event types dispatched by the outbox worker.
const (
	EventOfferCreated         = "offer.created"
	EventOfferUpdated         = "offer.updated"
	EventOfferUpserted        = "offer.upserted"
	EventOfferDeleted         = "offer.deleted"
	EventAggregateUpdated     = "service_aggregate.updated"
	EventProviderSynced       = "provider.synced"
	EventProviderRequest      = "provider_request"
	EventActivationRefunded   = "activation.refunded"
	EventJobFailedPermanently = "job.failed_permanently"
)

// Event is one append-only outbox row. IDs are a strictly increasing
// sequence; consumers see every row at least once.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Processed     bool
	RetryCount    int
	ProcessedAt   *time.Time
	Error         string
	CreatedAt     time.Time
}

// WebhookEvent is a raw provider webhook, stored before processing and
// keyed by idempotency key.
type WebhookEvent struct {
	ID             string
	ProviderSlug   string
	IdempotencyKey string
	Payload        json.RawMessage
	Headers        map[string]string
	SourceIP       string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
	Error          string
}

// Notification is an outbound webhook delivery to a user-registered
// endpoint, retried on a backoff schedule.
type Notification struct {
	ID           string
	UserID       string
	EndpointURL  string
	EventType    string
	Payload      json.RawMessage
	AttemptCount int
	NextAttempt  time.Time
	DeliveredAt  *time.Time
	LastError    string
	CreatedAt    time.Time
}

// WebhookEndpoint is a user-registered delivery target. EventTypes
// narrows which events reach it; empty means all.
type WebhookEndpoint struct {
	ID     string
	UserID string
	URL    string
	// Secret signs outbound deliveries so the receiver can verify them.
	Secret     string
	EventTypes []string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Exhausted reports whether the notification has spent its attempt budget.
func (n Notification) Exhausted() bool { return n.AttemptCount >= MaxDeliveryAttempts }

// Wants reports whether the endpoint subscribes to eventType.
func (e WebhookEndpoint) Wants(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
