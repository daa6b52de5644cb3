// Package offer defines the catalogue entities: provider pricing rows,
// stock reservations and the precomputed aggregates.
package offer

import (
	"strings"
	"time"

	"github.com/numhive/platform/internal/money"
)

// Offer is one (provider, country, service, operator) pricing tuple.
type Offer struct {
	ID           string
	ProviderID   string
	ProviderSlug string
	CountryCode  string
	ServiceCode  string
	OperatorID   string
	// RawCost is the upstream cost before normalization and margin.
	RawCost money.Amount
	// SellPrice is the denormalized user-facing price in cents.
	SellPrice  int64
	Stock      int
	Deleted    bool
	LastSyncAt time.Time
}

// DocumentID returns the search-document primary key: lowercase with
// non-alphanumerics stripped, operator included.
func (o Offer) DocumentID() string {
	return NormalizeDocumentID(o.ProviderSlug + "-" + o.CountryCode + "-" + o.ServiceCode + "-" + o.OperatorID)
}

// NormalizeDocumentID lowercases s and strips every non-alphanumeric rune.
func NormalizeDocumentID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReservationState tracks the lifecycle of a stock hold.
type ReservationState string

const (
	ReservationPending   ReservationState = "PENDING"
	ReservationConfirmed ReservationState = "CONFIRMED"
	ReservationExpired   ReservationState = "EXPIRED"
	ReservationCancelled ReservationState = "CANCELLED"
)

// Reservation is a soft hold against an Offer's stock. Stock is decremented
// when the reservation is created and restored exactly once when it expires
// or is cancelled.
type Reservation struct {
	ID           string
	OfferID      string
	UserID       string
	ActivationID string
	Quantity     int
	State        ReservationState
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ServiceAggregate is the precomputed per-service rollup.
type ServiceAggregate struct {
	ServiceSlug   string
	ServiceName   string
	IconURL       string
	LowestPrice   int64
	TotalStock    int64
	CountryCount  int
	ProviderCount int
	LastUpdatedAt time.Time
}

// CountryAggregate is the precomputed per-(service, country) rollup.
type CountryAggregate struct {
	ServiceSlug   string
	CountryCode   string
	CountryName   string
	FlagURL       string
	LowestPrice   int64
	TotalStock    int64
	ProviderCount int
	LastUpdatedAt time.Time
}

// PriceRow is one normalized upstream pricing record produced by the
// provider adapter before margins apply.
type PriceRow struct {
	Country  string
	Service  string
	Operator string
	Cost     money.Amount
	Count    int
}
