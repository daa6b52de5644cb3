package httpapi

import (
	"time"

	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/domain/wallet"
)

// Domain entities carry no serialization tags; these views are the wire
// shapes, rendered per response.

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserView(u user.User) userView {
	return userView{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

type transactionView struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	ReferenceID string    `json:"referenceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newTransactionView(t wallet.Transaction) transactionView {
	return transactionView{
		ID:          t.ID,
		Amount:      t.Amount,
		Type:        string(t.Type),
		Description: t.Description,
		ReferenceID: t.ReferenceID,
		CreatedAt:   t.CreatedAt,
	}
}

type numberView struct {
	ID           string     `json:"id"`
	PhoneNumber  string     `json:"phoneNumber"`
	CountryCode  string     `json:"countryCode"`
	ServiceCode  string     `json:"serviceCode"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	ActivationID string     `json:"activationId"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func newNumberView(n number.Number) numberView {
	return numberView{
		ID:           n.ID,
		PhoneNumber:  n.PhoneNumber,
		CountryCode:  n.CountryCode,
		ServiceCode:  n.ServiceCode,
		Provider:     n.ProviderSlug,
		Status:       string(n.Status),
		ActivationID: n.ActivationID,
		ExpiresAt:    n.ExpiresAt,
		LastPolledAt: n.LastPolledAt,
		CreatedAt:    n.CreatedAt,
	}
}

type messageView struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	Code       string    `json:"code,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func newMessageView(m number.SmsMessage) messageView {
	return messageView{
		ID:         m.ID,
		Sender:     m.Sender,
		Content:    m.Content,
		Code:       m.Code,
		Confidence: m.Confidence,
		ReceivedAt: m.ReceivedAt,
	}
}

type serviceAggregateView struct {
	ServiceSlug   string    `json:"serviceSlug"`
	ServiceName   string    `json:"serviceName"`
	IconURL       string    `json:"iconUrl,omitempty"`
	LowestPrice   int64     `json:"lowestPrice"`
	TotalStock    int64     `json:"totalStock"`
	CountryCount  int       `json:"countryCount"`
	ProviderCount int       `json:"providerCount"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

func newServiceAggregateView(a offer.ServiceAggregate) serviceAggregateView {
	return serviceAggregateView{
		ServiceSlug:   a.ServiceSlug,
		ServiceName:   a.ServiceName,
		IconURL:       a.IconURL,
		LowestPrice:   a.LowestPrice,
		TotalStock:    a.TotalStock,
		CountryCount:  a.CountryCount,
		ProviderCount: a.ProviderCount,
		LastUpdatedAt: a.LastUpdatedAt,
	}
}

type countryAggregateView struct {
	CountryCode   string `json:"countryCode"`
	CountryName   string `json:"countryName"`
	FlagURL       string `json:"flagUrl,omitempty"`
	LowestPrice   int64  `json:"lowestPrice"`
	TotalStock    int64  `json:"totalStock"`
	ProviderCount int    `json:"providerCount"`
}

func newCountryAggregateView(a offer.CountryAggregate) countryAggregateView {
	return countryAggregateView{
		CountryCode:   a.CountryCode,
		CountryName:   a.CountryName,
		FlagURL:       a.FlagURL,
		LowestPrice:   a.LowestPrice,
		TotalStock:    a.TotalStock,
		ProviderCount: a.ProviderCount,
	}
}

type offerView struct {
	Provider    string `json:"provider"`
	OperatorID  string `json:"operatorId,omitempty"`
	CountryCode string `json:"countryCode"`
	ServiceCode string `json:"serviceCode"`
	Price       int64  `json:"price"`
	Stock       int    `json:"stock"`
}

func newOfferView(o offer.Offer) offerView {
	v := offerView{
		Provider:    o.ProviderSlug,
		CountryCode: o.CountryCode,
		ServiceCode: o.ServiceCode,
		Price:       o.SellPrice,
		Stock:       o.Stock,
	}
	if o.OperatorID != "default" {
		v.OperatorID = o.OperatorID
	}
	return v
}

// adminProviderView summarizes a provider row for the admin listing.
// Credentials never leave the server.
type adminProviderView struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	Priority     int        `json:"priority"`
	Currency     string     `json:"currency"`
	Balance      string     `json:"balance"`
	SyncStatus   string     `json:"syncStatus"`
	SyncError    string     `json:"syncError,omitempty"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	MetadataMode string     `json:"metadataMode"`
}

func newAdminProviderView(p provider.Provider) adminProviderView {
	return adminProviderView{
		ID:           p.ID,
		Slug:         p.Slug,
		Name:         p.Name,
		Active:       p.Active,
		Priority:     p.Priority,
		Currency:     p.Currency,
		Balance:      p.Balance.String(),
		SyncStatus:   string(p.SyncStatus),
		SyncError:    p.SyncError,
		LastSyncAt:   p.LastSyncAt,
		MetadataMode: string(p.MetadataMode),
	}
}

type endpointView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newEndpointView(e outbox.WebhookEndpoint) endpointView {
	return endpointView{
		ID:         e.ID,
		URL:        e.URL,
		EventTypes: e.EventTypes,
		Active:     e.Active,
		CreatedAt:  e.CreatedAt,
	}
}
