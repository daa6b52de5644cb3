// Package provider defines the declarative configuration model for upstream
// SMS-activation providers.
package provider

import (
	"time"

	"github.com/numhive/platform/internal/money"
)

// AuthType selects how credentials are injected into upstream requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthQuery  AuthType = "query"
	AuthHeader AuthType = "header"
	AuthBearer AuthType = "bearer"
)

// CurrencyMode selects how raw upstream costs are normalized into the
// display currency before margins apply.
type CurrencyMode string

const (
	CurrencyDirect    CurrencyMode = "direct"
	CurrencySmartAuto CurrencyMode = "smart-auto"
	CurrencyManual    CurrencyMode = "manual"
)

// SyncStatus tracks the catalogue sync state of a provider.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// MetadataMode selects between the declarative engine and the scripted
// legacy adapter for country/service metadata.
type MetadataMode string

const (
	MetadataConfig MetadataMode = "config"
	MetadataLegacy MetadataMode = "legacy"
)

// Provider is the full declarative configuration of one upstream API.
type Provider struct {
	ID   string
	Slug string
	Name string

	BaseURL   string
	AuthType  AuthType
	AuthParam string
	// CredentialsEnv names the environment variable carrying a
	// comma-separated credential rotation list.
	CredentialsEnv string
	// EncryptedKeys holds the same rotation list encrypted at rest;
	// takes precedence over CredentialsEnv when present.
	EncryptedKeys string

	Currency     string
	CurrencyMode CurrencyMode
	// ManualRate applies when CurrencyMode is manual.
	ManualRate money.Amount
	// DepositReceived/DepositSpent derive the smart-auto rate.
	DepositReceived money.Amount
	DepositSpent    money.Amount

	PriceMultiplier money.Amount
	FixedMarkup     money.Amount

	Active   bool
	Priority int
	Deleted  bool

	MetadataMode MetadataMode
	// LegacyScript is the stored program for legacy-metadata providers.
	LegacyScript string

	Endpoints map[Operation]EndpointSpec
	Mappings  map[Operation]MappingSpec
	// ErrorMap translates upstream error literals to taxonomy codes.
	ErrorMap map[string]string

	Webhook WebhookSpec

	// BreakerThreshold is the consecutive-failure count that opens the
	// provider's circuit breaker. Zero means the engine default.
	BreakerThreshold int

	Balance            money.Amount
	LastMetadataSyncAt *time.Time
	LastBalanceSyncAt  *time.Time
	LastSyncAt         *time.Time
	SyncStatus         SyncStatus
	SyncError          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookSpec configures inbound webhook verification for a provider.
type WebhookSpec struct {
	Secret          string   `json:"secret" yaml:"secret"`
	SignatureHeader string   `json:"signatureHeader" yaml:"signatureHeader"`
	TimestampHeader string   `json:"timestampHeader" yaml:"timestampHeader"`
	IPAllowlist     []string `json:"ipAllowlist" yaml:"ipAllowlist"`
}

// Country is a provider-scoped country row.
type Country struct {
	ID         string
	ProviderID string
	ExternalID string
	Code       string
	Name       string
	FlagURL    string
	LastSyncAt time.Time
}

// Service is a provider-scoped service row.
type Service struct {
	ID         string
	ProviderID string
	ExternalID string
	Code       string
	Name       string
	IconURL    string
	LastSyncAt time.Time
}

// CountryLookup is the globally canonical country record.
type CountryLookup struct {
	Code    string
	Name    string
	FlagURL string
}

// ServiceLookup is the globally canonical service record.
type ServiceLookup struct {
	Slug    string
	Name    string
	IconURL string
}
