package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/money"
)

// ProviderSeed is one declarative provider definition, as written in
// config/providers.yaml and as accepted by the admin provider API.
// Monetary fields are decimal strings so documents never carry binary
// floats.
type ProviderSeed struct {
	Slug           string `json:"slug" yaml:"slug"`
	Name           string `json:"name" yaml:"name"`
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	AuthType       string `json:"authType" yaml:"authType"`
	AuthParam      string `json:"authParam,omitempty" yaml:"authParam,omitempty"`
	CredentialsEnv string `json:"credentialsEnv,omitempty" yaml:"credentialsEnv,omitempty"`

	Currency     string `json:"currency" yaml:"currency"`
	CurrencyMode string `json:"currencyMode,omitempty" yaml:"currencyMode,omitempty"`
	ManualRate   string `json:"manualRate,omitempty" yaml:"manualRate,omitempty"`

	PriceMultiplier string `json:"priceMultiplier,omitempty" yaml:"priceMultiplier,omitempty"`
	FixedMarkup     string `json:"fixedMarkup,omitempty" yaml:"fixedMarkup,omitempty"`

	Active   bool `json:"active" yaml:"active"`
	Priority int  `json:"priority,omitempty" yaml:"priority,omitempty"`

	MetadataMode string `json:"metadataMode,omitempty" yaml:"metadataMode,omitempty"`
	LegacyScript string `json:"legacyScript,omitempty" yaml:"legacyScript,omitempty"`

	Endpoints map[provider.Operation]provider.EndpointSpec `json:"endpoints" yaml:"endpoints"`
	Mappings  map[provider.Operation]provider.MappingSpec  `json:"mappings" yaml:"mappings"`
	ErrorMap  map[string]string                            `json:"errorMap,omitempty" yaml:"errorMap,omitempty"`

	Webhook provider.WebhookSpec `json:"webhook,omitempty" yaml:"webhook,omitempty"`

	BreakerThreshold int `json:"breakerThreshold,omitempty" yaml:"breakerThreshold,omitempty"`
}

// ProviderSeedConfig is the provider seed catalogue.
type ProviderSeedConfig struct {
	Providers []*ProviderSeed `yaml:"providers"`
}

// LoadProviderSeeds loads the provider catalogue from config/providers.yaml.
func LoadProviderSeeds() (*ProviderSeedConfig, error) {
	return LoadProviderSeedsFromPath(filepath.Join("config", "providers.yaml"))
}

// LoadProviderSeedsFromPath loads the provider catalogue from a specific path.
func LoadProviderSeedsFromPath(path string) (*ProviderSeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider seeds: %w", err)
	}

	var cfg ProviderSeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse provider seeds: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, seed := range cfg.Providers {
		if seed == nil {
			return nil, fmt.Errorf("provider seed: slug is required")
		}
		if err := seed.Validate(); err != nil {
			return nil, err
		}
		if seen[seed.Slug] {
			return nil, fmt.Errorf("provider seed %s: duplicate slug", seed.Slug)
		}
		seen[seed.Slug] = true
	}
	return &cfg, nil
}

// Validate checks the structural requirements shared by the YAML loader
// and the admin provider API.
func (s *ProviderSeed) Validate() error {
	if strings.TrimSpace(s.Slug) == "" {
		return fmt.Errorf("provider seed: slug is required")
	}
	if strings.TrimSpace(s.BaseURL) == "" && s.MetadataMode != string(provider.MetadataLegacy) {
		return fmt.Errorf("provider seed %s: baseUrl is required", s.Slug)
	}
	if len(s.Endpoints) == 0 && s.MetadataMode != string(provider.MetadataLegacy) {
		return fmt.Errorf("provider seed %s: endpoints are required", s.Slug)
	}
	return nil
}

// Provider converts the seed into its domain representation.
func (s *ProviderSeed) Provider() (*provider.Provider, error) {
	p := &provider.Provider{
		Slug:             s.Slug,
		Name:             s.Name,
		BaseURL:          s.BaseURL,
		AuthType:         provider.AuthType(defaultStr(s.AuthType, string(provider.AuthQuery))),
		AuthParam:        s.AuthParam,
		CredentialsEnv:   s.CredentialsEnv,
		Currency:         strings.ToUpper(defaultStr(s.Currency, "USD")),
		CurrencyMode:     provider.CurrencyMode(defaultStr(s.CurrencyMode, string(provider.CurrencyDirect))),
		Active:           s.Active,
		Priority:         s.Priority,
		MetadataMode:     provider.MetadataMode(defaultStr(s.MetadataMode, string(provider.MetadataConfig))),
		LegacyScript:     s.LegacyScript,
		Endpoints:        s.Endpoints,
		Mappings:         s.Mappings,
		ErrorMap:         s.ErrorMap,
		Webhook:          s.Webhook,
		BreakerThreshold: s.BreakerThreshold,
	}

	var err error
	if p.ManualRate, err = parseSeedAmount(s.ManualRate, "0"); err != nil {
		return nil, fmt.Errorf("provider %s: manualRate: %w", s.Slug, err)
	}
	if p.PriceMultiplier, err = parseSeedAmount(s.PriceMultiplier, "1"); err != nil {
		return nil, fmt.Errorf("provider %s: priceMultiplier: %w", s.Slug, err)
	}
	if p.FixedMarkup, err = parseSeedAmount(s.FixedMarkup, "0"); err != nil {
		return nil, fmt.Errorf("provider %s: fixedMarkup: %w", s.Slug, err)
	}
	if p.CurrencyMode == provider.CurrencyManual && p.ManualRate.IsZero() {
		return nil, fmt.Errorf("provider %s: manual currency mode requires manualRate", s.Slug)
	}
	return p, nil
}

func parseSeedAmount(s, fallback string) (money.Amount, error) {
	if strings.TrimSpace(s) == "" {
		s = fallback
	}
	return money.Parse(s)
}

func defaultStr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
