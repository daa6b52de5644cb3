package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/money"
)

const seedYAML = `
providers:
  - slug: acme
    name: Acme SMS
    baseUrl: https://acme.example/api
    authType: bearer
    credentialsEnv: ACME_KEYS
    currency: usd
    priceMultiplier: "1.25"
    fixedMarkup: "0.05"
    active: true
    priority: 5
    endpoints:
      getPrices:
        path: /prices
        query:
          country: "{country}"
        defaults:
          country: ""
    mappings:
      getPrices:
        type: json_dictionary
        fields:
          country: "$parentKey"
          service: "$key"
          cost: price
          count: "count#int"
`

func TestLoadProviderSeedsFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadProviderSeedsFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers: %d", len(cfg.Providers))
	}

	p, err := cfg.Providers[0].Provider()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if p.Slug != "acme" || p.AuthType != provider.AuthBearer {
		t.Fatalf("identity: %s %s", p.Slug, p.AuthType)
	}
	if p.Currency != "USD" {
		t.Fatalf("currency not normalized: %s", p.Currency)
	}
	if p.PriceMultiplier != money.MustParse("1.25") || p.FixedMarkup != money.MustParse("0.05") {
		t.Fatalf("margins: %s %s", p.PriceMultiplier, p.FixedMarkup)
	}
	if p.CurrencyMode != provider.CurrencyDirect {
		t.Fatalf("default currency mode: %s", p.CurrencyMode)
	}
	if p.MetadataMode != provider.MetadataConfig {
		t.Fatalf("default metadata mode: %s", p.MetadataMode)
	}

	spec, ok := p.Mappings[provider.OpGetPrices]
	if !ok || spec.Type != provider.MapJSONDictionary {
		t.Fatalf("mapping: %+v", spec)
	}
	if spec.Fields["country"] != "$parentKey" {
		t.Fatalf("fields survived yaml: %v", spec.Fields)
	}
}

func TestProviderSeedDefaultsMultiplierToOne(t *testing.T) {
	seed := &ProviderSeed{
		Slug:    "bare",
		BaseURL: "https://bare.example",
		Endpoints: map[provider.Operation]provider.EndpointSpec{
			provider.OpGetPrices: {Path: "/p"},
		},
	}
	p, err := seed.Provider()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if p.PriceMultiplier != money.FromInt(1) {
		t.Fatalf("multiplier default: %s", p.PriceMultiplier)
	}
	if p.AuthType != provider.AuthQuery {
		t.Fatalf("auth default: %s", p.AuthType)
	}
}

func TestProviderSeedValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	if _, err := LoadProviderSeedsFromPath(write("missing-slug.yaml", "providers:\n  - name: x\n")); err == nil {
		t.Fatal("missing slug accepted")
	}

	dup := `
providers:
  - slug: a
    baseUrl: https://a.example
    endpoints: {getPrices: {path: /p}}
  - slug: a
    baseUrl: https://a.example
    endpoints: {getPrices: {path: /p}}
`
	if _, err := LoadProviderSeedsFromPath(write("dup.yaml", dup)); err == nil {
		t.Fatal("duplicate slug accepted")
	}

	if _, err := LoadProviderSeedsFromPath(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestProviderSeedManualRateRequired(t *testing.T) {
	seed := &ProviderSeed{
		Slug:         "manual",
		BaseURL:      "https://m.example",
		CurrencyMode: string(provider.CurrencyManual),
		Endpoints: map[provider.Operation]provider.EndpointSpec{
			provider.OpGetPrices: {Path: "/p"},
		},
	}
	if _, err := seed.Provider(); err == nil {
		t.Fatal("manual mode without rate accepted")
	}

	seed.ManualRate = "0.011"
	p, err := seed.Provider()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if p.ManualRate != money.MustParse("0.011") {
		t.Fatalf("manual rate: %s", p.ManualRate)
	}
}
