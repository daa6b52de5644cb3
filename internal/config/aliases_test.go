package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAliasConfigFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	content := `
services:
  tg:
    canonical: telegram
    synonyms: [tg, tgram]
    displayName: Telegram
countries:
  us: United States
stopWords: [sms, code]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadAliasConfigFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Canonicalize("TG") != "telegram" {
		t.Fatalf("canonicalize: %s", cfg.Canonicalize("TG"))
	}
	if cfg.Canonicalize("unknown-service") != "unknown-service" {
		t.Fatal("unknown codes must pass through")
	}
	if cfg.CountryName("us") != "United States" {
		t.Fatalf("country name: %s", cfg.CountryName("us"))
	}
	if cfg.CountryName("zz") != "ZZ" {
		t.Fatalf("unknown country fallback: %s", cfg.CountryName("zz"))
	}
}

func TestLoadAliasConfigRejectsMissingCanonical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	if err := os.WriteFile(path, []byte("services:\n  tg: {synonyms: [tg]}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAliasConfigFromPath(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaultAliasConfig(t *testing.T) {
	cfg := DefaultAliasConfig()
	if cfg.Canonicalize("wa") != "whatsapp" {
		t.Fatalf("default table: %s", cfg.Canonicalize("wa"))
	}
	name, _ := cfg.Display("telegram")
	if name != "Telegram" {
		t.Fatalf("display: %s", name)
	}

	syns := cfg.SynonymsFor("google")
	seen := map[string]bool{}
	for _, s := range syns {
		seen[s] = true
	}
	if !seen["google"] || !seen["gmail"] {
		t.Fatalf("synonyms: %v", syns)
	}
}

func TestStripStopWords(t *testing.T) {
	cfg := &AliasConfig{StopWords: []string{"sms", "code"}}
	if got := cfg.StripStopWords("telegram sms code"); got != "telegram" {
		t.Fatalf("strip: %q", got)
	}
	if got := cfg.StripStopWords("  whatsapp  "); got != "whatsapp" {
		t.Fatalf("trim: %q", got)
	}
}
