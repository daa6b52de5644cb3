package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceAlias describes how one marketplace service is presented and
// found: the canonical slug providers map onto, the synonyms search
// understands, and display metadata.
type ServiceAlias struct {
	Canonical   string   `yaml:"canonical"`
	Synonyms    []string `yaml:"synonyms"`
	DisplayName string   `yaml:"displayName"`
	IconURL     string   `yaml:"iconUrl"`
}

// AliasConfig is the alias and search-tuning table applied on top of
// raw provider catalogues.
type AliasConfig struct {
	// Services maps provider-reported service codes to aliases.
	Services map[string]*ServiceAlias `yaml:"services"`
	// Countries maps ISO codes to display names.
	Countries map[string]string `yaml:"countries"`
	// StopWords are dropped from search queries before matching.
	StopWords []string `yaml:"stopWords"`
}

// LoadAliasConfig loads the alias table from config/aliases.yaml.
func LoadAliasConfig() (*AliasConfig, error) {
	return LoadAliasConfigFromPath(filepath.Join("config", "aliases.yaml"))
}

// LoadAliasConfigFromPath loads the alias table from a specific path.
func LoadAliasConfigFromPath(path string) (*AliasConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias config: %w", err)
	}

	var cfg AliasConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse alias config: %w", err)
	}

	for code, alias := range cfg.Services {
		if alias == nil || strings.TrimSpace(alias.Canonical) == "" {
			return nil, fmt.Errorf("service alias %s: canonical slug is required", code)
		}
	}

	return &cfg, nil
}

// LoadAliasConfigOrDefault loads the alias table or falls back to the
// built-in defaults when no file is present.
func LoadAliasConfigOrDefault() *AliasConfig {
	cfg, err := LoadAliasConfig()
	if err != nil {
		return DefaultAliasConfig()
	}
	return cfg
}

// DefaultAliasConfig returns the built-in alias table covering the
// service codes the major activation providers disagree on.
func DefaultAliasConfig() *AliasConfig {
	return &AliasConfig{
		Services: map[string]*ServiceAlias{
			"tg": {
				Canonical:   "telegram",
				Synonyms:    []string{"tg", "tgram"},
				DisplayName: "Telegram",
			},
			"wa": {
				Canonical:   "whatsapp",
				Synonyms:    []string{"wa", "wapp", "whats app"},
				DisplayName: "WhatsApp",
			},
			"ig": {
				Canonical:   "instagram",
				Synonyms:    []string{"ig", "insta"},
				DisplayName: "Instagram",
			},
			"fb": {
				Canonical:   "facebook",
				Synonyms:    []string{"fb"},
				DisplayName: "Facebook",
			},
			"go": {
				Canonical:   "google",
				Synonyms:    []string{"go", "gmail", "youtube"},
				DisplayName: "Google / Gmail",
			},
			"vi": {
				Canonical:   "viber",
				Synonyms:    []string{"vi"},
				DisplayName: "Viber",
			},
			"ds": {
				Canonical:   "discord",
				Synonyms:    []string{"ds"},
				DisplayName: "Discord",
			},
			"tw": {
				Canonical:   "twitter",
				Synonyms:    []string{"tw", "x"},
				DisplayName: "Twitter / X",
			},
		},
		Countries: map[string]string{
			"us": "United States",
			"gb": "United Kingdom",
			"de": "Germany",
			"fr": "France",
			"ru": "Russia",
			"ua": "Ukraine",
			"id": "Indonesia",
			"in": "India",
		},
		StopWords: []string{"sms", "code", "number", "for", "the"},
	}
}

// Canonicalize resolves a provider-reported service code to its canonical
// slug; unknown codes pass through lowercased.
func (c *AliasConfig) Canonicalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if alias, ok := c.Services[code]; ok {
		return alias.Canonical
	}
	return code
}

// Display returns the display name and icon for a canonical slug.
func (c *AliasConfig) Display(slug string) (name, iconURL string) {
	for _, alias := range c.Services {
		if alias.Canonical == slug {
			name = alias.DisplayName
			if name == "" {
				name = slug
			}
			return name, alias.IconURL
		}
	}
	return slug, ""
}

// SynonymsFor lists the search synonyms for a canonical slug, always
// including the slug itself.
func (c *AliasConfig) SynonymsFor(slug string) []string {
	out := []string{slug}
	for _, alias := range c.Services {
		if alias.Canonical != slug {
			continue
		}
		for _, syn := range alias.Synonyms {
			if syn != slug {
				out = append(out, syn)
			}
		}
	}
	return out
}

// CountryName resolves an ISO code to its display name, falling back to
// the uppercased code.
func (c *AliasConfig) CountryName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if name, ok := c.Countries[code]; ok {
		return name
	}
	return strings.ToUpper(code)
}

// StripStopWords removes stop words from a free-text search query.
func (c *AliasConfig) StripStopWords(query string) string {
	if len(c.StopWords) == 0 {
		return strings.TrimSpace(query)
	}
	stop := make(map[string]bool, len(c.StopWords))
	for _, w := range c.StopWords {
		stop[strings.ToLower(w)] = true
	}
	var kept []string
	for _, w := range strings.Fields(query) {
		if !stop[strings.ToLower(w)] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
