// Package search maintains the offer search index and answers the
// marketplace's service/country/provider queries over it.
package search

import (
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/offer"
)

// Document is one indexed offer. lastSyncedAt is unix seconds so the
// freshness ranking rule can order on it.
type Document struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	DisplayName      string `json:"displayName"`
	CountryCode      string `json:"countryCode"`
	CountryName      string `json:"countryName"`
	FlagURL          string `json:"flagUrl,omitempty"`
	ServiceSlug      string `json:"serviceSlug"`
	ServiceName      string `json:"serviceName"`
	IconURL          string `json:"iconUrl,omitempty"`
	OperatorID       string `json:"operatorId"`
	ExternalOperator string `json:"externalOperator,omitempty"`
	Price            int64  `json:"price"`
	Stock            int    `json:"stock"`
	LastSyncedAt     int64  `json:"lastSyncedAt"`
}

// ProviderMeta carries the per-provider naming used to render documents.
type ProviderMeta struct {
	Slug         string
	DisplayName  string
	CountryNames map[string]string
	CountryFlags map[string]string
	ServiceNames map[string]string
	ServiceIcons map[string]string
}

// NewDocument renders one offer into its index document, applying the
// alias table on top of the provider's own naming.
func NewDocument(o offer.Offer, meta ProviderMeta, aliases *config.AliasConfig) Document {
	slug := o.ServiceCode
	serviceName := meta.ServiceNames[o.ServiceCode]
	iconURL := meta.ServiceIcons[o.ServiceCode]
	if aliases != nil {
		slug = aliases.Canonicalize(o.ServiceCode)
		name, icon := aliases.Display(slug)
		if name != slug {
			serviceName = name
		}
		if icon != "" {
			iconURL = icon
		}
	}
	if serviceName == "" {
		serviceName = slug
	}

	countryName := meta.CountryNames[o.CountryCode]
	if countryName == "" && aliases != nil {
		countryName = aliases.CountryName(o.CountryCode)
	}

	syncedAt := o.LastSyncAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	d := Document{
		ID:           o.DocumentID(),
		Provider:     meta.Slug,
		DisplayName:  meta.DisplayName,
		CountryCode:  o.CountryCode,
		CountryName:  countryName,
		FlagURL:      meta.CountryFlags[o.CountryCode],
		ServiceSlug:  slug,
		ServiceName:  serviceName,
		IconURL:      iconURL,
		OperatorID:   o.OperatorID,
		Price:        o.SellPrice,
		Stock:        o.Stock,
		LastSyncedAt: syncedAt.Unix(),
	}
	if o.OperatorID != "default" {
		d.ExternalOperator = o.OperatorID
	}
	if d.Provider == "" {
		d.Provider = o.ProviderSlug
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Provider
	}
	return d
}
