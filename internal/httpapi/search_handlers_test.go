package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/domain/offer"
)

func seedAggregates(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := h.store.ReplaceServiceAggregates(ctx, []offer.ServiceAggregate{
		{ServiceSlug: "telegram", ServiceName: "Telegram", LowestPrice: 120, TotalStock: 900, CountryCount: 3, ProviderCount: 2, LastUpdatedAt: now},
		{ServiceSlug: "whatsapp", ServiceName: "WhatsApp", LowestPrice: 80, TotalStock: 400, CountryCount: 2, ProviderCount: 1, LastUpdatedAt: now},
		{ServiceSlug: "google", ServiceName: "Google / Gmail", LowestPrice: 150, TotalStock: 50, CountryCount: 1, ProviderCount: 1, LastUpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("seed service aggregates: %v", err)
	}
	err = h.store.ReplaceCountryAggregates(ctx, []offer.CountryAggregate{
		{ServiceSlug: "telegram", CountryCode: "us", CountryName: "United States", LowestPrice: 120, TotalStock: 500, ProviderCount: 2, LastUpdatedAt: now},
		{ServiceSlug: "telegram", CountryCode: "gb", CountryName: "United Kingdom", LowestPrice: 140, TotalStock: 400, ProviderCount: 1, LastUpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("seed country aggregates: %v", err)
	}
}

func TestSearchServicesBrowse(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "shopper@example.com", "password1")
	seedAggregates(t, h)

	rec := h.do(t, http.MethodGet, "/search/services", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse: %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if total := gjson.GetBytes(body, "total").Int(); total != 3 {
		t.Fatalf("total = %d", total)
	}
	// Default ordering is by display name.
	if got := gjson.GetBytes(body, "items.0.serviceSlug").String(); got != "google" {
		t.Fatalf("items.0 = %s", got)
	}

	rec = h.do(t, http.MethodGet, "/search/services?sort=price", token, nil)
	if got := gjson.GetBytes(rec.Body.Bytes(), "items.0.serviceSlug").String(); got != "whatsapp" {
		t.Fatalf("cheapest first = %s", got)
	}

	rec = h.do(t, http.MethodGet, "/search/services?limit=2&page=2", token, nil)
	body = rec.Body.Bytes()
	if n := gjson.GetBytes(body, "items.#").Int(); n != 1 {
		t.Fatalf("page 2 rows = %d", n)
	}
	if total := gjson.GetBytes(body, "total").Int(); total != 3 {
		t.Fatalf("total on page 2 = %d", total)
	}
}

func TestSearchServicesQuery(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "shopper@example.com", "password1")
	seedAggregates(t, h)

	rec := h.do(t, http.MethodGet, "/search/services?q=tele", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if total := gjson.GetBytes(body, "total").Int(); total != 1 {
		t.Fatalf("total = %d", total)
	}
	if got := gjson.GetBytes(body, "items.0.serviceSlug").String(); got != "telegram" {
		t.Fatalf("match = %s", got)
	}

	// Synonyms resolve to the canonical service.
	rec = h.do(t, http.MethodGet, "/search/services?q=tg", token, nil)
	if got := gjson.GetBytes(rec.Body.Bytes(), "items.0.serviceSlug").String(); got != "telegram" {
		t.Fatalf("alias match = %s", got)
	}

	rec = h.do(t, http.MethodGet, "/search/services?q=zzzz", token, nil)
	if total := gjson.GetBytes(rec.Body.Bytes(), "total").Int(); total != 0 {
		t.Fatalf("total for miss = %d", total)
	}
}

func TestSearchCountries(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "shopper@example.com", "password1")
	seedAggregates(t, h)

	rec := h.do(t, http.MethodGet, "/search/countries?service=tg", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("countries: %d %s", rec.Code, rec.Body.String())
	}
	if total := gjson.GetBytes(rec.Body.Bytes(), "total").Int(); total != 2 {
		t.Fatalf("total = %d", total)
	}

	rec = h.do(t, http.MethodGet, "/search/countries?service=telegram&q=king", token, nil)
	body := rec.Body.Bytes()
	if total := gjson.GetBytes(body, "total").Int(); total != 1 {
		t.Fatalf("filtered total = %d", total)
	}
	if got := gjson.GetBytes(body, "countries.0.countryCode").String(); got != "gb" {
		t.Fatalf("filtered match = %s", got)
	}

	rec = h.do(t, http.MethodGet, "/search/countries", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing service: %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "VALIDATION_MISSING" {
		t.Fatalf("error code = %s", code)
	}
}

func TestSearchProviders(t *testing.T) {
	h := newHarness(t)
	token, _ := h.register(t, "shopper@example.com", "password1")

	offers := []offer.Offer{
		{ProviderID: "p1", ProviderSlug: "k1", CountryCode: "us", ServiceCode: "telegram", OperatorID: "default", SellPrice: 150, Stock: 10},
		{ProviderID: "p2", ProviderSlug: "k2", CountryCode: "us", ServiceCode: "telegram", OperatorID: "default", SellPrice: 90, Stock: 4},
		{ProviderID: "p3", ProviderSlug: "k3", CountryCode: "us", ServiceCode: "telegram", OperatorID: "default", SellPrice: 120, Stock: 0},
	}
	for i := range offers {
		offers[i].ID = offers[i].DocumentID()
	}
	if err := h.store.UpsertOffers(context.Background(), offers); err != nil {
		t.Fatalf("seed offers: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/search/providers?service=tg&country=us", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("providers: %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	// The empty-stock row is hidden and the cheapest offer leads.
	if total := gjson.GetBytes(body, "total").Int(); total != 2 {
		t.Fatalf("total = %d", total)
	}
	if got := gjson.GetBytes(body, "providers.0.provider").String(); got != "k2" {
		t.Fatalf("providers.0 = %s", got)
	}
	if got := gjson.GetBytes(body, "providers.0.price").Int(); got != 90 {
		t.Fatalf("providers.0.price = %d", got)
	}

	rec = h.do(t, http.MethodGet, "/search/providers?service=tg", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing country: %d", rec.Code)
	}
}
