package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

// queryHitLimit caps how many index hits feed one aggregation pass.
const queryHitLimit = 500

// Cache stores rendered aggregate responses for a short window.
type Cache interface {
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// Page is 1-based pagination.
type Page struct {
	Page    int
	PerPage int
}

func (p Page) bounds() (limit, offset int) {
	per := p.PerPage
	if per <= 0 {
		per = 20
	}
	if per > 100 {
		per = 100
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return per, (page - 1) * per
}

// Service answers the marketplace catalogue queries, from the index when a
// query needs relevance and from the precomputed rollups otherwise.
type Service struct {
	offers  storage.OfferStore
	client  *Client
	cache   Cache
	aliases *config.AliasConfig
	ttl     time.Duration
	log     *logger.Logger
}

// NewService creates the catalogue query service. client and cache may be
// nil; the service then runs store-only and uncached.
func NewService(offers storage.OfferStore, client *Client, cache Cache, aliases *config.AliasConfig, ttl time.Duration, log *logger.Logger) *Service {
	if aliases == nil {
		aliases = config.DefaultAliasConfig()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("search-service")
	}
	return &Service{
		offers:  offers,
		client:  client,
		cache:   cache,
		aliases: aliases,
		ttl:     ttl,
		log:     log,
	}
}

// servicesPage is the cached form of one Services response: the page rows
// plus the pre-pagination match count.
type servicesPage struct {
	Rows  []offer.ServiceAggregate `json:"rows"`
	Total int                      `json:"total"`
}

// Services lists service aggregates: relevance-ordered index hits grouped
// by slug for a free-text query, rollup rows sorted by name, price or
// stock otherwise. The second return is the match count before paging.
// Responses are cached per (query, page, sort).
func (s *Service) Services(ctx context.Context, q string, page Page, sortBy string) ([]offer.ServiceAggregate, int, error) {
	q = strings.TrimSpace(q)
	key := s.cacheKey(q, page, sortBy)
	var cached servicesPage
	if s.cache != nil {
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached.Rows, cached.Total, nil
		}
	}

	var (
		out []offer.ServiceAggregate
		err error
	)
	if q == "" {
		out, err = s.browseServices(ctx, sortBy)
	} else {
		out, err = s.queryServices(ctx, q)
	}
	if err != nil {
		return nil, 0, err
	}
	s.overlayAliases(out)
	total := len(out)

	limit, offset := page.bounds()
	if offset >= len(out) {
		out = nil
	} else {
		out = out[offset:]
		if len(out) > limit {
			out = out[:limit]
		}
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, servicesPage{Rows: out, Total: total}, s.ttl); err != nil {
			s.log.WithError(err).Debug("cache aggregate response")
		}
	}
	return out, total, nil
}

// Countries lists the country rollups for one service, optionally filtered
// by a name fragment.
func (s *Service) Countries(ctx context.Context, serviceSlug, q string) ([]offer.CountryAggregate, error) {
	slug := s.aliases.Canonicalize(serviceSlug)
	rows, err := s.offers.ListCountryAggregates(ctx, slug)
	if err != nil {
		return nil, errors.Database(err)
	}
	for i := range rows {
		if rows[i].CountryName == "" {
			rows[i].CountryName = s.aliases.CountryName(rows[i].CountryCode)
		}
	}
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return rows, nil
	}
	var out []offer.CountryAggregate
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.CountryName), q) ||
			strings.Contains(strings.ToLower(r.CountryCode), q) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Providers lists the individual offers for a (service, country) pair,
// cheapest first, fuller stock breaking ties.
func (s *Service) Providers(ctx context.Context, serviceSlug, countryCode string) ([]offer.Offer, error) {
	slug := s.aliases.Canonicalize(serviceSlug)
	rows, err := s.offers.ListOffers(ctx, storage.OfferFilter{
		Service: slug,
		Country: strings.ToLower(strings.TrimSpace(countryCode)),
		InStock: true,
		Limit:   200,
	})
	if err != nil {
		return nil, errors.Database(err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SellPrice != rows[j].SellPrice {
			return rows[i].SellPrice < rows[j].SellPrice
		}
		if rows[i].Stock != rows[j].Stock {
			return rows[i].Stock > rows[j].Stock
		}
		return rows[i].ProviderSlug < rows[j].ProviderSlug
	})
	return rows, nil
}

func (s *Service) browseServices(ctx context.Context, sortBy string) ([]offer.ServiceAggregate, error) {
	rows, err := s.offers.ListServiceAggregates(ctx, "")
	if err != nil {
		return nil, errors.Database(err)
	}
	switch sortBy {
	case "price":
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].LowestPrice < rows[j].LowestPrice })
	case "stock":
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].TotalStock > rows[j].TotalStock })
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return strings.ToLower(rows[i].ServiceName) < strings.ToLower(rows[j].ServiceName)
		})
	}
	return rows, nil
}

// queryServices runs the free-text path: index hits grouped by service in
// relevance order, with a substring scan over the rollups when no index
// is configured.
func (s *Service) queryServices(ctx context.Context, q string) ([]offer.ServiceAggregate, error) {
	needle := s.aliases.StripStopWords(q)
	if needle == "" {
		needle = q
	}

	if s.client.Enabled() {
		res, err := s.client.Search(ctx, Query{
			Query:  needle,
			Filter: "stock > 0",
			Limit:  queryHitLimit,
		})
		if err != nil {
			s.log.WithError(err).Warn("index query failed, falling back to rollups")
		} else {
			return groupServiceHits(res.Hits), nil
		}
	}

	rows, err := s.offers.ListServiceAggregates(ctx, "")
	if err != nil {
		return nil, errors.Database(err)
	}
	canonical := s.aliases.Canonicalize(needle)
	fragment := strings.ToLower(needle)
	var out []offer.ServiceAggregate
	for _, r := range rows {
		if r.ServiceSlug == canonical ||
			strings.Contains(strings.ToLower(r.ServiceName), fragment) ||
			strings.Contains(r.ServiceSlug, fragment) {
			out = append(out, r)
		}
	}
	return out, nil
}

// groupServiceHits folds relevance-ordered documents into one aggregate
// per service, keeping first-hit order.
func groupServiceHits(hits []Document) []offer.ServiceAggregate {
	var (
		order []string
		byKey = map[string]*offer.ServiceAggregate{}
		seen  = map[string]map[string]bool{}
	)
	for _, h := range hits {
		agg, ok := byKey[h.ServiceSlug]
		if !ok {
			agg = &offer.ServiceAggregate{
				ServiceSlug: h.ServiceSlug,
				ServiceName: h.ServiceName,
				IconURL:     h.IconURL,
				LowestPrice: h.Price,
			}
			byKey[h.ServiceSlug] = agg
			seen[h.ServiceSlug] = map[string]bool{}
			order = append(order, h.ServiceSlug)
		}
		if h.Price < agg.LowestPrice {
			agg.LowestPrice = h.Price
		}
		agg.TotalStock += int64(h.Stock)
		if !seen[h.ServiceSlug]["c:"+h.CountryCode] {
			seen[h.ServiceSlug]["c:"+h.CountryCode] = true
			agg.CountryCount++
		}
		if !seen[h.ServiceSlug]["p:"+h.Provider] {
			seen[h.ServiceSlug]["p:"+h.Provider] = true
			agg.ProviderCount++
		}
		if h.LastSyncedAt > agg.LastUpdatedAt.Unix() {
			agg.LastUpdatedAt = time.Unix(h.LastSyncedAt, 0).UTC()
		}
	}
	out := make([]offer.ServiceAggregate, 0, len(order))
	for _, slug := range order {
		out = append(out, *byKey[slug])
	}
	return out
}

// overlayAliases applies display names and icons from the alias table on
// top of whatever the sync rollups recorded.
func (s *Service) overlayAliases(rows []offer.ServiceAggregate) {
	for i := range rows {
		name, icon := s.aliases.Display(rows[i].ServiceSlug)
		if name != rows[i].ServiceSlug {
			rows[i].ServiceName = name
		}
		if icon != "" && rows[i].IconURL == "" {
			rows[i].IconURL = icon
		}
		if rows[i].ServiceName == "" {
			rows[i].ServiceName = rows[i].ServiceSlug
		}
	}
}

func (s *Service) cacheKey(q string, page Page, sortBy string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(q)))
	limit, offset := page.bounds()
	return fmt.Sprintf("search:services:%s:%d:%d:%s", hex.EncodeToString(sum[:8]), limit, offset, sortBy)
}
