package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/money"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const (
	defaultRequestsPerMinute = 180
	defaultConcurrency       = 50
	defaultChunkSize         = 1000
	defaultMetadataMaxAge    = 24 * time.Hour

	// gateRetryDelay is how long a country fetch waits when the shared
	// rate window is full.
	gateRetryDelay = 350 * time.Millisecond
)

// Vendor is the slice of a provider adapter the sync pipeline calls.
type Vendor interface {
	GetCountries(ctx context.Context) ([]engine.CountryRow, error)
	GetServices(ctx context.Context, country string) ([]engine.ServiceRow, error)
	GetPrices(ctx context.Context, country, service string) ([]offer.PriceRow, error)
	GetBalance(ctx context.Context) (money.Amount, error)
}

// VendorSource resolves the vendor serving a provider.
type VendorSource interface {
	Vendor(ctx context.Context, providerID string) (Vendor, error)
}

// RateGate is the shared sliding-window limiter for upstream calls.
type RateGate interface {
	Allow(ctx context.Context, name string, limit int, window time.Duration) (bool, error)
}

// Publisher fans live events out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Syncer runs the catalogue pipeline: metadata, balance, prices,
// aggregates, integrity.
type Syncer struct {
	providers storage.ProviderStore
	offers    storage.OfferStore
	outbox    storage.OutboxStore
	vendors   VendorSource
	gate      RateGate
	publisher Publisher
	aliases   *config.AliasConfig
	icons     *IconMirror
	cfg       config.SyncConfig
	log       *logger.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSyncer creates the catalogue syncer. publisher, aliases and icons
// may be nil; fan-out, slug rewriting and icon mirroring are then
// skipped. Without a gate upstream pacing falls back to a process-local
// limiter.
func NewSyncer(
	providers storage.ProviderStore,
	offers storage.OfferStore,
	ob storage.OutboxStore,
	vendors VendorSource,
	gate RateGate,
	publisher Publisher,
	aliases *config.AliasConfig,
	icons *IconMirror,
	cfg config.SyncConfig,
	log *logger.Logger,
) *Syncer {
	if log == nil {
		log = logger.NewDefault("catalog-sync")
	}
	return &Syncer{
		providers: providers,
		offers:    offers,
		outbox:    ob,
		vendors:   vendors,
		gate:      gate,
		publisher: publisher,
		aliases:   aliases,
		icons:     icons,
		cfg:       cfg,
		log:       log,
	}
}

// SyncAll runs the pipeline for every active provider. Per-provider
// failures are recorded on the provider row and never abort the loop.
func (s *Syncer) SyncAll(ctx context.Context) error {
	provs, err := s.providers.ListProviders(ctx, false)
	if err != nil {
		return errors.Database(err)
	}
	for _, p := range provs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.SyncProvider(ctx, p.ID); err != nil {
			s.log.WithError(err).WithField("provider", p.Slug).Error("provider sync failed")
		}
	}
	return nil
}

// SyncProvider runs the full pipeline for one provider.
func (s *Syncer) SyncProvider(ctx context.Context, providerID string) (retErr error) {
	p, err := s.providers.GetProvider(ctx, providerID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("provider")
	}
	if err != nil {
		return errors.Database(err)
	}
	if !p.Active || p.Deleted {
		s.log.WithField("provider", p.Slug).Debug("skipping inactive provider")
		return nil
	}

	started := time.Now()
	if err := s.providers.UpdateProviderSync(ctx, p.ID, provider.SyncRunning, "", started.UTC()); err != nil {
		return errors.Database(err)
	}
	defer func() {
		status := provider.SyncSuccess
		msg := ""
		if retErr != nil {
			status = provider.SyncFailed
			msg = retErr.Error()
		}
		if err := s.providers.UpdateProviderSync(ctx, p.ID, status, msg, time.Now().UTC()); err != nil {
			s.log.WithError(err).WithField("provider", p.Slug).Error("record sync status")
		}
		metrics.RecordSyncRun(p.Slug, string(status), time.Since(started))
		s.emitProviderSynced(ctx, p, status, time.Since(started))
		s.publishProviderSynced(ctx, p.Slug, status)
	}()

	vendor, err := s.vendors.Vendor(ctx, p.ID)
	if err != nil {
		return err
	}

	countries, err := s.syncMetadata(ctx, p, vendor)
	if err != nil {
		return err
	}
	s.syncBalance(ctx, p, vendor)

	upserted, err := s.syncPrices(ctx, p, vendor, countries)
	if err != nil {
		return err
	}
	if err := s.offers.RebuildAggregates(ctx, time.Now().UTC()); err != nil {
		return errors.Database(err)
	}
	s.emitAggregatesUpdated(ctx, p)
	s.integrityPass(ctx)

	metrics.RecordOffersUpserted(p.Slug, upserted)
	s.log.WithFields(map[string]interface{}{
		"provider":  p.Slug,
		"countries": len(countries),
		"offers":    upserted,
		"took_ms":   time.Since(started).Milliseconds(),
	}).Info("catalogue sync finished")
	return nil
}

// SyncBalances refreshes the upstream balance of every active provider
// without touching the catalogue. Returns how many providers refreshed.
func (s *Syncer) SyncBalances(ctx context.Context) (int, error) {
	provs, err := s.providers.ListProviders(ctx, false)
	if err != nil {
		return 0, errors.Database(err)
	}
	refreshed := 0
	for _, p := range provs {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		vendor, err := s.vendors.Vendor(ctx, p.ID)
		if err != nil {
			s.log.WithError(err).WithField("provider", p.Slug).Warn("resolve vendor for balance")
			continue
		}
		s.syncBalance(ctx, p, vendor)
		refreshed++
	}
	return refreshed, nil
}

// RefreshMetadata refetches one provider's countries and services even
// when the cached snapshot is still inside the freshness window.
func (s *Syncer) RefreshMetadata(ctx context.Context, providerID string) error {
	p, err := s.providers.GetProvider(ctx, providerID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("provider")
	}
	if err != nil {
		return errors.Database(err)
	}
	vendor, err := s.vendors.Vendor(ctx, p.ID)
	if err != nil {
		return err
	}
	_, err = s.refetchMetadata(ctx, p, vendor)
	return err
}

// syncMetadata reuses cached country/service rows when they are fresh and
// sane, otherwise refetches and replaces both sets.
func (s *Syncer) syncMetadata(ctx context.Context, p provider.Provider, vendor Vendor) ([]provider.Country, error) {
	maxAge := s.cfg.MetadataMaxAge
	if maxAge <= 0 {
		maxAge = defaultMetadataMaxAge
	}
	cached, err := s.providers.ListCountries(ctx, p.ID)
	if err == nil && p.LastMetadataSyncAt != nil &&
		time.Since(*p.LastMetadataSyncAt) < maxAge && metadataSane(cached) {
		return cached, nil
	}
	return s.refetchMetadata(ctx, p, vendor)
}

// refetchMetadata replaces the provider's country and service rows from a
// live fetch, ignoring the freshness window.
func (s *Syncer) refetchMetadata(ctx context.Context, p provider.Provider, vendor Vendor) ([]provider.Country, error) {
	now := time.Now().UTC()
	countryRows, err := vendor.GetCountries(ctx)
	if err != nil {
		return nil, err
	}
	countries := make([]provider.Country, 0, len(countryRows))
	for _, r := range countryRows {
		countries = append(countries, provider.Country{
			ID:         uuid.NewString(),
			ProviderID: p.ID,
			ExternalID: r.ExternalID,
			Code:       r.Code,
			Name:       r.Name,
			FlagURL:    r.FlagURL,
			LastSyncAt: now,
		})
	}
	if err := s.providers.ReplaceCountries(ctx, p.ID, countries); err != nil {
		return nil, errors.Database(err)
	}

	serviceRows, err := vendor.GetServices(ctx, "")
	if err != nil {
		return nil, err
	}
	services := make([]provider.Service, 0, len(serviceRows))
	for _, r := range serviceRows {
		services = append(services, provider.Service{
			ID:         uuid.NewString(),
			ProviderID: p.ID,
			ExternalID: r.ExternalID,
			Code:       r.Code,
			Name:       r.Name,
			IconURL:    r.IconURL,
			LastSyncAt: now,
		})
	}
	if err := s.providers.ReplaceServices(ctx, p.ID, services); err != nil {
		return nil, errors.Database(err)
	}
	s.mirrorIcons(ctx, services)
	if err := s.providers.UpdateProviderMetadataSync(ctx, p.ID, now); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Warn("record metadata sync time")
	}
	return countries, nil
}

// mirrorIcons pulls service icons into the local asset directory, named
// by canonical slug. Alias overrides win over upstream URLs. Icon
// failures never fail a sync.
func (s *Syncer) mirrorIcons(ctx context.Context, services []provider.Service) {
	if s.icons == nil {
		return
	}
	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}
		slug := strings.ToLower(svc.Code)
		iconURL := svc.IconURL
		if s.aliases != nil {
			slug = s.aliases.Canonicalize(slug)
			if _, override := s.aliases.Display(slug); override != "" {
				iconURL = override
			}
		}
		if iconURL == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		if _, err := s.icons.Mirror(ctx, slug, iconURL); err != nil {
			s.log.WithError(err).WithField("service", slug).Debug("mirror icon")
		}
	}
}

// metadataSane rejects cached rows that look like a failed parse: codes
// leaking into names, "Unknown" placeholders, whitespace or over-long codes.
func metadataSane(rows []provider.Country) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if r.Name == "" || strings.EqualFold(r.Name, "unknown") {
			return false
		}
		if strings.EqualFold(r.Name, r.Code) {
			return false
		}
		if strings.ContainsAny(r.Code, " \t\n") {
			return false
		}
		if len(r.Code) > 5 {
			return false
		}
	}
	return true
}

func (s *Syncer) syncBalance(ctx context.Context, p provider.Provider, vendor Vendor) {
	bal, err := vendor.GetBalance(ctx)
	if err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Warn("balance fetch failed")
		return
	}
	if err := s.providers.UpdateProviderBalance(ctx, p.ID, bal, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Warn("record balance")
	}
}

// syncPrices fans country fetches out through the shared rate window and a
// bounded worker group, then upserts the collected offers in chunks.
func (s *Syncer) syncPrices(ctx context.Context, p provider.Provider, vendor Vendor, countries []provider.Country) (int, error) {
	perMinute := s.cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	conc := s.cfg.Concurrency
	if conc <= 0 || conc > defaultConcurrency {
		conc = defaultConcurrency
	}
	chunk := s.cfg.UpsertChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	pointsRate := PointsRate(s.cfg.PointsRate)
	syncStart := time.Now().UTC()

	var (
		mu      sync.Mutex
		pending []offer.Offer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for _, c := range countries {
		country := c
		g.Go(func() error {
			if err := s.waitTurn(gctx, p.Slug, perMinute); err != nil {
				return err
			}
			rows, err := vendor.GetPrices(gctx, country.Code, "")
			if err != nil {
				// One bad country never fails the provider.
				s.log.WithError(err).WithFields(map[string]interface{}{
					"provider": p.Slug,
					"country":  country.Code,
				}).Warn("country price fetch failed")
				return nil
			}
			batch := s.buildOffers(p, country.Code, rows, pointsRate, syncStart)
			if len(batch) == 0 {
				return nil
			}
			mu.Lock()
			pending = append(pending, batch...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	upserted := 0
	for start := 0; start < len(pending); start += chunk {
		end := start + chunk
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		if err := s.offers.UpsertOffers(ctx, batch); err != nil {
			return upserted, errors.Database(err)
		}
		upserted += len(batch)
		s.emitBatchUpserted(ctx, p, len(batch))
	}

	if _, err := s.offers.PurgeStale(ctx, p.ID, syncStart); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Warn("purge stale offers")
	}
	return upserted, nil
}

// waitTurn blocks until the provider's shared rate window admits another
// upstream call. Without a gate, and while the gate is unreachable, a
// process-local limiter keeps the provider's budget honest.
func (s *Syncer) waitTurn(ctx context.Context, slug string, perMinute int) error {
	if s.gate == nil {
		return s.localLimiter(slug, perMinute).Wait(ctx)
	}
	for {
		ok, err := s.gate.Allow(ctx, "sync:"+slug, perMinute, time.Minute)
		if err != nil {
			s.log.WithError(err).Debug("rate gate unavailable, pacing locally")
			return s.localLimiter(slug, perMinute).Wait(ctx)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gateRetryDelay):
		}
	}
}

// localLimiter returns the per-provider token bucket, creating it on first
// use. rate.Every spreads the minute budget instead of bursting it all at
// once against the upstream.
func (s *Syncer) localLimiter(slug string, perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	if s.limiters == nil {
		s.limiters = make(map[string]*rate.Limiter)
	}
	if lim, ok := s.limiters[slug]; ok {
		return lim
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	s.limiters[slug] = lim
	return lim
}

// buildOffers converts upstream price rows into offers: canonical service
// slugs, margin-applied sell prices, rows with no stock dropped.
func (s *Syncer) buildOffers(p provider.Provider, country string, rows []offer.PriceRow, pointsRate money.Amount, syncedAt time.Time) []offer.Offer {
	out := make([]offer.Offer, 0, len(rows))
	for _, r := range rows {
		if r.Count <= 0 {
			continue
		}
		operator := r.Operator
		if operator == "" {
			operator = "default"
		}
		service := strings.ToLower(r.Service)
		if s.aliases != nil {
			service = s.aliases.Canonicalize(service)
		}
		o := offer.Offer{
			ProviderID:   p.ID,
			ProviderSlug: p.Slug,
			CountryCode:  strings.ToLower(country),
			ServiceCode:  service,
			OperatorID:   operator,
			RawCost:      r.Cost,
			SellPrice:    SellPrice(p, r.Cost, pointsRate, s.cfg.PointsEnabled),
			Stock:        r.Count,
			LastSyncAt:   syncedAt,
		}
		o.ID = o.DocumentID()
		out = append(out, o)
	}
	return out
}

// integrityPass prunes offers whose provider was disabled or deleted since
// the last sync, then drops icon assets no live catalogue references.
func (s *Syncer) integrityPass(ctx context.Context) {
	provs, err := s.providers.ListProviders(ctx, true)
	if err != nil {
		s.log.WithError(err).Warn("integrity pass: list providers")
		return
	}
	for _, p := range provs {
		if p.Active && !p.Deleted {
			continue
		}
		n, err := s.offers.PurgeStale(ctx, p.ID, time.Now().UTC().Add(time.Second))
		if err != nil {
			s.log.WithError(err).WithField("provider", p.Slug).Warn("integrity pass: prune offers")
			continue
		}
		if n > 0 {
			s.emitProviderDeleted(ctx, p, n)
			s.log.WithFields(map[string]interface{}{
				"provider": p.Slug,
				"pruned":   n,
			}).Info("pruned offers of disabled provider")
		}
	}
	s.pruneIcons(ctx, provs)
}

// pruneIcons removes mirrored icons whose slug no longer appears in any
// active provider's service list. A partial live set would delete icons
// that are still referenced, so any listing error skips the pass.
func (s *Syncer) pruneIcons(ctx context.Context, provs []provider.Provider) {
	if s.icons == nil {
		return
	}
	live := make(map[string]struct{})
	for _, p := range provs {
		if !p.Active || p.Deleted {
			continue
		}
		services, err := s.providers.ListServices(ctx, p.ID)
		if err != nil {
			s.log.WithError(err).WithField("provider", p.Slug).Warn("integrity pass: list services")
			return
		}
		for _, svc := range services {
			slug := strings.ToLower(svc.Code)
			if s.aliases != nil {
				slug = s.aliases.Canonicalize(slug)
			}
			live[slug] = struct{}{}
		}
	}
	removed, err := s.icons.Prune(live)
	if err != nil {
		s.log.WithError(err).Warn("integrity pass: prune icons")
		return
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("removed orphaned icon assets")
	}
}

// emitProviderDeleted queues the index-side cleanup after the relational
// prune of a disabled provider.
func (s *Syncer) emitProviderDeleted(ctx context.Context, p provider.Provider, pruned int64) {
	payload, err := json.Marshal(map[string]interface{}{
		"providerId":   p.ID,
		"providerSlug": p.Slug,
		"pruned":       pruned,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "provider",
		AggregateID:   p.ID,
		EventType:     outbox.EventOfferDeleted,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Error("append offer.deleted")
	}
}

func (s *Syncer) emitProviderSynced(ctx context.Context, p provider.Provider, status provider.SyncStatus, took time.Duration) {
	payload, err := json.Marshal(map[string]interface{}{
		"providerId":   p.ID,
		"providerSlug": p.Slug,
		"status":       string(status),
		"tookMs":       took.Milliseconds(),
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "provider",
		AggregateID:   p.ID,
		EventType:     outbox.EventProviderSynced,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Error("append provider.synced")
	}
}

func (s *Syncer) emitAggregatesUpdated(ctx context.Context, p provider.Provider) {
	payload, err := json.Marshal(map[string]interface{}{
		"providerId": p.ID,
		"refreshed":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "service_aggregate",
		AggregateID:   p.ID,
		EventType:     outbox.EventAggregateUpdated,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Error("append service_aggregate.updated")
	}
}

func (s *Syncer) emitBatchUpserted(ctx context.Context, p provider.Provider, count int) {
	payload, err := json.Marshal(map[string]interface{}{
		"providerId":   p.ID,
		"providerSlug": p.Slug,
		"count":        count,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "provider",
		AggregateID:   p.ID,
		EventType:     outbox.EventOfferUpserted,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("provider", p.Slug).Error("append offer.upserted")
	}
	if s.publisher != nil {
		env, err := event.New(event.TypeOfferSynced, event.CatalogRoom, map[string]interface{}{
			"providerSlug": p.Slug,
			"upserted":     count,
		})
		if err == nil {
			if err := s.publisher.Publish(ctx, env); err != nil {
				s.log.WithError(err).Debug("publish offer.synced")
			}
		}
	}
}

func (s *Syncer) publishProviderSynced(ctx context.Context, slug string, status provider.SyncStatus) {
	if s.publisher == nil {
		return
	}
	env, err := event.New(event.TypeProviderSynced, event.CatalogRoom, map[string]interface{}{
		"providerSlug": slug,
		"status":       string(status),
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.WithError(err).Debug("publish provider.synced")
	}
}
