package search

import (
	"context"
	"sort"
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const indexBatchSize = 1000

// Indexer mirrors the relational offer catalogue into the search index.
type Indexer struct {
	offers    storage.OfferStore
	providers storage.ProviderStore
	client    *Client
	aliases   *config.AliasConfig
	log       *logger.Logger
}

// NewIndexer creates the offer indexer.
func NewIndexer(offers storage.OfferStore, providers storage.ProviderStore, client *Client, aliases *config.AliasConfig, log *logger.Logger) *Indexer {
	if log == nil {
		log = logger.NewDefault("search-indexer")
	}
	return &Indexer{
		offers:    offers,
		providers: providers,
		client:    client,
		aliases:   aliases,
		log:       log,
	}
}

// IndexProvider reindexes one provider's live offers and drops documents
// from earlier sync generations.
func (ix *Indexer) IndexProvider(ctx context.Context, providerID string) (int, error) {
	if !ix.client.Enabled() {
		return 0, nil
	}
	p, err := ix.providers.GetProvider(ctx, providerID)
	if err != nil {
		return 0, errors.Database(err)
	}
	meta, err := ix.metaFor(ctx, p)
	if err != nil {
		return 0, err
	}

	var (
		pushed    int
		oldestRow int64
	)
	for offset := 0; ; offset += indexBatchSize {
		rows, err := ix.offers.ListOffers(ctx, storage.OfferFilter{
			Provider: p.Slug,
			Limit:    indexBatchSize,
			Offset:   offset,
		})
		if err != nil {
			return pushed, errors.Database(err)
		}
		if len(rows) == 0 {
			break
		}
		docs := make([]Document, 0, len(rows))
		for _, o := range rows {
			d := NewDocument(o, meta, ix.aliases)
			if oldestRow == 0 || d.LastSyncedAt < oldestRow {
				oldestRow = d.LastSyncedAt
			}
			docs = append(docs, d)
		}
		if err := ix.client.PushDocuments(ctx, docs); err != nil {
			return pushed, err
		}
		pushed += len(docs)
		if len(rows) < indexBatchSize {
			break
		}
	}

	// Documents older than the oldest live row belong to a previous sync.
	cutoff := oldestRow
	if pushed == 0 {
		cutoff = time.Now().UTC().Unix() + 1
	}
	if err := ix.client.DeleteStale(ctx, p.Slug, cutoff); err != nil {
		ix.log.WithError(err).WithField("provider", p.Slug).Warn("drop stale documents")
	}
	return pushed, nil
}

// IndexOffer refreshes one document after a stock or price change. A
// document whose offer no longer exists is removed instead.
func (ix *Indexer) IndexOffer(ctx context.Context, documentID string) error {
	if !ix.client.Enabled() {
		return nil
	}
	o, err := ix.offers.GetOffer(ctx, documentID)
	if err != nil {
		return ix.client.DeleteDocuments(ctx, []string{documentID})
	}
	p, err := ix.providers.GetProvider(ctx, o.ProviderID)
	if err != nil {
		return errors.Database(err)
	}
	meta, err := ix.metaFor(ctx, p)
	if err != nil {
		return err
	}
	return ix.client.PushDocuments(ctx, []Document{NewDocument(o, meta, ix.aliases)})
}

// RemoveOffer drops one document from the index.
func (ix *Indexer) RemoveOffer(ctx context.Context, documentID string) error {
	if !ix.client.Enabled() {
		return nil
	}
	return ix.client.DeleteDocuments(ctx, []string{documentID})
}

// RemoveProvider drops every document a provider ever indexed.
func (ix *Indexer) RemoveProvider(ctx context.Context, providerSlug string) error {
	if !ix.client.Enabled() {
		return nil
	}
	return ix.client.DeleteStale(ctx, providerSlug, time.Now().UTC().Unix()+1)
}

// ReindexAll rebuilds the index for every active provider; per-provider
// failures are logged and skipped.
func (ix *Indexer) ReindexAll(ctx context.Context) (int, error) {
	if !ix.client.Enabled() {
		return 0, nil
	}
	provs, err := ix.providers.ListProviders(ctx, false)
	if err != nil {
		return 0, errors.Database(err)
	}
	total := 0
	for _, p := range provs {
		n, err := ix.IndexProvider(ctx, p.ID)
		if err != nil {
			ix.log.WithError(err).WithField("provider", p.Slug).Warn("reindex provider")
			continue
		}
		total += n
	}
	return total, nil
}

func (ix *Indexer) metaFor(ctx context.Context, p provider.Provider) (ProviderMeta, error) {
	meta := ProviderMeta{
		Slug:         p.Slug,
		DisplayName:  p.Name,
		CountryNames: map[string]string{},
		CountryFlags: map[string]string{},
		ServiceNames: map[string]string{},
		ServiceIcons: map[string]string{},
	}
	countries, err := ix.providers.ListCountries(ctx, p.ID)
	if err != nil {
		return meta, errors.Database(err)
	}
	for _, c := range countries {
		meta.CountryNames[c.Code] = c.Name
		if c.FlagURL != "" {
			meta.CountryFlags[c.Code] = c.FlagURL
		}
	}
	services, err := ix.providers.ListServices(ctx, p.ID)
	if err != nil {
		return meta, errors.Database(err)
	}
	for _, sv := range services {
		meta.ServiceNames[sv.Code] = sv.Name
		if sv.IconURL != "" {
			meta.ServiceIcons[sv.Code] = sv.IconURL
		}
	}
	return meta, nil
}

// SynonymTable builds the bidirectional synonym map pushed with the index
// settings.
func SynonymTable(aliases *config.AliasConfig) map[string][]string {
	if aliases == nil {
		return nil
	}
	out := make(map[string][]string)
	for _, alias := range aliases.Services {
		canonical := alias.Canonical
		for _, syn := range alias.Synonyms {
			if syn == canonical {
				continue
			}
			out[canonical] = append(out[canonical], syn)
			out[syn] = append(out[syn], canonical)
		}
	}
	for k, list := range out {
		sort.Strings(list)
		dedup := list[:0]
		for i, s := range list {
			if i == 0 || s != list[i-1] {
				dedup = append(dedup, s)
			}
		}
		out[k] = dedup
	}
	return out
}
