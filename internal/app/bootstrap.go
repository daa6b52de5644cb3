package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/crypto"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/internal/search"
	"github.com/numhive/platform/internal/storage/postgres"
	"github.com/numhive/platform/pkg/logger"
)

// Bootstrap opens the shared clients in dependency order: database first
// (with migrations), then redis, then the search index warm-up. Every
// process goes through here so the singletons are created exactly once.
// The returned cleanup closes the clients in reverse order.
func Bootstrap(ctx context.Context, cfg *config.Config, process string, log *logger.Logger) (*Application, func(), error) {
	if log == nil {
		log = logger.NewDefault(process)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Application, func(), error) {
		cleanup()
		return nil, nil, err
	}

	store, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	closers = append(closers, func() { _ = store.Close() })

	stores := StoresFrom(store)

	// The durable queue holds claim locks across statements, so it gets a
	// session-mode connection when the pooled URL goes through a
	// transaction pooler.
	migrator := store
	if direct := cfg.DirectDatabaseURL(); direct != cfg.Database.URL {
		directStore, err := postgres.Open(direct, 10, 5)
		if err != nil {
			return fail(fmt.Errorf("open direct database: %w", err))
		}
		closers = append(closers, func() { _ = directStore.Close() })
		stores.Queue = directStore
		migrator = directStore
	}
	if err := migrator.Migrate(); err != nil {
		return fail(fmt.Errorf("migrate database: %w", err))
	}

	rdb, err := redis.New(cfg.Redis, log)
	if err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	closers = append(closers, func() { _ = rdb.Close() })

	aliases := config.LoadAliasConfigOrDefault()

	searchClient := search.NewClient(cfg.Search, nil, log)
	if searchClient.Enabled() {
		warmCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := searchClient.EnsureIndex(warmCtx, search.SynonymTable(aliases), aliases.StopWords)
		cancel()
		if err != nil {
			// The catalogue degrades to relational queries until the
			// engine returns; outbox retries re-push missed documents.
			log.WithError(err).Warn("search index warm-up failed")
		}
	} else {
		log.Warn("SEARCH_HOST not set; offer search runs on relational queries only")
	}

	var cipher *crypto.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = crypto.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return fail(fmt.Errorf("load encryption key: %w", err))
		}
	} else {
		log.Warn("ENCRYPTION_KEY not set; provider credentials come from env vars only")
	}

	application, err := New(cfg, stores, Deps{
		Redis:   rdb,
		Search:  searchClient,
		Cipher:  cipher,
		Aliases: aliases,
		Process: process,
	}, log)
	if err != nil {
		return fail(err)
	}
	return application, cleanup, nil
}

// SeedProviders upserts provider configurations from config/providers.yaml.
// Only slugs missing from the store are created; existing rows are the
// admin's to mutate. A missing seed file is not an error.
func (a *Application) SeedProviders(ctx context.Context) (int, error) {
	seeds, err := config.LoadProviderSeeds()
	if err != nil {
		a.log.WithError(err).Debug("no provider seed file loaded")
		return 0, nil
	}
	created := 0
	for _, seed := range seeds.Providers {
		if err := seed.Validate(); err != nil {
			a.log.WithError(err).WithField("provider", seed.Slug).Warn("skipping invalid provider seed")
			continue
		}
		if _, err := a.Stores.Providers.GetProviderBySlug(ctx, seed.Slug); err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return created, fmt.Errorf("check provider %s: %w", seed.Slug, err)
		}
		p, err := seed.Provider()
		if err != nil {
			a.log.WithError(err).WithField("provider", seed.Slug).Warn("skipping malformed provider seed")
			continue
		}
		if _, err := a.Stores.Providers.CreateProvider(ctx, *p); err != nil {
			return created, fmt.Errorf("seed provider %s: %w", seed.Slug, err)
		}
		created++
		a.log.WithField("provider", seed.Slug).Info("provider seeded")
	}
	return created, nil
}
