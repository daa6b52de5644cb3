// Package app is the composition root: it wires stores, shared clients
// and domain services into one Application and manages their lifecycle.
// The api, worker and socket processes all build the same Application and
// differ only in which lifecycle services they attach.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/numhive/platform/internal/activation"
	"github.com/numhive/platform/internal/catalog"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/crypto"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/events"
	"github.com/numhive/platform/internal/inbox"
	"github.com/numhive/platform/internal/outbox"
	"github.com/numhive/platform/internal/queue"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/internal/search"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/internal/storage/memory"
	"github.com/numhive/platform/internal/system"
	"github.com/numhive/platform/internal/wallet"
	"github.com/numhive/platform/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation so tests and tools can run without PostgreSQL.
type Stores struct {
	Users       storage.UserStore
	Wallets     storage.WalletStore
	Providers   storage.ProviderStore
	Offers      storage.OfferStore
	Activations storage.ActivationStore
	Numbers     storage.NumberStore
	Outbox      storage.OutboxStore
	Queue       storage.QueueStore
}

// AllStores is any store implementation covering every aggregate; the
// postgres and memory stores both qualify.
type AllStores interface {
	storage.UserStore
	storage.WalletStore
	storage.ProviderStore
	storage.OfferStore
	storage.ActivationStore
	storage.NumberStore
	storage.OutboxStore
	storage.QueueStore
}

// StoresFrom fills every slot from a single implementation.
func StoresFrom(s AllStores) Stores {
	return Stores{
		Users:       s,
		Wallets:     s,
		Providers:   s,
		Offers:      s,
		Activations: s,
		Numbers:     s,
		Outbox:      s,
		Queue:       s,
	}
}

// Deps carries the process-wide clients the services share. Redis is
// required in production; Search and Cipher may be nil and degrade their
// features (no index maintenance, env-only provider credentials).
type Deps struct {
	Redis  *redis.Client
	Search *search.Client
	Cipher *crypto.Cipher
	// Aliases is the service alias/override table; nil loads the built-in
	// defaults.
	Aliases *config.AliasConfig
	// HTTPClient serves provider calls and webhook deliveries; nil gets a
	// 10 s default.
	HTTPClient *http.Client
	// Process stamps published envelopes with their origin ("api",
	// "worker", "socket").
	Process string
}

// Application ties the domain services together and manages their
// lifecycle through a system.Manager.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logger.Logger

	Stores  Stores
	Redis   *redis.Client
	Index   *search.Client
	Aliases *config.AliasConfig

	Publisher   *events.Publisher
	Wallet      *wallet.Service
	Registry    *catalog.Registry
	Syncer      *catalog.Syncer
	Activations *activation.Service
	Market      *search.Service
	Indexer     *search.Indexer
	Poller      *inbox.Poller
	Webhooks    *inbox.WebhookProcessor
	Dispatcher  *outbox.Dispatcher
	Notifier    *outbox.Notifier
	Jobs        *queue.Service
	Scheduler   *queue.Scheduler
	Master      *queue.Master
}

// New builds a fully wired application. It constructs services only;
// process-specific loops (HTTP server, queue consumers, socket hub) are
// attached by the entry points.
func New(cfg *config.Config, stores Stores, deps Deps, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if deps.Process == "" {
		deps.Process = "app"
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Aliases == nil {
		deps.Aliases = config.LoadAliasConfigOrDefault()
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Wallets == nil {
		stores.Wallets = mem
	}
	if stores.Providers == nil {
		stores.Providers = mem
	}
	if stores.Offers == nil {
		stores.Offers = mem
	}
	if stores.Activations == nil {
		stores.Activations = mem
	}
	if stores.Numbers == nil {
		stores.Numbers = mem
	}
	if stores.Outbox == nil {
		stores.Outbox = mem
	}
	if stores.Queue == nil {
		stores.Queue = mem
	}

	publisher := events.NewPublisher(deps.Redis, deps.Process, log)
	engineClient := engine.NewClient(deps.HTTPClient, log)
	registry := catalog.NewRegistry(stores.Providers, engineClient, deps.Cipher, log)

	funds := wallet.New(stores.Wallets, log)
	activations := activation.New(activation.Deps{
		Activations: stores.Activations,
		Offers:      stores.Offers,
		Numbers:     stores.Numbers,
		Providers:   stores.Providers,
		Outbox:      stores.Outbox,
		Funds:       funds,
		Vendors:     purchaseVendors{registry},
		Publisher:   publisher,
	}, log)

	var gate catalog.RateGate
	if deps.Redis != nil {
		gate = deps.Redis
	}
	var icons *catalog.IconMirror
	if cfg.HTTP.IconBasePath != "" {
		icons = catalog.NewIconMirror(cfg.HTTP.IconBasePath, deps.HTTPClient, log)
	}
	syncer := catalog.NewSyncer(stores.Providers, stores.Offers, stores.Outbox,
		registry, gate, publisher, deps.Aliases, icons, cfg.Sync, log)

	var cache search.Cache
	if deps.Redis != nil {
		cache = deps.Redis
	}
	market := search.NewService(stores.Offers, deps.Search, cache, deps.Aliases, cfg.Search.CacheTTL, log)
	indexer := search.NewIndexer(stores.Offers, stores.Providers, deps.Search, deps.Aliases, log)

	poller := inbox.New(inbox.Deps{
		Numbers:     stores.Numbers,
		Activations: stores.Activations,
		Lifecycle:   activations,
		Vendors:     pollVendors{registry},
		Redis:       deps.Redis,
		Publisher:   publisher,
		Config:      cfg.Poller,
	}, log)
	webhooks := inbox.NewWebhookProcessor(stores.Numbers, stores.Activations, activations, publisher, log)

	jobs := queue.New(stores.Queue, stores.Outbox, cfg.Worker, log)
	dispatcher := outbox.NewDispatcher(outbox.Deps{
		Store:  stores.Outbox,
		Jobs:   stores.Queue,
		Index:  indexer,
		Config: cfg.Outbox,
	}, log)
	notifier := outbox.NewNotifier(stores.Outbox, deps.HTTPClient, log)

	master := queue.NewMaster(queue.MasterDeps{
		Dispatcher: dispatcher,
		Poller:     poller,
		Notifier:   notifier,
		Lifecycle:  activations,
	}, cfg.Worker, log)
	scheduler := queue.NewScheduler(jobs, log)

	return &Application{
		cfg:         cfg,
		manager:     system.NewManager(),
		log:         log,
		Stores:      stores,
		Redis:       deps.Redis,
		Index:       deps.Search,
		Aliases:     deps.Aliases,
		Publisher:   publisher,
		Wallet:      funds,
		Registry:    registry,
		Syncer:      syncer,
		Activations: activations,
		Market:      market,
		Indexer:     indexer,
		Poller:      poller,
		Webhooks:    webhooks,
		Dispatcher:  dispatcher,
		Notifier:    notifier,
		Jobs:        jobs,
		Scheduler:   scheduler,
		Master:      master,
	}, nil
}

// AttachWorker registers every job handler and the worker lifecycle
// services: queue consumers, the cron scheduler and the master tick loop.
// Call once, on the worker process only.
func (a *Application) AttachWorker() error {
	err := queue.RegisterAll(a.Jobs, a.Scheduler, queue.Handlers{
		Syncer:     a.Syncer,
		Indexer:    a.Indexer,
		Vendors:    lifecycleVendors{a.Registry},
		Webhooks:   a.Webhooks,
		Notifier:   a.Notifier,
		Reconciler: a.Activations,
		Lifecycle:  a.Activations,
		Aggregates: a.Stores.Offers,
		Purger:     a.Dispatcher,
		Master:     a.Master,
	})
	if err != nil {
		return fmt.Errorf("register job handlers: %w", err)
	}

	runner := queue.NewRunner(a.Jobs, nil, a.cfg.Worker.DrainTimeout, a.log)
	for _, svc := range []system.Service{a.Scheduler, runner, a.Master} {
		if err := a.manager.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Each consumer package narrows the adapter to the slice it calls, so the
// registry is bridged through one shim per consumer.

type purchaseVendors struct{ reg *catalog.Registry }

func (v purchaseVendors) Vendor(ctx context.Context, providerID string) (activation.NumberVendor, error) {
	return v.reg.Adapter(ctx, providerID)
}

type pollVendors struct{ reg *catalog.Registry }

func (v pollVendors) Vendor(ctx context.Context, providerID string) (inbox.Vendor, error) {
	return v.reg.Adapter(ctx, providerID)
}

type lifecycleVendors struct{ reg *catalog.Registry }

func (v lifecycleVendors) Vendor(ctx context.Context, providerID string) (queue.UpstreamVendor, error) {
	return v.reg.Adapter(ctx, providerID)
}
