package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/numhive/platform/internal/crypto"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

// Registry compiles and caches one adapter per provider. A cached adapter
// is reused until the stored configuration's UpdatedAt moves.
type Registry struct {
	providers storage.ProviderStore
	client    *engine.Client
	cipher    *crypto.Cipher
	log       *logger.Logger

	mu    sync.RWMutex
	cache map[string]*cachedAdapter
}

type cachedAdapter struct {
	adapter   *engine.Adapter
	updatedAt time.Time
}

// NewRegistry creates the adapter registry. cipher may be nil when no
// encrypted credentials are in use.
func NewRegistry(providers storage.ProviderStore, client *engine.Client, cipher *crypto.Cipher, log *logger.Logger) *Registry {
	if client == nil {
		client = engine.NewClient(nil, log)
	}
	if log == nil {
		log = logger.NewDefault("catalog-registry")
	}
	return &Registry{
		providers: providers,
		client:    client,
		cipher:    cipher,
		log:       log,
		cache:     make(map[string]*cachedAdapter),
	}
}

// Adapter returns the compiled adapter for a provider id.
func (r *Registry) Adapter(ctx context.Context, providerID string) (*engine.Adapter, error) {
	p, err := r.providers.GetProvider(ctx, providerID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("provider")
	}
	if err != nil {
		return nil, errors.Database(err)
	}
	return r.adapterFor(p)
}

// AdapterBySlug resolves by provider slug; webhook ingestion routes on the
// URL path segment.
func (r *Registry) AdapterBySlug(ctx context.Context, slug string) (*engine.Adapter, error) {
	p, err := r.providers.GetProviderBySlug(ctx, slug)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("provider")
	}
	if err != nil {
		return nil, errors.Database(err)
	}
	return r.adapterFor(p)
}

// Vendor implements the sync pipeline's vendor lookup.
func (r *Registry) Vendor(ctx context.Context, providerID string) (Vendor, error) {
	return r.Adapter(ctx, providerID)
}

// Invalidate drops a cached adapter after a configuration update.
func (r *Registry) Invalidate(providerID string) {
	r.mu.Lock()
	delete(r.cache, providerID)
	r.mu.Unlock()
}

func (r *Registry) adapterFor(p provider.Provider) (*engine.Adapter, error) {
	r.mu.RLock()
	c, ok := r.cache[p.ID]
	r.mu.RUnlock()
	if ok && c.updatedAt.Equal(p.UpdatedAt) {
		return c.adapter, nil
	}

	a, err := engine.NewAdapter(&p, r.credentials(p), r.client, r.log)
	if err != nil {
		return nil, errors.Validation("provider configuration does not compile: " + err.Error())
	}

	r.mu.Lock()
	r.cache[p.ID] = &cachedAdapter{adapter: a, updatedAt: p.UpdatedAt}
	r.mu.Unlock()
	return a, nil
}

// credentials resolves the rotation list: encrypted keys win over the
// environment variable.
func (r *Registry) credentials(p provider.Provider) []string {
	if p.EncryptedKeys != "" && r.cipher != nil {
		plain, err := r.cipher.Decrypt(p.EncryptedKeys)
		if err == nil {
			return splitKeys(plain)
		}
		r.log.WithError(err).WithField("provider", p.Slug).Warn("credential decryption failed, trying env")
	}
	if p.CredentialsEnv != "" {
		if v := os.Getenv(p.CredentialsEnv); strings.TrimSpace(v) != "" {
			return splitKeys(v)
		}
	}
	return nil
}

func splitKeys(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
