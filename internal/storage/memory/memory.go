// Package memory is an in-memory implementation of the storage interfaces,
// safe for concurrent use. It backs service tests and local development;
// not-found lookups return sql.ErrNoRows so callers cannot tell it apart
// from the postgres store.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/domain/wallet"
	"github.com/numhive/platform/internal/money"
	"github.com/numhive/platform/internal/storage"
)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	users        map[string]user.User
	usersByEmail map[string]string

	wallets map[string]wallet.Wallet
	txs     []wallet.Transaction
	txByKey map[string]wallet.Transaction

	providers         map[string]provider.Provider
	providerCountries map[string][]provider.Country
	providerServices  map[string][]provider.Service

	offers       map[string]offer.Offer
	reservations map[string]offer.Reservation
	serviceAggs  []offer.ServiceAggregate
	countryAggs  []offer.CountryAggregate

	activations     map[string]activation.Activation
	activationByKey map[string]string

	numbers    map[string]number.Number
	messages   map[string][]number.SmsMessage
	messageIDs map[string]bool
	audits     map[string][]number.PollAudit

	events      []outbox.Event
	nextEventID int64

	webhookKeys   map[string]bool
	notifications map[string]outbox.Notification
	endpoints     map[string]outbox.WebhookEndpoint

	jobs      map[int64]queue.Job
	nextJobID int64
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.ProviderStore = (*Store)(nil)
var _ storage.OfferStore = (*Store)(nil)
var _ storage.ActivationStore = (*Store)(nil)
var _ storage.NumberStore = (*Store)(nil)
var _ storage.OutboxStore = (*Store)(nil)
var _ storage.QueueStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:             make(map[string]user.User),
		usersByEmail:      make(map[string]string),
		wallets:           make(map[string]wallet.Wallet),
		txByKey:           make(map[string]wallet.Transaction),
		providers:         make(map[string]provider.Provider),
		providerCountries: make(map[string][]provider.Country),
		providerServices:  make(map[string][]provider.Service),
		offers:            make(map[string]offer.Offer),
		reservations:      make(map[string]offer.Reservation),
		activations:       make(map[string]activation.Activation),
		activationByKey:   make(map[string]string),
		numbers:           make(map[string]number.Number),
		messages:          make(map[string][]number.SmsMessage),
		messageIDs:        make(map[string]bool),
		audits:            make(map[string][]number.PollAudit),
		nextEventID:       1,
		webhookKeys:       make(map[string]bool),
		notifications:     make(map[string]outbox.Notification),
		endpoints:         make(map[string]outbox.WebhookEndpoint),
		jobs:              make(map[int64]queue.Job),
		nextJobID:         1,
	}
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProvider(p provider.Provider) provider.Provider {
	out := p
	if p.Endpoints != nil {
		out.Endpoints = make(map[provider.Operation]provider.EndpointSpec, len(p.Endpoints))
		for k, v := range p.Endpoints {
			v.Query = cloneStringMap(v.Query)
			v.Headers = cloneStringMap(v.Headers)
			v.Defaults = cloneStringMap(v.Defaults)
			out.Endpoints[k] = v
		}
	}
	if p.Mappings != nil {
		out.Mappings = make(map[provider.Operation]provider.MappingSpec, len(p.Mappings))
		for k, v := range p.Mappings {
			v.Fields = cloneStringMap(v.Fields)
			v.StatusMapping = cloneStringMap(v.StatusMapping)
			out.Mappings[k] = v
		}
	}
	out.ErrorMap = cloneStringMap(p.ErrorMap)
	out.Webhook.IPAllowlist = append([]string(nil), p.Webhook.IPAllowlist...)
	return out
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	email := strings.ToLower(u.Email)
	if _, exists := s.usersByEmail[email]; exists {
		return user.User{}, fmt.Errorf("user with email %s already exists", u.Email)
	}
	if u.Role == "" {
		u.Role = user.RoleUser
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	s.usersByEmail[email] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return user.User{}, sql.ErrNoRows
	}
	return s.users[id], nil
}

// WalletStore implementation --------------------------------------------------

func (s *Store) GetWallet(_ context.Context, userID string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return wallet.Wallet{}, sql.ErrNoRows
	}
	return w, nil
}

func (s *Store) CreateWallet(_ context.Context, userID string) (wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		return w, nil
	}
	now := time.Now().UTC()
	w := wallet.Wallet{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.wallets[userID] = w
	return w, nil
}

func (s *Store) Credit(_ context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(op, func(w *wallet.Wallet) (int64, error) {
		w.Balance += op.Amount
		return op.Amount, nil
	})
}

func (s *Store) Reserve(_ context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(op, func(w *wallet.Wallet) (int64, error) {
		if w.Balance-w.Reserved < op.Amount {
			return 0, storage.ErrInsufficientFunds
		}
		w.Reserved += op.Amount
		return -op.Amount, nil
	})
}

func (s *Store) Commit(_ context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(op, func(w *wallet.Wallet) (int64, error) {
		if w.Reserved < op.Amount {
			return 0, storage.ErrReservationShort
		}
		w.Balance -= op.Amount
		w.Reserved -= op.Amount
		return 0, nil
	})
}

func (s *Store) Rollback(_ context.Context, op storage.LedgerOp) (wallet.Transaction, error) {
	return s.applyLedgerOp(op, func(w *wallet.Wallet) (int64, error) {
		if w.Reserved < op.Amount {
			return 0, storage.ErrReservationShort
		}
		w.Reserved -= op.Amount
		return op.Amount, nil
	})
}

func (s *Store) applyLedgerOp(op storage.LedgerOp, mutate func(*wallet.Wallet) (int64, error)) (wallet.Transaction, error) {
	if op.Amount < 0 {
		return wallet.Transaction{}, fmt.Errorf("ledger amount must not be negative: %d", op.Amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.IdempotencyKey != "" {
		if prev, ok := s.txByKey[op.IdempotencyKey]; ok {
			return prev, nil
		}
	}
	w, ok := s.wallets[op.UserID]
	if !ok {
		return wallet.Transaction{}, sql.ErrNoRows
	}
	amount, err := mutate(&w)
	if err != nil {
		return wallet.Transaction{}, err
	}
	now := time.Now().UTC()
	w.UpdatedAt = now
	s.wallets[op.UserID] = w

	tx := wallet.Transaction{
		ID:          uuid.NewString(),
		WalletID:    w.ID,
		UserID:      op.UserID,
		Amount:      amount,
		Type:        op.Type,
		Description: op.Description,
		ReferenceID: op.ActivationID,
		CreatedAt:   now,
	}
	if op.IdempotencyKey != "" {
		k := op.IdempotencyKey
		tx.IdempotencyKey = &k
		s.txByKey[k] = tx
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *Store) GetTransactionByKey(_ context.Context, idempotencyKey string) (wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txByKey[idempotencyKey]
	if !ok {
		return wallet.Transaction{}, sql.ErrNoRows
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string, limit, offset int) ([]wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var all []wallet.Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].UserID == userID {
			all = append(all, s.txs[i])
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) CountTransactions(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, tx := range s.txs {
		if tx.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) SumByActivation(_ context.Context, activationID string) (map[wallet.TransactionType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[wallet.TransactionType]int64)
	for _, tx := range s.txs {
		if tx.ReferenceID == activationID {
			out[tx.Type] += tx.Amount
		}
	}
	return out, nil
}

// ProviderStore implementation ------------------------------------------------

func (s *Store) CreateProvider(_ context.Context, p provider.Provider) (provider.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range s.providers {
		if existing.Slug == p.Slug && !existing.Deleted {
			return provider.Provider{}, fmt.Errorf("provider slug %s already exists", p.Slug)
		}
	}
	if p.SyncStatus == "" {
		p.SyncStatus = provider.SyncIdle
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.providers[p.ID] = cloneProvider(p)
	return p, nil
}

func (s *Store) UpdateProvider(_ context.Context, p provider.Provider) (provider.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.providers[p.ID]
	if !ok {
		return provider.Provider{}, sql.ErrNoRows
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.providers[p.ID] = cloneProvider(p)
	return p, nil
}

func (s *Store) GetProvider(_ context.Context, id string) (provider.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return provider.Provider{}, sql.ErrNoRows
	}
	return cloneProvider(p), nil
}

func (s *Store) GetProviderBySlug(_ context.Context, slug string) (provider.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.providers {
		if p.Slug == slug && !p.Deleted {
			return cloneProvider(p), nil
		}
	}
	return provider.Provider{}, sql.ErrNoRows
}

func (s *Store) ListProviders(_ context.Context, includeInactive bool) ([]provider.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []provider.Provider
	for _, p := range s.providers {
		if p.Deleted {
			continue
		}
		if !includeInactive && !p.Active {
			continue
		}
		out = append(out, cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

func (s *Store) SoftDeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.Deleted = true
	p.Active = false
	p.UpdatedAt = time.Now().UTC()
	s.providers[id] = p
	return nil
}

func (s *Store) UpdateProviderSync(_ context.Context, id string, status provider.SyncStatus, syncErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.SyncStatus = status
	p.SyncError = syncErr
	if !at.IsZero() {
		t := at.UTC()
		p.LastSyncAt = &t
	}
	p.UpdatedAt = time.Now().UTC()
	s.providers[id] = p
	return nil
}

func (s *Store) UpdateProviderBalance(_ context.Context, id string, balance money.Amount, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.Balance = balance
	t := at.UTC()
	p.LastBalanceSyncAt = &t
	p.UpdatedAt = time.Now().UTC()
	s.providers[id] = p
	return nil
}

func (s *Store) UpdateProviderMetadataSync(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[id]
	if !ok {
		return sql.ErrNoRows
	}
	t := at.UTC()
	p.LastMetadataSyncAt = &t
	p.UpdatedAt = time.Now().UTC()
	s.providers[id] = p
	return nil
}

func (s *Store) ReplaceCountries(_ context.Context, providerID string, rows []provider.Country) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]provider.Country, 0, len(rows))
	for _, c := range rows {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.ProviderID = providerID
		c.LastSyncAt = now
		out = append(out, c)
	}
	s.providerCountries[providerID] = out
	return nil
}

func (s *Store) ReplaceServices(_ context.Context, providerID string, rows []provider.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]provider.Service, 0, len(rows))
	for _, sv := range rows {
		if sv.ID == "" {
			sv.ID = uuid.NewString()
		}
		sv.ProviderID = providerID
		sv.LastSyncAt = now
		out = append(out, sv)
	}
	s.providerServices[providerID] = out
	return nil
}

func (s *Store) ListCountries(_ context.Context, providerID string) ([]provider.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]provider.Country(nil), s.providerCountries[providerID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) ListServices(_ context.Context, providerID string) ([]provider.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]provider.Service(nil), s.providerServices[providerID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// OfferStore implementation ---------------------------------------------------

func (s *Store) UpsertOffers(_ context.Context, rows []offer.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, o := range rows {
		if o.ID == "" {
			o.ID = o.DocumentID()
		}
		if o.LastSyncAt.IsZero() {
			o.LastSyncAt = now
		}
		s.offers[o.ID] = o
	}
	return nil
}

func (s *Store) GetOffer(_ context.Context, documentID string) (offer.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[documentID]
	if !ok {
		return offer.Offer{}, sql.ErrNoRows
	}
	return o, nil
}

func (s *Store) ListOffers(_ context.Context, f storage.OfferFilter) ([]offer.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []offer.Offer
	for _, o := range s.offers {
		if o.Deleted {
			continue
		}
		if f.Country != "" && o.CountryCode != f.Country {
			continue
		}
		if f.Service != "" && o.ServiceCode != f.Service {
			continue
		}
		if f.Provider != "" && o.ProviderSlug != f.Provider {
			continue
		}
		if f.InStock && o.Stock <= 0 {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SellPrice != out[j].SellPrice {
			return out[i].SellPrice < out[j].SellPrice
		}
		return out[i].ProviderSlug < out[j].ProviderSlug
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AdjustStock(_ context.Context, documentID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	o.Stock += delta
	if o.Stock < 0 {
		o.Stock = 0
	}
	s.offers[documentID] = o
	return nil
}

func (s *Store) PurgeStale(_ context.Context, providerID string, syncedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, o := range s.offers {
		if o.ProviderID == providerID && !o.Deleted && o.LastSyncAt.Before(syncedBefore) {
			o.Deleted = true
			s.offers[id] = o
			n++
		}
	}
	return n, nil
}

func (s *Store) ReplaceServiceAggregates(_ context.Context, rows []offer.ServiceAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serviceAggs = append([]offer.ServiceAggregate(nil), rows...)
	return nil
}

func (s *Store) ReplaceCountryAggregates(_ context.Context, rows []offer.CountryAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.countryAggs = append([]offer.CountryAggregate(nil), rows...)
	return nil
}

func (s *Store) RebuildAggregates(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	serviceMeta := make(map[string]provider.Service)
	for _, rows := range s.providerServices {
		for _, r := range rows {
			if cur, ok := serviceMeta[r.Code]; !ok || (cur.Name == "" && r.Name != "") {
				serviceMeta[r.Code] = r
			}
		}
	}
	countryMeta := make(map[string]provider.Country)
	for _, rows := range s.providerCountries {
		for _, r := range rows {
			if cur, ok := countryMeta[r.Code]; !ok || (cur.Name == "" && r.Name != "") {
				countryMeta[r.Code] = r
			}
		}
	}

	type pairKey struct{ service, country string }
	svcAggs := make(map[string]*offer.ServiceAggregate)
	svcCountries := make(map[string]map[string]bool)
	svcProviders := make(map[string]map[string]bool)
	ctryAggs := make(map[pairKey]*offer.CountryAggregate)
	ctryProviders := make(map[pairKey]map[string]bool)

	for _, o := range s.offers {
		if o.Deleted || o.Stock <= 0 {
			continue
		}
		a, ok := svcAggs[o.ServiceCode]
		if !ok {
			meta := serviceMeta[o.ServiceCode]
			name := meta.Name
			if name == "" {
				name = o.ServiceCode
			}
			a = &offer.ServiceAggregate{
				ServiceSlug:   o.ServiceCode,
				ServiceName:   name,
				IconURL:       meta.IconURL,
				LowestPrice:   o.SellPrice,
				LastUpdatedAt: now.UTC(),
			}
			svcAggs[o.ServiceCode] = a
			svcCountries[o.ServiceCode] = make(map[string]bool)
			svcProviders[o.ServiceCode] = make(map[string]bool)
		}
		if o.SellPrice < a.LowestPrice {
			a.LowestPrice = o.SellPrice
		}
		a.TotalStock += int64(o.Stock)
		svcCountries[o.ServiceCode][o.CountryCode] = true
		svcProviders[o.ServiceCode][o.ProviderID] = true

		k := pairKey{o.ServiceCode, o.CountryCode}
		c, ok := ctryAggs[k]
		if !ok {
			meta := countryMeta[o.CountryCode]
			name := meta.Name
			if name == "" {
				name = o.CountryCode
			}
			c = &offer.CountryAggregate{
				ServiceSlug:   o.ServiceCode,
				CountryCode:   o.CountryCode,
				CountryName:   name,
				FlagURL:       meta.FlagURL,
				LowestPrice:   o.SellPrice,
				LastUpdatedAt: now.UTC(),
			}
			ctryAggs[k] = c
			ctryProviders[k] = make(map[string]bool)
		}
		if o.SellPrice < c.LowestPrice {
			c.LowestPrice = o.SellPrice
		}
		c.TotalStock += int64(o.Stock)
		ctryProviders[k][o.ProviderID] = true
	}

	s.serviceAggs = s.serviceAggs[:0]
	for slug, a := range svcAggs {
		a.CountryCount = len(svcCountries[slug])
		a.ProviderCount = len(svcProviders[slug])
		s.serviceAggs = append(s.serviceAggs, *a)
	}
	sort.Slice(s.serviceAggs, func(i, j int) bool {
		return s.serviceAggs[i].ServiceSlug < s.serviceAggs[j].ServiceSlug
	})

	s.countryAggs = s.countryAggs[:0]
	for k, c := range ctryAggs {
		c.ProviderCount = len(ctryProviders[k])
		s.countryAggs = append(s.countryAggs, *c)
	}
	sort.Slice(s.countryAggs, func(i, j int) bool {
		if s.countryAggs[i].ServiceSlug != s.countryAggs[j].ServiceSlug {
			return s.countryAggs[i].ServiceSlug < s.countryAggs[j].ServiceSlug
		}
		return s.countryAggs[i].CountryCode < s.countryAggs[j].CountryCode
	})
	return nil
}

func (s *Store) ListServiceAggregates(_ context.Context, country string) ([]offer.ServiceAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if country == "" {
		out := append([]offer.ServiceAggregate(nil), s.serviceAggs...)
		sort.Slice(out, func(i, j int) bool { return out[i].TotalStock > out[j].TotalStock })
		return out, nil
	}
	names := make(map[string]offer.ServiceAggregate, len(s.serviceAggs))
	for _, a := range s.serviceAggs {
		names[a.ServiceSlug] = a
	}
	var out []offer.ServiceAggregate
	for _, ca := range s.countryAggs {
		if ca.CountryCode != country {
			continue
		}
		sa := names[ca.ServiceSlug]
		out = append(out, offer.ServiceAggregate{
			ServiceSlug:   ca.ServiceSlug,
			ServiceName:   sa.ServiceName,
			IconURL:       sa.IconURL,
			LowestPrice:   ca.LowestPrice,
			TotalStock:    ca.TotalStock,
			CountryCount:  1,
			ProviderCount: ca.ProviderCount,
			LastUpdatedAt: ca.LastUpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalStock > out[j].TotalStock })
	return out, nil
}

func (s *Store) ListCountryAggregates(_ context.Context, service string) ([]offer.CountryAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []offer.CountryAggregate
	for _, a := range s.countryAggs {
		if service != "" && a.ServiceSlug != service {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalStock > out[j].TotalStock })
	return out, nil
}

func (s *Store) CreateReservation(_ context.Context, r offer.Reservation) (offer.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Quantity <= 0 {
		r.Quantity = 1
	}
	o, ok := s.offers[r.OfferID]
	if !ok || o.Deleted || o.Stock < r.Quantity {
		return offer.Reservation{}, storage.ErrOutOfStock
	}
	o.Stock -= r.Quantity
	s.offers[r.OfferID] = o

	now := time.Now().UTC()
	r.State = offer.ReservationPending
	r.CreatedAt = now
	r.UpdatedAt = now
	s.reservations[r.ID] = r
	return r, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (offer.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return offer.Reservation{}, sql.ErrNoRows
	}
	return r, nil
}

func (s *Store) GetReservationByActivation(_ context.Context, activationID string) (offer.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found offer.Reservation
	var ok bool
	for _, r := range s.reservations {
		if r.ActivationID != activationID {
			continue
		}
		if !ok || r.CreatedAt.After(found.CreatedAt) {
			found = r
			ok = true
		}
	}
	if !ok {
		return offer.Reservation{}, sql.ErrNoRows
	}
	return found, nil
}

func (s *Store) UpdateReservationState(_ context.Context, id string, state offer.ReservationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return sql.ErrNoRows
	}
	if r.State != offer.ReservationPending {
		return fmt.Errorf("%w: reservation %s is %s", storage.ErrStateConflict, id, r.State)
	}
	r.State = state
	r.UpdatedAt = time.Now().UTC()
	s.reservations[id] = r

	if state == offer.ReservationCancelled || state == offer.ReservationExpired {
		if o, ok := s.offers[r.OfferID]; ok {
			o.Stock += r.Quantity
			s.offers[r.OfferID] = o
		}
	}
	return nil
}

func (s *Store) ExpireReservations(_ context.Context, now time.Time) ([]offer.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []offer.Reservation
	for id, r := range s.reservations {
		if r.State != offer.ReservationPending || r.ExpiresAt.After(now) {
			continue
		}
		r.State = offer.ReservationExpired
		r.UpdatedAt = now.UTC()
		s.reservations[id] = r
		if o, ok := s.offers[r.OfferID]; ok {
			o.Stock += r.Quantity
			s.offers[r.OfferID] = o
		}
		out = append(out, r)
	}
	return out, nil
}

// ActivationStore implementation ----------------------------------------------

func (s *Store) CreateActivation(_ context.Context, a activation.Activation) (activation.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.IdempotencyKey != "" {
		if id, ok := s.activationByKey[a.IdempotencyKey]; ok {
			return s.activations[id], nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.State == "" {
		a.State = activation.StateReserved
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.activations[a.ID] = a
	if a.IdempotencyKey != "" {
		s.activationByKey[a.IdempotencyKey] = a.ID
	}
	return a, nil
}

func (s *Store) GetActivation(_ context.Context, id string) (activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activations[id]
	if !ok {
		return activation.Activation{}, sql.ErrNoRows
	}
	return a, nil
}

func (s *Store) GetActivationByKey(_ context.Context, idempotencyKey string) (activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activationByKey[idempotencyKey]
	if !ok {
		return activation.Activation{}, sql.ErrNoRows
	}
	return s.activations[id], nil
}

func (s *Store) GetActivationByProviderRef(_ context.Context, providerID, providerActivationID string) (activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found activation.Activation
	var ok bool
	for _, a := range s.activations {
		if a.ProviderID != providerID || a.ProviderActivationID != providerActivationID {
			continue
		}
		if !ok || a.CreatedAt.After(found.CreatedAt) {
			found, ok = a, true
		}
	}
	if !ok {
		return activation.Activation{}, sql.ErrNoRows
	}
	return found, nil
}

func (s *Store) GetActivationForUser(_ context.Context, id, userID string) (activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activations[id]
	if !ok || a.UserID != userID {
		return activation.Activation{}, sql.ErrNoRows
	}
	return a, nil
}

func (s *Store) ListActivationsByUser(_ context.Context, userID string, limit, offset int) ([]activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []activation.Activation
	for _, a := range s.activations {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountActivationsByUser(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.activations {
		if a.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionActivation(_ context.Context, id string, from, to activation.State, at time.Time) error {
	if !activation.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", storage.ErrStateConflict, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return sql.ErrNoRows
	}
	if a.State != from {
		return fmt.Errorf("%w: activation %s is %s, expected %s", storage.ErrStateConflict, id, a.State, from)
	}
	a.State = to
	a.UpdatedAt = at.UTC()
	s.activations[id] = a
	return nil
}

func (s *Store) UpdateActivationProviderRef(_ context.Context, id, providerActivationID, phoneNumber, numberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.ProviderActivationID = providerActivationID
	a.PhoneNumber = phoneNumber
	a.NumberID = numberID
	a.UpdatedAt = time.Now().UTC()
	s.activations[id] = a
	return nil
}

func (s *Store) SetActivationCapturedTx(_ context.Context, id, capturedTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.CapturedTxID = capturedTxID
	a.UpdatedAt = time.Now().UTC()
	s.activations[id] = a
	return nil
}

func (s *Store) SetActivationRefundTx(_ context.Context, id, refundTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return sql.ErrNoRows
	}
	if a.RefundTxID != "" {
		return fmt.Errorf("%w: activation %s already refunded by tx %s", storage.ErrStateConflict, id, a.RefundTxID)
	}
	a.RefundTxID = refundTxID
	a.UpdatedAt = time.Now().UTC()
	s.activations[id] = a
	return nil
}

func (s *Store) ListUnsettled(_ context.Context, olderThan time.Time, limit int) ([]activation.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []activation.Activation
	for _, a := range s.activations {
		if activation.IsRefundable(a.State) && a.RefundTxID == "" && a.UpdatedAt.Before(olderThan) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NumberStore implementation --------------------------------------------------

func (s *Store) CreateNumber(_ context.Context, n number.Number) (number.Number, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = number.StatusActive
	}
	now := time.Now().UTC()
	if n.NextPollAt.IsZero() {
		n.NextPollAt = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	s.numbers[n.ID] = n
	return n, nil
}

func (s *Store) GetNumber(_ context.Context, id string) (number.Number, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.numbers[id]
	if !ok {
		return number.Number{}, sql.ErrNoRows
	}
	return n, nil
}

func (s *Store) GetNumberForUser(_ context.Context, id, userID string) (number.Number, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.numbers[id]
	if !ok || n.UserID != userID {
		return number.Number{}, sql.ErrNoRows
	}
	return n, nil
}

func (s *Store) ListNumbersByUser(_ context.Context, userID string, activeOnly bool, limit, offset int) ([]number.Number, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []number.Number
	for _, n := range s.numbers {
		if n.UserID != userID {
			continue
		}
		if activeOnly && n.Status != number.StatusActive && n.Status != number.StatusReceived {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountNumbersByUser(_ context.Context, userID string, activeOnly bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, num := range s.numbers {
		if num.UserID != userID {
			continue
		}
		if activeOnly && num.Status != number.StatusActive && num.Status != number.StatusReceived {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) DuePollNumbers(_ context.Context, now time.Time, limit int) ([]number.Number, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	horizon := now.Add(30 * time.Second)
	var out []number.Number
	for _, n := range s.numbers {
		if n.Status != number.StatusActive && n.Status != number.StatusReceived {
			continue
		}
		if n.ErrorCount >= 5 || n.NextPollAt.After(now) || !n.ExpiresAt.After(horizon) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Status == number.StatusReceived, out[j].Status == number.StatusReceived
		if ri != rj {
			return ri
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordPoll(_ context.Context, id string, status number.Status, pollErr string, nextPollAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[id]
	if !ok {
		return sql.ErrNoRows
	}
	if n.Status != number.StatusActive && n.Status != number.StatusReceived {
		// Settled concurrently; drop the late poll write.
		return sql.ErrNoRows
	}
	now := time.Now().UTC()
	n.PollCount++
	n.LastPolledAt = &now
	n.NextPollAt = nextPollAt.UTC()
	n.UpdatedAt = now
	if pollErr == "" {
		n.Status = status
		n.ErrorCount = 0
	} else {
		n.ErrorCount++
	}
	s.numbers[id] = n
	return nil
}

func (s *Store) TransitionNumber(_ context.Context, id string, from, to number.Status, at time.Time) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: number %s is already %s", storage.ErrStateConflict, id, from)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[id]
	if !ok {
		return sql.ErrNoRows
	}
	if n.Status != from {
		return fmt.Errorf("%w: number %s is %s, expected %s", storage.ErrStateConflict, id, n.Status, from)
	}
	n.Status = to
	n.UpdatedAt = at.UTC()
	s.numbers[id] = n
	return nil
}

func (s *Store) MarkReceived(_ context.Context, numberID, activationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[numberID]
	if !ok {
		return sql.ErrNoRows
	}
	a, aok := s.activations[activationID]
	if !aok {
		return sql.ErrNoRows
	}
	if n.Status != number.StatusActive {
		return fmt.Errorf("%w: number %s is not active", storage.ErrStateConflict, numberID)
	}
	if a.State != activation.StateActive {
		return fmt.Errorf("%w: activation %s is not active", storage.ErrStateConflict, activationID)
	}
	n.Status = number.StatusReceived
	n.UpdatedAt = at.UTC()
	s.numbers[numberID] = n
	a.State = activation.StateReceived
	a.UpdatedAt = at.UTC()
	s.activations[activationID] = a
	return nil
}

func (s *Store) InsertMessages(_ context.Context, rows []number.SmsMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range rows {
		if s.messageIDs[m.ID] {
			continue
		}
		if m.ReceivedAt.IsZero() {
			m.ReceivedAt = now
		}
		m.CreatedAt = now
		s.messageIDs[m.ID] = true
		s.messages[m.NumberID] = append(s.messages[m.NumberID], m)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListMessages(_ context.Context, numberID string) ([]number.SmsMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]number.SmsMessage(nil), s.messages[numberID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, rows []number.PollAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, a := range rows {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		s.audits[a.NumberID] = append(s.audits[a.NumberID], a)
	}
	return nil
}

func (s *Store) ListAudit(_ context.Context, numberID string, limit int) ([]number.PollAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := append([]number.PollAudit(nil), s.audits[numberID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OutboxStore implementation --------------------------------------------------

func (s *Store) InsertEvent(_ context.Context, e outbox.Event) (outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextEventID
	s.nextEventID++
	e.Processed = false
	e.CreatedAt = time.Now().UTC()
	s.events = append(s.events, e)
	return e, nil
}

func (s *Store) ClaimPending(_ context.Context, limit int) ([]outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []outbox.Event
	for _, e := range s.events {
		if e.Processed || e.RetryCount >= outbox.MaxRetries {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id {
			now := time.Now().UTC()
			s.events[i].Processed = true
			s.events[i].ProcessedAt = &now
			s.events[i].Error = ""
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *Store) MarkFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].RetryCount++
			s.events[i].Error = reason
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *Store) PurgeProcessed(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []outbox.Event
	var purged int64
	for _, e := range s.events {
		if e.Processed && e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return purged, nil
}

func (s *Store) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if !e.Processed && e.RetryCount < outbox.MaxRetries {
			n++
		}
	}
	return n, nil
}

// AgeProcessedEvent backdates a processed event's timestamp so retention
// tests can cross the purge cutoff without waiting.
func (s *Store) AgeProcessedEvent(id int64, processedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id && s.events[i].Processed {
			t := processedAt.UTC()
			s.events[i].ProcessedAt = &t
		}
	}
}

func (s *Store) CountDeadLettered(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if !e.Processed && e.RetryCount >= outbox.MaxRetries {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestPendingAge(_ context.Context, now time.Time) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	for _, e := range s.events {
		if e.Processed || e.RetryCount >= outbox.MaxRetries {
			continue
		}
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	age := now.Sub(oldest)
	if age < 0 {
		age = 0
	}
	return age, nil
}

func (s *Store) RecordWebhookEvent(_ context.Context, e outbox.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.webhookKeys[e.IdempotencyKey] {
		return false, nil
	}
	s.webhookKeys[e.IdempotencyKey] = true
	return true, nil
}

func (s *Store) EnqueueNotification(_ context.Context, n outbox.Notification) (outbox.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if n.NextAttempt.IsZero() {
		n.NextAttempt = now
	}
	n.CreatedAt = now
	s.notifications[n.ID] = n
	return n, nil
}

func (s *Store) DueNotifications(_ context.Context, now time.Time, limit int) ([]outbox.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []outbox.Notification
	for _, n := range s.notifications {
		if n.DeliveredAt == nil && n.AttemptCount < outbox.MaxDeliveryAttempts && !n.NextAttempt.After(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now().UTC()
	n.DeliveredAt = &now
	n.LastError = ""
	s.notifications[id] = n
	return nil
}

func (s *Store) RescheduleNotification(_ context.Context, id string, attempt int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return sql.ErrNoRows
	}
	n.AttemptCount = attempt
	n.NextAttempt = nextAttempt.UTC()
	n.LastError = lastError
	s.notifications[id] = n
	return nil
}

func (s *Store) CreateWebhookEndpoint(_ context.Context, e outbox.WebhookEndpoint) (outbox.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.Active = true
	e.CreatedAt = now
	e.UpdatedAt = now
	e.EventTypes = append([]string(nil), e.EventTypes...)
	s.endpoints[e.ID] = e
	return e, nil
}

func (s *Store) ListWebhookEndpoints(_ context.Context, userID string, activeOnly bool) ([]outbox.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []outbox.WebhookEndpoint
	for _, e := range s.endpoints {
		if e.UserID != userID {
			continue
		}
		if activeOnly && !e.Active {
			continue
		}
		e.EventTypes = append([]string(nil), e.EventTypes...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteWebhookEndpoint(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[id]
	if !ok || e.UserID != userID {
		return sql.ErrNoRows
	}
	e.Active = false
	e.UpdatedAt = time.Now().UTC()
	s.endpoints[id] = e
	return nil
}

// QueueStore implementation ---------------------------------------------------

func (s *Store) EnqueueJob(_ context.Context, j queue.Job) (queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	if j.Priority == 0 {
		j.Priority = 100
	}
	if j.DedupKey != "" {
		for _, existing := range s.jobs {
			if existing.Queue == j.Queue && existing.DedupKey == j.DedupKey &&
				(existing.Status == queue.StatusPending || existing.Status == queue.StatusRunning) {
				return existing, nil
			}
		}
	}
	now := time.Now().UTC()
	j.ID = s.nextJobID
	s.nextJobID++
	j.Status = queue.StatusPending
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) ClaimJobs(_ context.Context, queueName, workerID string, limit int, now time.Time) ([]queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var due []queue.Job
	for _, j := range s.jobs {
		if j.Queue == queueName && j.Status == queue.StatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].RunAt.Before(due[j].RunAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	lockedAt := now.UTC()
	for i := range due {
		j := s.jobs[due[i].ID]
		j.Status = queue.StatusRunning
		j.LockedBy = workerID
		j.LockedAt = &lockedAt
		j.Attempts++
		j.UpdatedAt = lockedAt
		s.jobs[j.ID] = j
		due[i] = j
	}
	return due, nil
}

func (s *Store) CompleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	j.Status = queue.StatusCompleted
	j.LockedBy = ""
	j.LockedAt = nil
	j.LastError = ""
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *Store) FailJob(_ context.Context, id int64, reason string, retryAt time.Time) (queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return queue.Job{}, sql.ErrNoRows
	}
	if j.Attempts >= j.MaxAttempts {
		j.Status = queue.StatusDead
	} else {
		j.Status = queue.StatusPending
		j.RunAt = retryAt.UTC()
	}
	j.LastError = reason
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return j, nil
}

func (s *Store) ReleaseStuckJobs(_ context.Context, lockedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status == queue.StatusRunning && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			j.Status = queue.StatusPending
			j.LockedBy = ""
			j.LockedAt = nil
			j.UpdatedAt = time.Now().UTC()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeJobs(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if (j.Status == queue.StatusCompleted || j.Status == queue.StatusDead) && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountJobs(_ context.Context, queueName string) (map[queue.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[queue.Status]int64)
	for _, j := range s.jobs {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		out[j.Status]++
	}
	return out, nil
}
