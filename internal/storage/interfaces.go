// Package storage defines the persistence interfaces of the platform.
// PostgreSQL implements them for production, the memory package for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/domain/wallet"
	"github.com/numhive/platform/internal/money"
)

// Sentinel errors shared by every implementation. Services translate them
// into the public taxonomy; stores return them raw.
var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrReservationShort  = errors.New("reserved amount below requested release")
	ErrStateConflict     = errors.New("state changed concurrently")
	ErrOutOfStock        = errors.New("offer stock exhausted")
)

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// LedgerOp is one wallet mutation request. Amount is in cents, always
// positive; the store applies the sign for the op. Every op is idempotent
// on IdempotencyKey: replays return the recorded transaction unchanged.
type LedgerOp struct {
	UserID         string
	Amount         int64
	Type           wallet.TransactionType
	IdempotencyKey string
	ActivationID   string
	Description    string
}

// WalletStore persists wallets and their append-only ledger. Implementations
// apply each op atomically: the balance update, the reserved update and the
// ledger row commit or roll back together.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (wallet.Wallet, error)
	CreateWallet(ctx context.Context, userID string) (wallet.Wallet, error)

	// Credit adds funds (top-ups, refunds, manual adjustments).
	Credit(ctx context.Context, op LedgerOp) (wallet.Transaction, error)
	// Reserve moves available funds into the reserved bucket and writes
	// the negative-amount hold row.
	Reserve(ctx context.Context, op LedgerOp) (wallet.Transaction, error)
	// Commit releases a reservation as spent and writes the zero-amount
	// capture marker row.
	Commit(ctx context.Context, op LedgerOp) (wallet.Transaction, error)
	// Rollback releases a reservation back to the available balance.
	Rollback(ctx context.Context, op LedgerOp) (wallet.Transaction, error)

	GetTransactionByKey(ctx context.Context, idempotencyKey string) (wallet.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]wallet.Transaction, error)
	CountTransactions(ctx context.Context, userID string) (int64, error)
	// SumByActivation totals ledger amounts (cents) per type for one
	// activation, for reconciliation checks.
	SumByActivation(ctx context.Context, activationID string) (map[wallet.TransactionType]int64, error)
}

// ProviderStore persists provider configurations and their catalogues.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p provider.Provider) (provider.Provider, error)
	UpdateProvider(ctx context.Context, p provider.Provider) (provider.Provider, error)
	GetProvider(ctx context.Context, id string) (provider.Provider, error)
	GetProviderBySlug(ctx context.Context, slug string) (provider.Provider, error)
	ListProviders(ctx context.Context, includeInactive bool) ([]provider.Provider, error)
	SoftDeleteProvider(ctx context.Context, id string) error
	// UpdateProviderSync records the outcome of a catalogue sync pass.
	UpdateProviderSync(ctx context.Context, id string, status provider.SyncStatus, syncErr string, at time.Time) error
	UpdateProviderBalance(ctx context.Context, id string, balance money.Amount, at time.Time) error
	UpdateProviderMetadataSync(ctx context.Context, id string, at time.Time) error

	ReplaceCountries(ctx context.Context, providerID string, rows []provider.Country) error
	ReplaceServices(ctx context.Context, providerID string, rows []provider.Service) error
	ListCountries(ctx context.Context, providerID string) ([]provider.Country, error)
	ListServices(ctx context.Context, providerID string) ([]provider.Service, error)
}

// OfferFilter narrows offer listings.
type OfferFilter struct {
	Country  string
	Service  string
	Provider string
	// InStock keeps only offers with a positive count.
	InStock bool
	Limit   int
	Offset  int
}

// OfferStore persists sellable offers and their aggregates.
type OfferStore interface {
	// UpsertOffers writes one chunk of synced offers keyed by document ID.
	UpsertOffers(ctx context.Context, rows []offer.Offer) error
	GetOffer(ctx context.Context, documentID string) (offer.Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]offer.Offer, error)
	// AdjustStock decrements the live count after a sale; negative deltas
	// floor at zero.
	AdjustStock(ctx context.Context, documentID string, delta int) error
	// PurgeStale removes offers a provider stopped reporting.
	PurgeStale(ctx context.Context, providerID string, syncedBefore time.Time) (int64, error)

	ReplaceServiceAggregates(ctx context.Context, rows []offer.ServiceAggregate) error
	ReplaceCountryAggregates(ctx context.Context, rows []offer.CountryAggregate) error
	// RebuildAggregates recomputes both rollups from non-deleted,
	// in-stock offers in one pass.
	RebuildAggregates(ctx context.Context, now time.Time) error
	ListServiceAggregates(ctx context.Context, country string) ([]offer.ServiceAggregate, error)
	ListCountryAggregates(ctx context.Context, service string) ([]offer.CountryAggregate, error)

	CreateReservation(ctx context.Context, r offer.Reservation) (offer.Reservation, error)
	GetReservation(ctx context.Context, id string) (offer.Reservation, error)
	GetReservationByActivation(ctx context.Context, activationID string) (offer.Reservation, error)
	UpdateReservationState(ctx context.Context, id string, state offer.ReservationState) error
	// ExpireReservations transitions pending reservations past their
	// deadline and returns them for stock release.
	ExpireReservations(ctx context.Context, now time.Time) ([]offer.Reservation, error)
}

// ActivationStore persists purchase activations.
type ActivationStore interface {
	// CreateActivation inserts the row; on an idempotency-key replay the
	// previously stored activation is returned instead.
	CreateActivation(ctx context.Context, a activation.Activation) (activation.Activation, error)
	GetActivation(ctx context.Context, id string) (activation.Activation, error)
	GetActivationByKey(ctx context.Context, idempotencyKey string) (activation.Activation, error)
	// GetActivationByProviderRef resolves the activation a provider webhook
	// refers to by its upstream activation id.
	GetActivationByProviderRef(ctx context.Context, providerID, providerActivationID string) (activation.Activation, error)
	GetActivationForUser(ctx context.Context, id, userID string) (activation.Activation, error)
	ListActivationsByUser(ctx context.Context, userID string, limit, offset int) ([]activation.Activation, error)
	CountActivationsByUser(ctx context.Context, userID string) (int64, error)
	// TransitionActivation moves id from one state to another, failing when
	// the stored state no longer matches from.
	TransitionActivation(ctx context.Context, id string, from, to activation.State, at time.Time) error
	UpdateActivationProviderRef(ctx context.Context, id, providerActivationID, phoneNumber, numberID string) error
	SetActivationCapturedTx(ctx context.Context, id, capturedTxID string) error
	// SetActivationRefundTx records the refund exactly once; a second call
	// for the same activation fails with ErrStateConflict.
	SetActivationRefundTx(ctx context.Context, id, refundTxID string) error
	// ListUnsettled returns activations in refundable states with no
	// refund recorded, for the reconciliation sweep.
	ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]activation.Activation, error)
}

// NumberStore persists rented numbers, their inbox and the poll schedule.
type NumberStore interface {
	CreateNumber(ctx context.Context, n number.Number) (number.Number, error)
	GetNumber(ctx context.Context, id string) (number.Number, error)
	GetNumberForUser(ctx context.Context, id, userID string) (number.Number, error)
	ListNumbersByUser(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]number.Number, error)
	CountNumbersByUser(ctx context.Context, userID string, activeOnly bool) (int64, error)
	// DuePollNumbers selects pollable numbers whose next poll is due,
	// skipping stalled and nearly-expired ones. Received numbers sort
	// ahead of active, then oldest first.
	DuePollNumbers(ctx context.Context, now time.Time, limit int) ([]number.Number, error)
	// RecordPoll persists one poll outcome: status, error and poll counters
	// plus the next schedule slot.
	RecordPoll(ctx context.Context, id string, status number.Status, pollErr string, nextPollAt time.Time) error
	TransitionNumber(ctx context.Context, id string, from, to number.Status, at time.Time) error
	// MarkReceived moves the number and its activation to their received
	// states in one transaction.
	MarkReceived(ctx context.Context, numberID, activationID string, at time.Time) error

	// InsertMessages appends inbox messages, silently skipping duplicates
	// on the composite message ID.
	InsertMessages(ctx context.Context, rows []number.SmsMessage) (int, error)
	ListMessages(ctx context.Context, numberID string) ([]number.SmsMessage, error)

	AppendAudit(ctx context.Context, rows []number.PollAudit) error
	ListAudit(ctx context.Context, numberID string, limit int) ([]number.PollAudit, error)
}

// OutboxStore persists the transactional outbox and webhook deliveries.
type OutboxStore interface {
	// InsertEvent appends an outbox event; callers inside a database
	// transaction use their store's tx-scoped variant.
	InsertEvent(ctx context.Context, e outbox.Event) (outbox.Event, error)
	// ClaimPending locks up to limit unprocessed events for this worker.
	ClaimPending(ctx context.Context, limit int) ([]outbox.Event, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error)
	CountPending(ctx context.Context) (int64, error)
	// CountDeadLettered counts unprocessed events past the retry budget.
	CountDeadLettered(ctx context.Context) (int64, error)
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error)

	RecordWebhookEvent(ctx context.Context, e outbox.WebhookEvent) (bool, error)

	EnqueueNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error)
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]outbox.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string) error
	RescheduleNotification(ctx context.Context, id string, attempt int, nextAttempt time.Time, lastError string) error

	CreateWebhookEndpoint(ctx context.Context, e outbox.WebhookEndpoint) (outbox.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, userID string, activeOnly bool) ([]outbox.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id, userID string) error
}

// QueueStore persists the durable job queue.
type QueueStore interface {
	// EnqueueJob appends a job. When DedupKey is set and a live job with
	// the same key exists, the existing job is returned unchanged.
	EnqueueJob(ctx context.Context, j queue.Job) (queue.Job, error)
	// ClaimJobs locks up to limit runnable jobs for workerID, skipping
	// rows other workers hold.
	ClaimJobs(ctx context.Context, queueName, workerID string, limit int, now time.Time) ([]queue.Job, error)
	CompleteJob(ctx context.Context, id int64) error
	// FailJob retries the job at retryAt, or marks it dead once the
	// attempt budget is spent. The updated row is returned.
	FailJob(ctx context.Context, id int64, reason string, retryAt time.Time) (queue.Job, error)
	// ReleaseStuckJobs returns jobs abandoned by dead workers to pending.
	ReleaseStuckJobs(ctx context.Context, lockedBefore time.Time) (int64, error)
	PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error)
	CountJobs(ctx context.Context, queueName string) (map[queue.Status]int64, error)
}
