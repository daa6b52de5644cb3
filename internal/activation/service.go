// Package activation orchestrates the purchase lifecycle: fund holds,
// upstream number acquisition, state transitions, refunds and the
// reconciliation sweep.
package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/internal/wallet"
	"github.com/numhive/platform/pkg/logger"
)

const (
	// defaultTTL is the purchase window before an unused number expires.
	defaultTTL = 20 * time.Minute

	// firstPollDelay schedules the first status poll after activation.
	firstPollDelay = 3 * time.Second
)

// NumberVendor is the slice of a provider adapter the purchase and cancel
// paths use.
type NumberVendor interface {
	GetNumber(ctx context.Context, country, service, operator string) (*engine.NumberOrder, error)
	CancelNumber(ctx context.Context, activationID string) error
}

// VendorSource resolves the adapter serving a provider.
type VendorSource interface {
	Vendor(ctx context.Context, providerID string) (NumberVendor, error)
}

// Publisher fans live events out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Deps wires the collaborating stores and services.
type Deps struct {
	Activations storage.ActivationStore
	Offers      storage.OfferStore
	Numbers     storage.NumberStore
	Providers   storage.ProviderStore
	Outbox      storage.OutboxStore
	Funds       *wallet.Service
	Vendors     VendorSource
	// Publisher may be nil; fan-out is then skipped.
	Publisher Publisher
	// TTL overrides the default purchase window.
	TTL time.Duration
}

// Service owns every activation state change. All transitions go through
// the state graph; terminal states never regress.
type Service struct {
	activations storage.ActivationStore
	offers      storage.OfferStore
	numbers     storage.NumberStore
	providers   storage.ProviderStore
	outbox      storage.OutboxStore
	funds       *wallet.Service
	vendors     VendorSource
	publisher   Publisher
	ttl         time.Duration
	log         *logger.Logger
}

// New creates the activation service.
func New(d Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("activation")
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		activations: d.Activations,
		offers:      d.Offers,
		numbers:     d.Numbers,
		providers:   d.Providers,
		outbox:      d.Outbox,
		funds:       d.Funds,
		vendors:     d.Vendors,
		publisher:   d.Publisher,
		ttl:         ttl,
		log:         log,
	}
}

// PurchaseRequest asks for one number matching (country, service) with an
// optional operator or provider pin.
type PurchaseRequest struct {
	UserID         string
	CountryCode    string
	ServiceCode    string
	OperatorID     string
	ProviderSlug   string
	IdempotencyKey string
}

// PurchaseResult is the purchase response.
type PurchaseResult struct {
	Activation activation.Activation
	Number     number.Number
}

// Purchase reserves funds, rents a number upstream and activates it. The
// whole operation is idempotent on the request key: a replay returns the
// stored outcome without touching the ledger or the stock again.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	req.CountryCode = strings.ToLower(strings.TrimSpace(req.CountryCode))
	req.ServiceCode = strings.ToLower(strings.TrimSpace(req.ServiceCode))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.UserID == "" {
		return PurchaseResult{}, errors.MissingField("userId")
	}
	if req.CountryCode == "" {
		return PurchaseResult{}, errors.MissingField("countryCode")
	}
	if req.ServiceCode == "" {
		return PurchaseResult{}, errors.MissingField("serviceCode")
	}
	if req.IdempotencyKey == "" {
		return PurchaseResult{}, errors.MissingField("idempotencyKey")
	}

	if prev, err := s.activations.GetActivationByKey(ctx, req.IdempotencyKey); err == nil {
		return s.resultFor(ctx, prev)
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		return PurchaseResult{}, errors.Database(err)
	}

	chosen, err := s.pickOffer(ctx, req)
	if err != nil {
		return PurchaseResult{}, err
	}
	price := chosen.SellPrice
	now := time.Now().UTC()
	actID := uuid.NewString()
	expiresAt := now.Add(s.ttl)

	reserveTx, err := s.funds.Reserve(ctx, req.UserID, actID, price, req.IdempotencyKey+":reserve")
	if err != nil {
		return PurchaseResult{}, err
	}

	act, err := s.activations.CreateActivation(ctx, activation.Activation{
		ID:             actID,
		UserID:         req.UserID,
		ProviderID:     chosen.ProviderID,
		Price:          price,
		IdempotencyKey: req.IdempotencyKey,
		State:          activation.StateReserved,
		ReservedTxID:   reserveTx.ID,
		ServiceCode:    chosen.ServiceCode,
		CountryCode:    chosen.CountryCode,
		OperatorID:     chosen.OperatorID,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		_, _ = s.funds.Rollback(ctx, req.UserID, actID, price, req.IdempotencyKey+":release", "activation write failed")
		return PurchaseResult{}, errors.Database(err)
	}
	if act.ID != actID {
		// Lost a create race on the same key; the stored purchase wins.
		return s.resultFor(ctx, act)
	}

	hold, err := s.offers.CreateReservation(ctx, offer.Reservation{
		OfferID:      chosen.ID,
		UserID:       req.UserID,
		ActivationID: actID,
		Quantity:     1,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		s.failPurchase(ctx, act, "", "stock hold failed: "+err.Error())
		if stderrors.Is(err, storage.ErrOutOfStock) {
			return PurchaseResult{}, errors.OutOfStock()
		}
		return PurchaseResult{}, errors.Database(err)
	}

	vendor, err := s.vendors.Vendor(ctx, chosen.ProviderID)
	if err != nil {
		s.failPurchase(ctx, act, hold.ID, "no adapter for provider")
		return PurchaseResult{}, err
	}
	order, err := vendor.GetNumber(ctx, chosen.CountryCode, chosen.ServiceCode, chosen.OperatorID)
	if err != nil {
		s.failPurchase(ctx, act, hold.ID, "provider getNumber failed")
		return PurchaseResult{}, err
	}

	captureTx, err := s.funds.Commit(ctx, req.UserID, actID, price, req.IdempotencyKey+":capture")
	if err != nil {
		if cancelErr := vendor.CancelNumber(ctx, order.ActivationID); cancelErr != nil {
			s.log.WithError(cancelErr).WithField("activation_id", actID).Warn("upstream cancel after capture failure")
		}
		s.failPurchase(ctx, act, hold.ID, "capture failed")
		return PurchaseResult{}, err
	}
	if err := s.activations.SetActivationCapturedTx(ctx, actID, captureTx.ID); err != nil {
		s.log.WithError(err).WithField("activation_id", actID).Error("record captured tx")
	}
	if err := s.activations.TransitionActivation(ctx, actID, activation.StateReserved, activation.StateActive, now); err != nil {
		return PurchaseResult{}, errors.Database(err)
	}

	numberID := uuid.NewString()
	num, err := s.numbers.CreateNumber(ctx, number.Number{
		ID:           numberID,
		UserID:       req.UserID,
		ActivationID: actID,
		ProviderID:   chosen.ProviderID,
		ProviderSlug: chosen.ProviderSlug,
		PhoneNumber:  order.PhoneNumber,
		ServiceCode:  chosen.ServiceCode,
		CountryCode:  chosen.CountryCode,
		Status:       number.StatusActive,
		ExpiresAt:    expiresAt,
		NextPollAt:   now.Add(firstPollDelay),
	})
	if err != nil {
		return PurchaseResult{}, errors.Database(err)
	}
	if err := s.activations.UpdateActivationProviderRef(ctx, actID, order.ActivationID, order.PhoneNumber, numberID); err != nil {
		s.log.WithError(err).WithField("activation_id", actID).Error("record provider ref")
	}

	s.emitOfferUpdated(ctx, chosen, -1)
	s.auditNumber(ctx, numberID, "purchase", string(number.StatusActive), "activated via "+chosen.ProviderSlug)
	s.publishActivation(ctx, req.UserID, actID, activation.StateActive)
	s.publishWallet(ctx, req.UserID)

	act, err = s.activations.GetActivation(ctx, actID)
	if err != nil {
		return PurchaseResult{}, errors.Database(err)
	}
	s.log.WithFields(map[string]interface{}{
		"activation_id": actID,
		"provider":      chosen.ProviderSlug,
		"country":       chosen.CountryCode,
		"service":       chosen.ServiceCode,
		"price":         price,
	}).Info("number purchased")
	return PurchaseResult{Activation: act, Number: num}, nil
}

// pickOffer selects the cheapest in-stock offer from active providers,
// breaking price ties by provider priority then stock.
func (s *Service) pickOffer(ctx context.Context, req PurchaseRequest) (offer.Offer, error) {
	rows, err := s.offers.ListOffers(ctx, storage.OfferFilter{
		Country:  req.CountryCode,
		Service:  req.ServiceCode,
		Provider: req.ProviderSlug,
		InStock:  true,
		Limit:    100,
	})
	if err != nil {
		return offer.Offer{}, errors.Database(err)
	}

	providers, err := s.providers.ListProviders(ctx, false)
	if err != nil {
		return offer.Offer{}, errors.Database(err)
	}
	priority := make(map[string]int, len(providers))
	for _, p := range providers {
		priority[p.ID] = p.Priority
	}

	candidates := rows[:0]
	for _, o := range rows {
		if _, active := priority[o.ProviderID]; !active {
			continue
		}
		if req.OperatorID != "" && o.OperatorID != req.OperatorID {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return offer.Offer{}, errors.OutOfStock()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SellPrice != candidates[j].SellPrice {
			return candidates[i].SellPrice < candidates[j].SellPrice
		}
		if priority[candidates[i].ProviderID] != priority[candidates[j].ProviderID] {
			return priority[candidates[i].ProviderID] < priority[candidates[j].ProviderID]
		}
		return candidates[i].Stock > candidates[j].Stock
	})
	return candidates[0], nil
}

// failPurchase unwinds a purchase that never reached ACTIVE: release the
// fund hold, record it as the refund and settle the activation.
func (s *Service) failPurchase(ctx context.Context, act activation.Activation, reservationID, cause string) {
	now := time.Now().UTC()
	if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateReserved, activation.StateFailed, now); err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Error("mark purchase failed")
		return
	}
	rbTx, err := s.funds.Rollback(ctx, act.UserID, act.ID, act.Price, act.IdempotencyKey+":release", cause)
	if err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Error("release hold; reconcile will retry")
		return
	}
	if err := s.activations.SetActivationRefundTx(ctx, act.ID, rbTx.ID); err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Warn("record release tx")
	}
	if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateFailed, activation.StateRefunded, now); err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Warn("settle failed purchase")
	}
	if reservationID != "" {
		if err := s.offers.UpdateReservationState(ctx, reservationID, offer.ReservationCancelled); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
			s.log.WithError(err).WithField("reservation_id", reservationID).Warn("release stock hold")
		}
	}
	s.publishActivation(ctx, act.UserID, act.ID, activation.StateRefunded)
}

// Cancel voids an active number on user request and refunds the captured
// amount in full.
func (s *Service) Cancel(ctx context.Context, userID, numberID string) (int64, error) {
	num, err := s.numbers.GetNumberForUser(ctx, numberID, userID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.NotFound("number")
	}
	if err != nil {
		return 0, errors.Database(err)
	}
	act, err := s.activations.GetActivation(ctx, num.ActivationID)
	if err != nil {
		return 0, errors.Database(err)
	}
	if act.State != activation.StateActive {
		return 0, errors.NotRefundable(string(act.State))
	}

	if vendor, err := s.vendors.Vendor(ctx, act.ProviderID); err == nil {
		if err := vendor.CancelNumber(ctx, act.ProviderActivationID); err != nil {
			s.log.WithError(err).WithField("activation_id", act.ID).Warn("upstream cancel failed; cancelling locally")
		}
	}

	now := time.Now().UTC()
	if err := s.numbers.TransitionNumber(ctx, num.ID, num.Status, number.StatusCancelled, now); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
		return 0, errors.Database(err)
	}
	if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateActive, activation.StateCancelled, now); err != nil {
		if stderrors.Is(err, storage.ErrStateConflict) {
			return 0, errors.NotRefundable(string(act.State))
		}
		return 0, errors.Database(err)
	}

	refund, err := s.settleRefund(ctx, act, "cancelled by user", activation.StateCancelled)
	if err != nil {
		return 0, err
	}
	s.releaseHold(ctx, act.ID)
	s.auditNumber(ctx, num.ID, "cancel", string(number.StatusCancelled), "user cancel")
	s.publishNumber(ctx, userID, num.ID, number.StatusCancelled)
	s.publishWallet(ctx, userID)
	return refund, nil
}

// Complete finalizes a number whose message arrived. Funds stay captured.
func (s *Service) Complete(ctx context.Context, userID, numberID string) (number.Number, error) {
	num, err := s.numbers.GetNumberForUser(ctx, numberID, userID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return number.Number{}, errors.NotFound("number")
	}
	if err != nil {
		return number.Number{}, errors.Database(err)
	}
	if num.Status == number.StatusCompleted {
		return num, nil
	}
	if num.Status != number.StatusReceived {
		return number.Number{}, errors.Validation("number has no received message to finalize").WithStatus(409)
	}

	now := time.Now().UTC()
	if err := s.numbers.TransitionNumber(ctx, num.ID, number.StatusReceived, number.StatusCompleted, now); err != nil {
		return number.Number{}, errors.Database(err)
	}
	act, err := s.activations.GetActivation(ctx, num.ActivationID)
	if err == nil && act.State == activation.StateReceived {
		if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateReceived, activation.StateCompleted, now); err != nil {
			s.log.WithError(err).WithField("activation_id", act.ID).Warn("finalize activation")
		}
	}
	s.confirmHold(ctx, num.ActivationID)
	s.auditNumber(ctx, num.ID, "complete", string(number.StatusCompleted), "finalized by user")
	s.publishNumber(ctx, userID, num.ID, number.StatusCompleted)

	num, err = s.numbers.GetNumber(ctx, num.ID)
	if err != nil {
		return number.Number{}, errors.Database(err)
	}
	return num, nil
}

// CleanupExpired settles every stock hold past its deadline: the hold is
// expired, stock restored, and unused activations refunded. Returns how
// many holds were settled.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.offers.ExpireReservations(ctx, time.Now().UTC())
	if err != nil {
		return 0, errors.Database(err)
	}
	for _, hold := range expired {
		s.settleExpiredHold(ctx, hold)
	}
	return len(expired), nil
}

func (s *Service) settleExpiredHold(ctx context.Context, hold offer.Reservation) {
	act, err := s.activations.GetActivation(ctx, hold.ActivationID)
	if err != nil {
		s.log.WithError(err).WithField("reservation_id", hold.ID).Warn("expired hold without activation")
		return
	}
	now := time.Now().UTC()

	switch act.State {
	case activation.StateActive:
		if act.NumberID != "" {
			if err := s.numbers.TransitionNumber(ctx, act.NumberID, number.StatusActive, number.StatusExpired, now); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
				s.log.WithError(err).WithField("number_id", act.NumberID).Warn("expire number")
			}
		}
		if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateActive, activation.StateExpired, now); err != nil {
			s.log.WithError(err).WithField("activation_id", act.ID).Warn("expire activation")
			return
		}
		if _, err := s.settleRefund(ctx, act, "expired with no message", activation.StateExpired); err != nil {
			s.log.WithError(err).WithField("activation_id", act.ID).Error("refund expired activation")
		}
		// Upstream may still hold the number; the cancel runs async so a
		// provider outage never blocks the refund.
		s.emitProviderRequest(ctx, act, "cancel")
		s.auditNumber(ctx, act.NumberID, "expire", string(number.StatusExpired), "ttl elapsed")
		s.publishNumber(ctx, act.UserID, act.NumberID, number.StatusExpired)
		s.publishWallet(ctx, act.UserID)
	case activation.StateReserved:
		// The provider call never finished; treat like a failed purchase.
		s.failPurchase(ctx, act, "", "reservation expired before activation")
	}

	if off, err := s.offers.GetOffer(ctx, hold.OfferID); err == nil {
		s.emitOfferUpdated(ctx, off, hold.Quantity)
	}
}

// ReconcileUnsettled refunds activations stuck in refundable states with
// no refund recorded, typically after a crash mid-settlement.
func (s *Service) ReconcileUnsettled(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	stuck, err := s.activations.ListUnsettled(ctx, olderThan, limit)
	if err != nil {
		return 0, errors.Database(err)
	}
	settled := 0
	for _, act := range stuck {
		if !activation.IsRefundable(act.State) {
			continue
		}
		if _, err := s.settleRefund(ctx, act, "reconciled", act.State); err != nil {
			s.log.WithError(err).WithField("activation_id", act.ID).Error("reconcile refund")
			continue
		}
		s.releaseHold(ctx, act.ID)
		s.publishWallet(ctx, act.UserID)
		settled++
	}
	return settled, nil
}

// settleRefund writes the single refund ledger row for act and moves it
// to REFUNDED. Captured funds are credited back; a bare hold is released.
// The refund key is derived from the activation id, so retries replay.
func (s *Service) settleRefund(ctx context.Context, act activation.Activation, reason string, from activation.State) (int64, error) {
	var txID string
	if act.CapturedTxID != "" {
		tx, err := s.funds.Refund(ctx, act.UserID, act.ID, act.Price, "refund:"+act.ID, reason)
		if err != nil {
			return 0, err
		}
		txID = tx.ID
	} else {
		tx, err := s.funds.Rollback(ctx, act.UserID, act.ID, act.Price, act.IdempotencyKey+":release", reason)
		if err != nil {
			return 0, err
		}
		txID = tx.ID
	}
	if err := s.activations.SetActivationRefundTx(ctx, act.ID, txID); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
		s.log.WithError(err).WithField("activation_id", act.ID).Warn("record refund tx")
	}
	if err := s.activations.TransitionActivation(ctx, act.ID, from, activation.StateRefunded, time.Now().UTC()); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
		return 0, errors.Database(err)
	}
	s.emitRefundEvent(ctx, act)
	s.publishActivation(ctx, act.UserID, act.ID, activation.StateRefunded)
	return act.Price, nil
}

// releaseHold cancels the stock hold of an activation, restoring stock.
func (s *Service) releaseHold(ctx context.Context, activationID string) {
	hold, err := s.offers.GetReservationByActivation(ctx, activationID)
	if err != nil {
		return
	}
	if err := s.offers.UpdateReservationState(ctx, hold.ID, offer.ReservationCancelled); err != nil {
		if !stderrors.Is(err, storage.ErrStateConflict) {
			s.log.WithError(err).WithField("reservation_id", hold.ID).Warn("cancel stock hold")
		}
		return
	}
	if off, err := s.offers.GetOffer(ctx, hold.OfferID); err == nil {
		s.emitOfferUpdated(ctx, off, hold.Quantity)
	}
}

// confirmHold pins the stock hold of a delivered activation so expiry
// never restores its stock.
func (s *Service) confirmHold(ctx context.Context, activationID string) {
	hold, err := s.offers.GetReservationByActivation(ctx, activationID)
	if err != nil {
		return
	}
	if err := s.offers.UpdateReservationState(ctx, hold.ID, offer.ReservationConfirmed); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
		s.log.WithError(err).WithField("reservation_id", hold.ID).Warn("confirm stock hold")
	}
}

// ConfirmDelivery pins the stock hold once a message arrived. The poller
// calls this alongside MarkReceived.
func (s *Service) ConfirmDelivery(ctx context.Context, activationID string) {
	s.confirmHold(ctx, activationID)
}

// Activation returns one activation scoped to its owner.
func (s *Service) Activation(ctx context.Context, id, userID string) (activation.Activation, error) {
	act, err := s.activations.GetActivationForUser(ctx, id, userID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return activation.Activation{}, errors.NotFound("activation")
	}
	if err != nil {
		return activation.Activation{}, errors.Database(err)
	}
	return act, nil
}

func (s *Service) resultFor(ctx context.Context, act activation.Activation) (PurchaseResult, error) {
	out := PurchaseResult{Activation: act}
	if act.NumberID != "" {
		if num, err := s.numbers.GetNumber(ctx, act.NumberID); err == nil {
			out.Number = num
		}
	}
	return out, nil
}

func (s *Service) emitOfferUpdated(ctx context.Context, off offer.Offer, stockDelta int) {
	payload, err := json.Marshal(map[string]interface{}{
		"offerId":      off.ID,
		"providerId":   off.ProviderID,
		"providerSlug": off.ProviderSlug,
		"countryCode":  off.CountryCode,
		"serviceCode":  off.ServiceCode,
		"operatorId":   off.OperatorID,
		"stockDelta":   stockDelta,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "offer",
		AggregateID:   off.ID,
		EventType:     outbox.EventOfferUpdated,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("offer_id", off.ID).Error("append offer.updated")
	}
}

// emitProviderRequest queues an upstream call to run on the worker with
// the outbox's retry budget.
func (s *Service) emitProviderRequest(ctx context.Context, act activation.Activation, action string) {
	if act.ProviderActivationID == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"action":               action,
		"providerId":           act.ProviderID,
		"providerActivationId": act.ProviderActivationID,
		"activationId":         act.ID,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "activation",
		AggregateID:   act.ID,
		EventType:     outbox.EventProviderRequest,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Error("append provider_request")
	}
}

func (s *Service) emitRefundEvent(ctx context.Context, act activation.Activation) {
	payload, err := json.Marshal(map[string]interface{}{
		"activationId": act.ID,
		"userId":       act.UserID,
		"amount":       act.Price,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.InsertEvent(ctx, outbox.Event{
		AggregateType: "activation",
		AggregateID:   act.ID,
		EventType:     outbox.EventActivationRefunded,
		Payload:       payload,
	}); err != nil {
		s.log.WithError(err).WithField("activation_id", act.ID).Error("append activation.refunded")
	}
}

func (s *Service) auditNumber(ctx context.Context, numberID, operation, status, detail string) {
	if numberID == "" {
		return
	}
	if err := s.numbers.AppendAudit(ctx, []number.PollAudit{{
		ID:        uuid.NewString(),
		NumberID:  numberID,
		Operation: operation,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}}); err != nil {
		s.log.WithError(err).WithField("number_id", numberID).Warn("append audit")
	}
}

func (s *Service) publishActivation(ctx context.Context, userID, activationID string, state activation.State) {
	if s.publisher == nil {
		return
	}
	env, err := event.New(event.TypeActivationUpdated, event.UserRoom(userID), map[string]interface{}{
		"activationId": activationID,
		"state":        string(state),
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.WithError(err).Debug("publish activation.updated")
	}
}

func (s *Service) publishNumber(ctx context.Context, userID, numberID string, status number.Status) {
	if s.publisher == nil || numberID == "" {
		return
	}
	env, err := event.New(event.TypeNumberUpdated, event.UserRoom(userID), map[string]interface{}{
		"numberId": numberID,
		"status":   string(status),
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.WithError(err).Debug("publish number.updated")
	}
}

func (s *Service) publishWallet(ctx context.Context, userID string) {
	if s.publisher == nil {
		return
	}
	w, err := s.funds.Wallet(ctx, userID)
	if err != nil {
		return
	}
	env, err := event.New(event.TypeWalletUpdated, event.UserRoom(userID), map[string]interface{}{
		"walletId": w.ID,
		"balance":  w.Balance,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.WithError(err).Debug("publish wallet.updated")
	}
}
