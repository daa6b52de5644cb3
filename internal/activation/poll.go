package activation

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/number"
	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/storage"
)

// MarkReceived moves a number and its activation to their received states
// in one transaction and pins the stock hold. Called by the poller and the
// webhook path on the first delivered message.
func (s *Service) MarkReceived(ctx context.Context, numberID string) error {
	num, err := s.numbers.GetNumber(ctx, numberID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("number")
	}
	if err != nil {
		return errors.Database(err)
	}
	if num.Status == number.StatusReceived {
		return nil
	}

	if err := s.numbers.MarkReceived(ctx, num.ID, num.ActivationID, time.Now().UTC()); err != nil {
		if stderrors.Is(err, storage.ErrStateConflict) {
			return nil
		}
		return errors.Database(err)
	}
	s.confirmHold(ctx, num.ActivationID)
	s.publishNumber(ctx, num.UserID, num.ID, number.StatusReceived)
	s.publishActivation(ctx, num.UserID, num.ActivationID, activation.StateReceived)
	return nil
}

// TimeoutFromPoll settles a number whose upstream ended with an empty
// inbox: the number times out and the captured funds are refunded.
func (s *Service) TimeoutFromPoll(ctx context.Context, numberID string) error {
	num, err := s.numbers.GetNumber(ctx, numberID)
	if err != nil {
		return errors.Database(err)
	}
	act, err := s.activations.GetActivation(ctx, num.ActivationID)
	if err != nil {
		return errors.Database(err)
	}
	now := time.Now().UTC()

	if err := s.numbers.TransitionNumber(ctx, num.ID, num.Status, number.StatusTimeout, now); err != nil {
		if stderrors.Is(err, storage.ErrStateConflict) {
			return nil
		}
		return errors.Database(err)
	}
	if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateActive, activation.StateTimeout, now); err != nil {
		if !stderrors.Is(err, storage.ErrStateConflict) {
			return errors.Database(err)
		}
		// Already left ACTIVE through another path; reconcile owns it now.
		return nil
	}
	if _, err := s.settleRefund(ctx, act, "upstream ended without delivery", activation.StateTimeout); err != nil {
		return err
	}
	s.releaseHold(ctx, act.ID)
	s.auditNumber(ctx, num.ID, "timeout", string(number.StatusTimeout), "upstream terminal with empty inbox")
	s.publishNumber(ctx, num.UserID, num.ID, number.StatusTimeout)
	s.publishWallet(ctx, num.UserID)
	return nil
}

// FinalizeFromPoll completes a number whose upstream ended after delivery.
// Funds stay captured.
func (s *Service) FinalizeFromPoll(ctx context.Context, numberID string) error {
	num, err := s.numbers.GetNumber(ctx, numberID)
	if err != nil {
		return errors.Database(err)
	}
	if num.Status == number.StatusCompleted {
		return nil
	}
	now := time.Now().UTC()

	if err := s.numbers.TransitionNumber(ctx, num.ID, num.Status, number.StatusCompleted, now); err != nil {
		if stderrors.Is(err, storage.ErrStateConflict) {
			return nil
		}
		return errors.Database(err)
	}
	act, err := s.activations.GetActivation(ctx, num.ActivationID)
	if err == nil && act.State == activation.StateReceived {
		if err := s.activations.TransitionActivation(ctx, act.ID, activation.StateReceived, activation.StateCompleted, now); err != nil && !stderrors.Is(err, storage.ErrStateConflict) {
			s.log.WithError(err).WithField("activation_id", act.ID).Warn("finalize activation from poll")
		}
	}
	s.confirmHold(ctx, num.ActivationID)
	s.auditNumber(ctx, num.ID, "complete", string(number.StatusCompleted), "upstream reported completion")
	s.publishNumber(ctx, num.UserID, num.ID, number.StatusCompleted)
	return nil
}
