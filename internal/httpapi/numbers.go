package httpapi

import (
	"database/sql"
	"net/http"

	stderrors "errors"

	"github.com/go-chi/chi/v5"

	"github.com/numhive/platform/internal/activation"
	"github.com/numhive/platform/internal/errors"
)

type purchaseRequest struct {
	CountryCode    string `json:"countryCode"`
	ServiceCode    string `json:"serviceCode"`
	OperatorID     string `json:"operatorId,omitempty"`
	ProviderSlug   string `json:"providerSlug,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := ClaimsFrom(r.Context())
	res, err := s.activations.Purchase(r.Context(), activation.PurchaseRequest{
		UserID:         claims.UserID,
		CountryCode:    req.CountryCode,
		ServiceCode:    req.ServiceCode,
		OperatorID:     req.OperatorID,
		ProviderSlug:   req.ProviderSlug,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]numberView{"number": newNumberView(res.Number)})
}

func (s *Server) handleMyNumbers(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	page, limit := pageParams(r)
	activeOnly := r.URL.Query().Get("status") == "active"

	rows, err := s.numbers.ListNumbersByUser(r.Context(), claims.UserID, activeOnly, limit, (page-1)*limit)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	total, err := s.numbers.CountNumbersByUser(r.Context(), claims.UserID, activeOnly)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	views := make([]numberView, 0, len(rows))
	for _, n := range rows {
		views = append(views, newNumberView(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"numbers": views,
		"total":   total,
	})
}

func (s *Server) handleNumber(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	n, err := s.numbers.GetNumberForUser(r.Context(), chi.URLParam(r, "numberID"), claims.UserID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			writeError(w, errors.NotFound("number"))
			return
		}
		writeError(w, errors.Database(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]numberView{"number": newNumberView(n)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	refund, err := s.activations.Cancel(r.Context(), claims.UserID, chi.URLParam(r, "numberID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"refundAmount": refund})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	n, err := s.activations.Complete(r.Context(), claims.UserID, chi.URLParam(r, "numberID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]numberView{"number": newNumberView(n)})
}

// handleMessages returns the number's inbox along with its lifecycle
// status, so clients can stop asking once the number settles.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	n, err := s.numbers.GetNumberForUser(r.Context(), chi.URLParam(r, "numberID"), claims.UserID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			writeError(w, errors.NotFound("number"))
			return
		}
		writeError(w, errors.Database(err))
		return
	}
	msgs, err := s.numbers.ListMessages(r.Context(), n.ID)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   string(n.Status),
		"messages": views,
	})
}
