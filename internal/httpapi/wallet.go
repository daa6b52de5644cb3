package httpapi

import (
	"net/http"

	"github.com/numhive/platform/internal/domain/wallet"
	"github.com/numhive/platform/internal/errors"
)

type topupRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	wal, err := s.funds.Wallet(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":  wal.ID,
		"balance":   wal.Balance,
		"reserved":  wal.Reserved,
		"available": wal.Available(),
	})
}

func (s *Server) handleWalletTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := ClaimsFrom(r.Context())
	tx, err := s.funds.Topup(r.Context(), claims.UserID, req.Amount, req.IdempotencyKey, "wallet topup")
	if err != nil {
		writeError(w, err)
		return
	}
	// A replayed key returns the recorded row; a key reused with different
	// parameters is a conflict, not a silent success.
	if tx.Type != wallet.TxTopup || tx.Amount != req.Amount || tx.UserID != claims.UserID {
		writeError(w, errors.Validation("idempotency key was already used with different parameters").
			WithStatus(http.StatusConflict))
		return
	}
	wal, err := s.funds.Wallet(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"newBalance": wal.Balance})
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	page, limit := pageParams(r)
	rows, total, err := s.funds.Transactions(r.Context(), claims.UserID, limit, (page-1)*limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]transactionView, 0, len(rows))
	for _, t := range rows {
		views = append(views, newTransactionView(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"total":        total,
	})
}
