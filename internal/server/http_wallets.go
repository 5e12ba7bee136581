package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// handleGetWallet handles GET /v1/wallets/{user_id}.
func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	wallet, err := s.ledger.Wallet(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get wallet")
		return
	}

	writeJSON(w, http.StatusOK, wallet)
}

// handleListTransactions handles GET /v1/wallets/{user_id}/transactions.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	wallet, txns, err := s.ledger.History(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	// Ensure transactions is never null in JSON output.
	if txns == nil {
		txns = []*model.WalletTransaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":       wallet,
		"transactions": txns,
	})
}

type mutateWalletInput struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	DedupKey    string `json:"dedup_key,omitempty"`
}

// handleCreditWallet handles POST /v1/wallets/{user_id}/credit. When a
// dedup_key is given the credit applies at most once per key; a replay
// returns the current wallet with applied=false.
func (s *Server) handleCreditWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	var in mutateWalletInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	txnType := model.TransactionType(in.Type)
	if txnType == "" {
		txnType = model.TxnAdminAdjustment
	}

	var (
		wallet  *model.Wallet
		applied = true
		err     error
	)
	if in.DedupKey != "" {
		wallet, applied, err = s.ledger.CreditOnce(r.Context(), userID, in.Amount, txnType, in.Description, in.DedupKey)
		if err == nil && !applied {
			wallet, err = s.ledger.Wallet(r.Context(), userID)
		}
	} else {
		wallet, err = s.ledger.Credit(r.Context(), userID, in.Amount, txnType, in.Description)
	}
	if errors.Is(err, ledger.ErrInvalidAmount) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		s.logger.Error("credit wallet failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to credit wallet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":  wallet,
		"applied": applied,
	})
}

// handleDebitWallet handles POST /v1/wallets/{user_id}/debit.
func (s *Server) handleDebitWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	var in mutateWalletInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	txnType := model.TransactionType(in.Type)
	if txnType == "" {
		txnType = model.TxnServiceUsage
	}

	wallet, err := s.ledger.Debit(r.Context(), userID, in.Amount, txnType, in.Description)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	var ibe *store.InsufficientBalanceError
	if errors.As(err, &ibe) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "insufficient balance",
			"balance": ibe.Balance,
		})
		return
	}
	if err != nil {
		s.logger.Error("debit wallet failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to debit wallet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":  wallet,
		"applied": true,
	})
}
