package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/billing"
	"github.com/cychipo/examio-be-sub003/internal/gateway"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

type createPaymentInput struct {
	UserID       string `json:"user_id"`
	PaymentType  string `json:"payment_type"`
	CreditQty    int64  `json:"credit_qty,omitempty"`
	Tier         string `json:"tier,omitempty"`
	BillingCycle string `json:"billing_cycle,omitempty"`
}

// handleCreatePayment handles POST /v1/payments.
func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var in createPaymentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	paymentType := model.PaymentType(in.PaymentType)
	var desc billing.Descriptor
	switch paymentType {
	case model.PaymentCredits:
		if in.CreditQty <= 0 {
			writeError(w, http.StatusBadRequest, "credit_qty must be positive")
			return
		}
		desc.CreditQty = in.CreditQty
	case model.PaymentSubscription:
		desc.Tier = model.Tier(in.Tier)
		desc.Cycle = model.BillingCycle(in.BillingCycle)
	default:
		writeError(w, http.StatusBadRequest, "payment_type must be credits or subscription")
		return
	}

	payment, err := s.billing.CreatePayment(r.Context(), in.UserID, paymentType, desc)
	if errors.Is(err, billing.ErrUnknownPlan) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, gateway.ErrGatewayUnavailable) {
		writeError(w, http.StatusBadGateway, "payment gateway unavailable")
		return
	}
	if err != nil {
		s.logger.Error("create payment failed", "user_id", in.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create payment")
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

// handleGetPayment handles GET /v1/payments/{id}.
func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	payment, err := s.billing.GetPayment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get payment")
		return
	}

	writeJSON(w, http.StatusOK, payment)
}

type cancelPaymentInput struct {
	UserID string `json:"user_id"`
}

// handleCancelPayment handles POST /v1/payments/{id}/cancel.
func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var in cancelPaymentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	err := s.billing.CancelPayment(r.Context(), in.UserID, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no pending payment to cancel")
		return
	}
	if err != nil {
		s.logger.Error("cancel payment failed", "payment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type paymentWebhookInput struct {
	Narration string     `json:"narration"`
	Amount    int64      `json:"amount"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// handlePaymentWebhook handles POST /v1/webhooks/payment. Non-handled
// outcomes (unmatched narration, expired or already-settled payments) still
// return 200 so the gateway stops redelivering; only store or ledger
// failures return 500 and trigger a retry.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var in paymentWebhookInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	paidAt := time.Now().UTC()
	if in.PaidAt != nil {
		paidAt = in.PaidAt.UTC()
	}

	result, err := s.billing.Reconcile(r.Context(), in.Narration, in.Amount, paidAt)
	if err != nil {
		s.logger.Error("webhook reconciliation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"outcome":    string(result.Outcome),
		"payment_id": result.PaymentID,
	})
}

// handleGetSubscription handles GET /v1/subscriptions/{user_id}.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	sub, err := s.billing.GetSubscription(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}
