package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health and the
// gateway webhook) must include a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments", s.handleCreatePayment)
	mux.HandleFunc("GET /v1/payments/{id}", s.handleGetPayment)
	mux.HandleFunc("POST /v1/payments/{id}/cancel", s.handleCancelPayment)
	mux.HandleFunc("POST /v1/webhooks/payment", s.handlePaymentWebhook)
	mux.HandleFunc("GET /v1/wallets/{user_id}", s.handleGetWallet)
	mux.HandleFunc("GET /v1/wallets/{user_id}/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /v1/wallets/{user_id}/credit", s.handleCreditWallet)
	mux.HandleFunc("POST /v1/wallets/{user_id}/debit", s.handleDebitWallet)
	mux.HandleFunc("GET /v1/subscriptions/{user_id}", s.handleGetSubscription)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
