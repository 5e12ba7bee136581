package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	method      string
	path        string
	query       string
	body        string
	contentType string
	authHeader  string

	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.query = r.URL.RawQuery
	h.contentType = r.Header.Get("Content-Type")
	h.authHeader = r.Header.Get("Authorization")
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

// newTestClient creates an HTTPClient pointed at a test server with the given handler.
func newTestClient(h http.Handler) (*HTTPClient, *httptest.Server) {
	srv := httptest.NewServer(h)
	c := NewHTTPClient(srv.URL, "")
	return c, srv
}

func TestCreatePayment(t *testing.T) {
	h := &testHandler{
		statusCode:   http.StatusCreated,
		responseBody: `{"id":"pay-abc","user_id":"user-1","amount":10000,"status":"UNPAID"}`,
	}
	c, srv := newTestClient(h)
	defer srv.Close()

	payment, err := c.CreatePayment(context.Background(), &CreatePaymentRequest{
		UserID:      "user-1",
		PaymentType: "credits",
		CreditQty:   10,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if h.method != http.MethodPost || h.path != "/v1/payments" {
		t.Errorf("unexpected request %s %s", h.method, h.path)
	}
	if !strings.Contains(h.body, `"credit_qty":10`) {
		t.Errorf("body missing credit_qty: %s", h.body)
	}
	if payment.ID != "pay-abc" || payment.Amount != 10000 {
		t.Errorf("unexpected payment %+v", payment)
	}
}

func TestGetWalletEscapesUserID(t *testing.T) {
	h := &testHandler{responseBody: `{"id":"wal-1","user_id":"a/b","balance":3}`}
	c, srv := newTestClient(h)
	defer srv.Close()

	wallet, err := c.GetWallet(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.Balance != 3 {
		t.Errorf("expected balance 3, got %d", wallet.Balance)
	}
	if !strings.Contains(h.path+h.query, "a") {
		t.Errorf("unexpected path %q", h.path)
	}
}

func TestDebitWallet(t *testing.T) {
	h := &testHandler{responseBody: `{"wallet":{"id":"wal-1","balance":6},"applied":true}`}
	c, srv := newTestClient(h)
	defer srv.Close()

	resp, err := c.DebitWallet(context.Background(), "user-1", &MutateWalletRequest{
		Amount: 4,
		Type:   string(model.TxnServiceUsage),
	})
	if err != nil {
		t.Fatalf("DebitWallet: %v", err)
	}
	if h.path != "/v1/wallets/user-1/debit" {
		t.Errorf("unexpected path %q", h.path)
	}
	if !resp.Applied || resp.Wallet.Balance != 6 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	h := &testHandler{
		statusCode:   http.StatusConflict,
		responseBody: `{"error":"insufficient balance"}`,
	}
	c, srv := newTestClient(h)
	defer srv.Close()

	_, err := c.DebitWallet(context.Background(), "user-1", &MutateWalletRequest{Amount: 100})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "insufficient balance" {
		t.Errorf("unexpected message %q", apiErr.Message)
	}
}

func TestAuthTokenHeader(t *testing.T) {
	h := &testHandler{responseBody: `{"status":"ok"}`}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.authHeader != "Bearer secret" {
		t.Errorf("expected bearer header, got %q", h.authHeader)
	}
}

func TestCancelPayment(t *testing.T) {
	h := &testHandler{responseBody: `{"status":"canceled"}`}
	c, srv := newTestClient(h)
	defer srv.Close()

	if err := c.CancelPayment(context.Background(), "pay-1", "user-1"); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	if h.path != "/v1/payments/pay-1/cancel" {
		t.Errorf("unexpected path %q", h.path)
	}
	if !strings.Contains(h.body, `"user_id":"user-1"`) {
		t.Errorf("body missing user_id: %s", h.body)
	}
}
