// Package client provides a Go client for the examio ledger and billing
// HTTP/JSON API.
package client

import (
	"context"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// ExamioClient is the interface other services use to talk to the ledger
// and billing API. It is implemented by HTTPClient.
type ExamioClient interface {
	// Payments
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*model.Payment, error)
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	CancelPayment(ctx context.Context, id, userID string) error

	// Wallets
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ListTransactions(ctx context.Context, userID string) (*TransactionsResponse, error)
	CreditWallet(ctx context.Context, userID string, req *MutateWalletRequest) (*WalletMutationResponse, error)
	DebitWallet(ctx context.Context, userID string, req *MutateWalletRequest) (*WalletMutationResponse, error)

	// Subscriptions
	GetSubscription(ctx context.Context, userID string) (*model.Subscription, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// CreatePaymentRequest holds parameters for creating a payment.
type CreatePaymentRequest struct {
	UserID       string `json:"user_id"`
	PaymentType  string `json:"payment_type"`
	CreditQty    int64  `json:"credit_qty,omitempty"`
	Tier         string `json:"tier,omitempty"`
	BillingCycle string `json:"billing_cycle,omitempty"`
}

// MutateWalletRequest holds parameters for a wallet credit or debit.
type MutateWalletRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	DedupKey    string `json:"dedup_key,omitempty"`
}

// WalletMutationResponse is the response from CreditWallet and DebitWallet.
type WalletMutationResponse struct {
	Wallet  *model.Wallet `json:"wallet"`
	Applied bool          `json:"applied"`
}

// TransactionsResponse is the response from ListTransactions.
type TransactionsResponse struct {
	Wallet       *model.Wallet              `json:"wallet"`
	Transactions []*model.WalletTransaction `json:"transactions"`
}

// WebhookRequest mirrors the gateway's webhook delivery, useful for
// replaying settlements in tooling and tests.
type WebhookRequest struct {
	Narration string     `json:"narration"`
	Amount    int64      `json:"amount"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// WebhookResponse reports the reconciliation outcome.
type WebhookResponse struct {
	Outcome   string `json:"outcome"`
	PaymentID string `json:"payment_id"`
}
