package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound maps a missing row at the store boundary.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects an insert,
	// e.g. a second concurrent UNPAID payment for the same (user, type).
	ErrConflict = errors.New("conflict")
)

// InsufficientBalanceError is returned by DebitWallet when the wallet does
// not cover the requested amount. It carries the balance observed inside
// the failed transaction so callers can report it.
type InsufficientBalanceError struct {
	Balance int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %d available", e.Balance)
}

// Store defines the persistence interface for wallets, payments, and
// subscriptions. Every wallet mutation is atomic: the balance change and
// its transaction-log row commit together or not at all, so the invariant
// balance == Σ ADD − Σ SUBTRACT holds at every commit point.
type Store interface {
	// Wallets. CreateWalletIfAbsent is the idempotency guard for wallet
	// provisioning: the unique constraint on user_id makes the
	// check-and-create atomic, and a duplicate returns created=false with
	// no new transaction row. CreditWallet creates the wallet lazily with
	// the amount as initial balance. CreditWalletOnce additionally dedups
	// on a caller-supplied natural key (e.g. a payment ID) and reports
	// whether the credit applied. DebitWallet fails closed with
	// InsufficientBalanceError; the balance never goes negative.
	CreateWalletIfAbsent(ctx context.Context, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error)
	CreditWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error)
	CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error)
	DebitWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID string) ([]*model.WalletTransaction, error)

	// Audit export.
	ListWallets(ctx context.Context) ([]*model.Wallet, error)
	ListAllTransactions(ctx context.Context) ([]*model.WalletTransaction, error)

	// Payments. MarkPaymentPaid is the webhook idempotency boundary: the
	// UNPAID check, the expiry re-validation, and the status flip happen
	// in one conditional update. CancelPayment only cancels UNPAID rows.
	InsertPayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	FindUnpaidPayment(ctx context.Context, userID string, t model.PaymentType) (*model.Payment, error)
	RefreshPayment(ctx context.Context, id string, amount int64, expiresAt time.Time, reference string) error
	MarkPaymentPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
	CancelPayment(ctx context.Context, id, userID string) error
	MarkOverduePayments(ctx context.Context, now time.Time) (int64, error)

	// Subscriptions
	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	SetSubscriptionActive(ctx context.Context, userID string, active bool) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
