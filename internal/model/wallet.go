package model

import "time"

// Direction distinguishes the two sides of a wallet transaction.
type Direction string

const (
	DirectionAdd      Direction = "ADD"
	DirectionSubtract Direction = "SUBTRACT"
)

// TransactionType categorizes why a wallet moved.
type TransactionType string

const (
	TxnWelcomeBonus       TransactionType = "welcome-bonus"
	TxnCreditPurchase     TransactionType = "credit-purchase"
	TxnSubscriptionCredit TransactionType = "subscription-credit"
	TxnServiceUsage       TransactionType = "service-usage"
	TxnAdminAdjustment    TransactionType = "admin-adjustment"
	TxnRefund             TransactionType = "refund"
)

// Wallet is a per-user credit balance. The balance is a cached projection of
// the wallet's transaction log and must never go negative.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletTransaction is an append-only ledger row. Rows are never updated or
// deleted; the wallet balance equals the signed sum of its rows.
type WalletTransaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	Amount      int64           `json:"amount"` // always positive
	Direction   Direction       `json:"direction"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Signed returns the transaction amount with its direction applied.
func (t *WalletTransaction) Signed() int64 {
	if t.Direction == DirectionSubtract {
		return -t.Amount
	}
	return t.Amount
}
