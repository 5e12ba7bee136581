package postgres

import (
	"database/sql"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// nullString maps an empty string to NULL, for nullable unique columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanWallet scans a single row into a model.Wallet.
// The row must contain columns in the order defined by walletColumns.
func scanWallet(row scannable) (*model.Wallet, error) {
	var w model.Wallet
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Balance,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// scanTransaction scans a single row into a model.WalletTransaction.
// The row must contain columns in the order defined by transactionColumns.
func scanTransaction(row scannable) (*model.WalletTransaction, error) {
	var t model.WalletTransaction
	var (
		direction   string
		txnType     string
		description sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.WalletID,
		&t.Amount,
		&direction,
		&txnType,
		&description,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Direction = model.Direction(direction)
	t.Type = model.TransactionType(txnType)
	t.Description = description.String
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*model.WalletTransaction, error) {
	var txns []*model.WalletTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// scanPayment scans a single row into a model.Payment.
// The row must contain columns in the order defined by paymentColumns.
func scanPayment(row scannable) (*model.Payment, error) {
	var p model.Payment
	var (
		status      string
		paymentType string
		reference   sql.NullString
		paidAt      sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&status,
		&paymentType,
		&reference,
		&p.ExpiresAt,
		&p.CreatedAt,
		&paidAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	p.PaymentType = model.PaymentType(paymentType)
	p.Reference = reference.String
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	return &p, nil
}

// scanSubscription scans a single row into a model.Subscription.
func scanSubscription(row scannable) (*model.Subscription, error) {
	var s model.Subscription
	var (
		tier  string
		cycle string
	)
	err := row.Scan(
		&s.UserID,
		&tier,
		&cycle,
		&s.IsActive,
		&s.LastPaymentDate,
		&s.NextPaymentDate,
	)
	if err != nil {
		return nil, err
	}
	s.Tier = model.Tier(tier)
	s.BillingCycle = model.BillingCycle(cycle)
	return &s, nil
}
