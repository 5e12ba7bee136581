package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cychipo/examio-be-sub003/internal/idgen"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// walletColumns is the column list used for SELECT statements on the wallets table.
const walletColumns = `id, user_id, balance, created_at, updated_at`

// transactionColumns is the column list for the wallet_transactions table.
const transactionColumns = `id, wallet_id, amount, direction, type, description, created_at`

// paymentColumns is the column list for the payments table.
const paymentColumns = `id, user_id, amount, currency, status, payment_type, reference, expires_at, created_at, paid_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// queryCreateWalletIfAbsent atomically creates a wallet for the user unless
// one already exists. The unique constraint on user_id is the idempotency
// guard: a concurrent duplicate insert loses the race and is reported as
// created=false, never as an error. On first creation with a positive
// initial balance a matching ADD transaction row is appended.
func queryCreateWalletIfAbsent(ctx context.Context, db executor, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	walletID, err := idgen.Generate(idgen.PrefixWallet)
	if err != nil {
		return nil, false, err
	}

	row := db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING `+walletColumns,
		walletID, userID, initialBalance,
	)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		// Lost the race or the wallet already existed: success-no-op.
		existing, err := queryGetWallet(ctx, db, userID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create wallet: %w", err)
	}

	if initialBalance > 0 {
		if err := insertTransaction(ctx, db, w.ID, initialBalance, model.DirectionAdd, txnType, description, ""); err != nil {
			return nil, false, err
		}
	}
	return w, true, nil
}

// queryCreditWallet atomically increments the balance (creating the wallet
// with the amount as initial balance when missing) and appends an ADD row,
// all on the same executor. The increment happens inside the database, never
// as a read-then-write-back. A non-empty dedupKey rides on the transaction
// row's unique column; a duplicate surfaces as store.ErrConflict so the
// enclosing transaction rolls the increment back.
func queryCreditWallet(ctx context.Context, db executor, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, error) {
	walletID, err := idgen.Generate(idgen.PrefixWallet)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING `+walletColumns,
		walletID, userID, amount,
	)
	w, err := scanWallet(row)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	if err := insertTransaction(ctx, db, w.ID, amount, model.DirectionAdd, txnType, description, dedupKey); err != nil {
		return nil, err
	}
	return w, nil
}

// queryDebitWallet decrements the balance only when it covers the amount;
// the check and the decrement are one conditional UPDATE, so no concurrent
// debit can observe a stale balance and overdraw. The SUBTRACT row commits
// in the same transaction.
func queryDebitWallet(ctx context.Context, db executor, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING `+walletColumns,
		userID, amount,
	)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		// Either no wallet or not enough balance; look to tell them apart.
		existing, gerr := queryGetWallet(ctx, db, userID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &store.InsufficientBalanceError{Balance: existing.Balance}
	}
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	if err := insertTransaction(ctx, db, w.ID, amount, model.DirectionSubtract, txnType, description, ""); err != nil {
		return nil, err
	}
	return w, nil
}

func insertTransaction(ctx context.Context, db executor, walletID string, amount int64, direction model.Direction, txnType model.TransactionType, description, dedupKey string) error {
	txnID, err := idgen.Generate(idgen.PrefixTransaction)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, amount, direction, type, description, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txnID, walletID, amount, string(direction), string(txnType), description, nullString(dedupKey),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert transaction %s: %w", txnID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func queryGetWallet(ctx context.Context, db executor, userID string) (*model.Wallet, error) {
	row := db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func queryListWalletTransactions(ctx context.Context, db executor, walletID string) ([]*model.WalletTransaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at ASC`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func queryListWallets(ctx context.Context, db executor) ([]*model.Wallet, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func queryListAllTransactions(ctx context.Context, db executor) ([]*model.WalletTransaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		ORDER BY created_at ASC, id`)
	if err != nil {
		return nil, fmt.Errorf("list all transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func queryInsertPayment(ctx context.Context, db executor, p *model.Payment) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO payments (id, user_id, amount, currency, status, payment_type, reference, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		p.ID, p.UserID, p.Amount, p.Currency, string(p.Status), string(p.PaymentType), p.Reference, p.ExpiresAt,
	).Scan(&p.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func queryGetPayment(ctx context.Context, db executor, id string) (*model.Payment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func queryFindUnpaidPayment(ctx context.Context, db executor, userID string, t model.PaymentType) (*model.Payment, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE user_id = $1 AND payment_type = $2 AND status = 'UNPAID'`,
		userID, string(t),
	)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find unpaid payment: %w", err)
	}
	return p, nil
}

func queryRefreshPayment(ctx context.Context, db executor, id string, amount int64, expiresAt time.Time, reference string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET amount = $2, expires_at = $3, reference = $4
		WHERE id = $1 AND status = 'UNPAID'`,
		id, amount, expiresAt, reference,
	)
	if err != nil {
		return fmt.Errorf("refresh payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// queryMarkPaymentPaid flips UNPAID to PAID exactly once. The status check
// and the expiry re-validation live inside the same conditional update, so a
// redelivered webhook or a late webhook for an expired payment affects zero
// rows and reports matched=false.
func queryMarkPaymentPaid(ctx context.Context, db executor, id string, paidAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'PAID', paid_at = $2
		WHERE id = $1 AND status = 'UNPAID' AND expires_at > $2`,
		id, paidAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func queryCancelPayment(ctx context.Context, db executor, id, userID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'CANCELED'
		WHERE id = $1 AND user_id = $2 AND status = 'UNPAID'`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryMarkOverduePayments(ctx context.Context, db executor, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'OVERDUE'
		WHERE status = 'UNPAID' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("mark overdue payments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func queryUpsertSubscription(ctx context.Context, db executor, sub *model.Subscription) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, billing_cycle, is_active, last_payment_date, next_payment_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = $2,
			billing_cycle = $3,
			is_active = $4,
			last_payment_date = $5,
			next_payment_date = $6`,
		sub.UserID, string(sub.Tier), string(sub.BillingCycle), sub.IsActive, sub.LastPaymentDate, sub.NextPaymentDate,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func queryGetSubscription(ctx context.Context, db executor, userID string) (*model.Subscription, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, tier, billing_cycle, is_active, last_payment_date, next_payment_date
		FROM subscriptions WHERE user_id = $1`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func querySetSubscriptionActive(ctx context.Context, db executor, userID string, active bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = $2 WHERE user_id = $1`,
		userID, active,
	)
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
