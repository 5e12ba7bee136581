// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateWalletIfAbsent(ctx context.Context, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	var (
		w       *model.Wallet
		created bool
	)
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		w, created, err = tx.CreateWalletIfAbsent(ctx, userID, initialBalance, txnType, description)
		return err
	})
	return w, created, err
}

func (s *PostgresStore) CreditWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	var w *model.Wallet
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		w, err = tx.CreditWallet(ctx, userID, amount, txnType, description)
		return err
	})
	return w, err
}

func (s *PostgresStore) CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	var (
		w       *model.Wallet
		applied bool
	)
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		w, applied, err = tx.CreditWalletOnce(ctx, userID, amount, txnType, description, dedupKey)
		return err
	})
	// The duplicate insert aborts the transaction; the rollback undoes the
	// balance increment and the duplicate is reported as a clean no-op.
	if errors.Is(err, store.ErrConflict) {
		return nil, false, nil
	}
	return w, applied, err
}

func (s *PostgresStore) DebitWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	var w *model.Wallet
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		w, err = tx.DebitWallet(ctx, userID, amount, txnType, description)
		return err
	})
	return w, err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return queryGetWallet(ctx, s.db, userID)
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, walletID string) ([]*model.WalletTransaction, error) {
	return queryListWalletTransactions(ctx, s.db, walletID)
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	return queryListWallets(ctx, s.db)
}

func (s *PostgresStore) ListAllTransactions(ctx context.Context) ([]*model.WalletTransaction, error) {
	return queryListAllTransactions(ctx, s.db)
}

func (s *PostgresStore) InsertPayment(ctx context.Context, p *model.Payment) error {
	return queryInsertPayment(ctx, s.db, p)
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return queryGetPayment(ctx, s.db, id)
}

func (s *PostgresStore) FindUnpaidPayment(ctx context.Context, userID string, t model.PaymentType) (*model.Payment, error) {
	return queryFindUnpaidPayment(ctx, s.db, userID, t)
}

func (s *PostgresStore) RefreshPayment(ctx context.Context, id string, amount int64, expiresAt time.Time, reference string) error {
	return queryRefreshPayment(ctx, s.db, id, amount, expiresAt, reference)
}

func (s *PostgresStore) MarkPaymentPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	return queryMarkPaymentPaid(ctx, s.db, id, paidAt)
}

func (s *PostgresStore) CancelPayment(ctx context.Context, id, userID string) error {
	return queryCancelPayment(ctx, s.db, id, userID)
}

func (s *PostgresStore) MarkOverduePayments(ctx context.Context, now time.Time) (int64, error) {
	return queryMarkOverduePayments(ctx, s.db, now)
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	return queryUpsertSubscription(ctx, s.db, sub)
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	return queryGetSubscription(ctx, s.db, userID)
}

func (s *PostgresStore) SetSubscriptionActive(ctx context.Context, userID string, active bool) error {
	return querySetSubscriptionActive(ctx, s.db, userID, active)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateWalletIfAbsent(ctx context.Context, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	return queryCreateWalletIfAbsent(ctx, s.tx, userID, initialBalance, txnType, description)
}

func (s *txStore) CreditWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	return queryCreditWallet(ctx, s.tx, userID, amount, txnType, description, "")
}

func (s *txStore) CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	w, err := queryCreditWallet(ctx, s.tx, userID, amount, txnType, description, dedupKey)
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

func (s *txStore) DebitWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	return queryDebitWallet(ctx, s.tx, userID, amount, txnType, description)
}

func (s *txStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return queryGetWallet(ctx, s.tx, userID)
}

func (s *txStore) ListWalletTransactions(ctx context.Context, walletID string) ([]*model.WalletTransaction, error) {
	return queryListWalletTransactions(ctx, s.tx, walletID)
}

func (s *txStore) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	return queryListWallets(ctx, s.tx)
}

func (s *txStore) ListAllTransactions(ctx context.Context) ([]*model.WalletTransaction, error) {
	return queryListAllTransactions(ctx, s.tx)
}

func (s *txStore) InsertPayment(ctx context.Context, p *model.Payment) error {
	return queryInsertPayment(ctx, s.tx, p)
}

func (s *txStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return queryGetPayment(ctx, s.tx, id)
}

func (s *txStore) FindUnpaidPayment(ctx context.Context, userID string, t model.PaymentType) (*model.Payment, error) {
	return queryFindUnpaidPayment(ctx, s.tx, userID, t)
}

func (s *txStore) RefreshPayment(ctx context.Context, id string, amount int64, expiresAt time.Time, reference string) error {
	return queryRefreshPayment(ctx, s.tx, id, amount, expiresAt, reference)
}

func (s *txStore) MarkPaymentPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	return queryMarkPaymentPaid(ctx, s.tx, id, paidAt)
}

func (s *txStore) CancelPayment(ctx context.Context, id, userID string) error {
	return queryCancelPayment(ctx, s.tx, id, userID)
}

func (s *txStore) MarkOverduePayments(ctx context.Context, now time.Time) (int64, error) {
	return queryMarkOverduePayments(ctx, s.tx, now)
}

func (s *txStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	return queryUpsertSubscription(ctx, s.tx, sub)
}

func (s *txStore) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	return queryGetSubscription(ctx, s.tx, userID)
}

func (s *txStore) SetSubscriptionActive(ctx context.Context, userID string, active bool) error {
	return querySetSubscriptionActive(ctx, s.tx, userID, active)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
