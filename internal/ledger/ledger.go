// Package ledger is the monetary core: wallet balances and their
// append-only transaction history. Every balance change goes through it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/metrics"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// ErrInvalidAmount is returned for zero or negative mutation amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// balanceCacheSize bounds the read-through balance cache.
const balanceCacheSize = 4096

// balanceCacheTTL expires cached balances. Mutations on this instance
// refresh the entry synchronously; the TTL bounds how long a balance
// written by another instance sharing the database can be served stale.
const balanceCacheTTL = 5 * time.Second

// Service owns wallet mutations. All writes go to the store inside a
// transaction; the balance cache is refreshed synchronously from the row
// the mutation returns, so a read after a write never sees a stale value.
type Service struct {
	store   store.Store
	bus     events.Publisher
	pricing pricing.Table
	logger  *slog.Logger
	cache   *expirable.LRU[string, int64]
}

// New creates a ledger service. The publisher may be a NoopPublisher when
// the bus is disabled.
func New(st store.Store, bus events.Publisher, table pricing.Table, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		bus:     bus,
		pricing: table,
		logger:  logger,
		cache:   expirable.NewLRU[string, int64](balanceCacheSize, nil, balanceCacheTTL),
	}
}

// Provision ensures the user has a wallet, seeding it with the welcome
// bonus on first creation. Replays of the same registration fact find the
// existing wallet and change nothing, so the bonus is granted exactly once.
func (s *Service) Provision(ctx context.Context, userID string) (*model.Wallet, error) {
	bonus := s.pricing.WelcomeBonus
	w, created, err := s.store.CreateWalletIfAbsent(ctx, userID, bonus, model.TxnWelcomeBonus, "welcome bonus")
	if err != nil {
		return nil, fmt.Errorf("provision wallet for %s: %w", userID, err)
	}
	s.cache.Add(userID, w.Balance)
	if !created {
		return w, nil
	}

	metrics.LedgerMutations.WithLabelValues("provision").Inc()
	s.logger.Info("wallet provisioned", "user_id", userID, "wallet_id", w.ID, "bonus", bonus)

	if err := s.bus.Publish(ctx, events.WalletCreated{
		WalletID: w.ID,
		UserID:   userID,
		Balance:  w.Balance,
	}); err != nil {
		// The wallet exists either way; the fact is best-effort here.
		s.logger.Warn("publish wallet.created failed", "user_id", userID, "error", err)
	}
	return w, nil
}

// Credit adds amount to the user's balance, creating the wallet if needed,
// and appends an ADD transaction in the same database transaction.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := s.store.CreditWallet(ctx, userID, amount, txnType, description)
	if err != nil {
		return nil, fmt.Errorf("credit wallet for %s: %w", userID, err)
	}
	s.cache.Add(userID, w.Balance)
	metrics.LedgerMutations.WithLabelValues("credit").Inc()
	s.logger.Info("wallet credited", "user_id", userID, "amount", amount, "type", txnType, "balance", w.Balance)
	return w, nil
}

// CreditOnce is Credit guarded by a deduplication key. A repeat delivery of
// the same key is a clean no-op: applied=false, no balance change, no new
// transaction row.
func (s *Service) CreditOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	w, applied, err := s.store.CreditWalletOnce(ctx, userID, amount, txnType, description, dedupKey)
	if err != nil {
		return nil, false, fmt.Errorf("credit wallet once for %s: %w", userID, err)
	}
	if !applied {
		s.logger.Info("duplicate credit skipped", "user_id", userID, "dedup_key", dedupKey)
		return nil, false, nil
	}
	s.cache.Add(userID, w.Balance)
	metrics.LedgerMutations.WithLabelValues("credit").Inc()
	s.logger.Info("wallet credited", "user_id", userID, "amount", amount, "type", txnType, "balance", w.Balance)
	return w, true, nil
}

// Debit subtracts amount from the user's balance. The balance check and
// the decrement are a single conditional update in the store, so the
// balance can never go negative under concurrent debits. An insufficient
// balance surfaces as *store.InsufficientBalanceError.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := s.store.DebitWallet(ctx, userID, amount, txnType, description)
	if err != nil {
		var insuffErr *store.InsufficientBalanceError
		if errors.As(err, &insuffErr) {
			// The read inside the failed debit is authoritative.
			s.cache.Add(userID, insuffErr.Balance)
		}
		return nil, fmt.Errorf("debit wallet for %s: %w", userID, err)
	}
	s.cache.Add(userID, w.Balance)
	metrics.LedgerMutations.WithLabelValues("debit").Inc()
	s.logger.Info("wallet debited", "user_id", userID, "amount", amount, "type", txnType, "balance", w.Balance)
	return w, nil
}

// Balance returns the user's current balance, served from the cache when
// the entry is warm. Misses fall through to the store.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	if balance, ok := s.cache.Get(userID); ok {
		return balance, nil
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.cache.Add(userID, w.Balance)
	return w.Balance, nil
}

// Wallet returns the user's wallet row. Reads always hit the store; only
// the scalar balance is cached.
func (s *Service) Wallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(userID, w.Balance)
	return w, nil
}

// History returns the wallet's transaction log in insertion order.
func (s *Service) History(ctx context.Context, userID string) (*model.Wallet, []*model.WalletTransaction, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	txns, err := s.store.ListWalletTransactions(ctx, w.ID)
	if err != nil {
		return nil, nil, err
	}
	return w, txns, nil
}
