// Package memory provides an in-memory store.Store used by tests and by
// ephemeral deployments that do not need durability.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/idgen"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store. Each
// method is atomic on its own; RunInTransaction delegates without grouping,
// so there is no rollback. Code paths that depend on rollback semantics are
// tested against Postgres with sqlmock instead.
type Store struct {
	mu            sync.Mutex
	wallets       map[string]*model.Wallet // keyed by user ID
	transactions  []*model.WalletTransaction
	dedupKeys     map[string]bool
	payments      map[string]*model.Payment
	subscriptions map[string]*model.Subscription
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		wallets:       make(map[string]*model.Wallet),
		dedupKeys:     make(map[string]bool),
		payments:      make(map[string]*model.Payment),
		subscriptions: make(map[string]*model.Subscription),
	}
}

func (s *Store) CreateWalletIfAbsent(ctx context.Context, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWalletIfAbsentLocked(userID, initialBalance, txnType, description)
}

func (s *Store) createWalletIfAbsentLocked(userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	if w, ok := s.wallets[userID]; ok {
		clone := *w
		return &clone, false, nil
	}
	now := time.Now().UTC()
	id, err := idgen.Generate(idgen.PrefixWallet)
	if err != nil {
		return nil, false, err
	}
	w := &model.Wallet{ID: id, UserID: userID, Balance: initialBalance, CreatedAt: now, UpdatedAt: now}
	s.wallets[userID] = w
	if initialBalance > 0 {
		if err := s.appendTransactionLocked(w.ID, initialBalance, model.DirectionAdd, txnType, description, ""); err != nil {
			delete(s.wallets, userID)
			return nil, false, err
		}
	}
	clone := *w
	return &clone, true, nil
}

func (s *Store) CreditWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, _, err := s.creditLocked(userID, amount, txnType, description, "")
	return w, err
}

func (s *Store) CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, applied, err := s.creditLocked(userID, amount, txnType, description, dedupKey)
	if errors.Is(err, store.ErrConflict) {
		return nil, false, nil
	}
	return w, applied, err
}

func (s *Store) creditLocked(userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	if dedupKey != "" && s.dedupKeys[dedupKey] {
		return nil, false, store.ErrConflict
	}
	w, ok := s.wallets[userID]
	if !ok {
		created, _, err := s.createWalletIfAbsentLocked(userID, 0, txnType, description)
		if err != nil {
			return nil, false, err
		}
		w = s.wallets[created.UserID]
	}
	if err := s.appendTransactionLocked(w.ID, amount, model.DirectionAdd, txnType, description, dedupKey); err != nil {
		return nil, false, err
	}
	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	clone := *w
	return &clone, true, nil
}

func (s *Store) DebitWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if w.Balance < amount {
		return nil, &store.InsufficientBalanceError{Balance: w.Balance}
	}
	if err := s.appendTransactionLocked(w.ID, amount, model.DirectionSubtract, txnType, description, ""); err != nil {
		return nil, err
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now().UTC()
	clone := *w
	return &clone, nil
}

func (s *Store) appendTransactionLocked(walletID string, amount int64, direction model.Direction, txnType model.TransactionType, description, dedupKey string) error {
	id, err := idgen.Generate(idgen.PrefixTransaction)
	if err != nil {
		return err
	}
	s.transactions = append(s.transactions, &model.WalletTransaction{
		ID:          id,
		WalletID:    walletID,
		Amount:      amount,
		Direction:   direction,
		Type:        txnType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	if dedupKey != "" {
		s.dedupKeys[dedupKey] = true
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *w
	return &clone, nil
}

func (s *Store) ListWalletTransactions(ctx context.Context, walletID string) ([]*model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WalletTransaction
	for _, t := range s.transactions {
		if t.WalletID == walletID {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		clone := *w
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) ListAllTransactions(ctx context.Context) ([]*model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WalletTransaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		clone := *t
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) InsertPayment(ctx context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range s.payments {
		if existing.UserID == p.UserID && existing.PaymentType == p.PaymentType && existing.Status == model.PaymentUnpaid {
			return store.ErrConflict
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	clone := *p
	s.payments[p.ID] = &clone
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *Store) FindUnpaidPayment(ctx context.Context, userID string, t model.PaymentType) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.UserID == userID && p.PaymentType == t && p.Status == model.PaymentUnpaid {
			clone := *p
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RefreshPayment(ctx context.Context, id string, amount int64, expiresAt time.Time, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != model.PaymentUnpaid {
		return store.ErrNotFound
	}
	p.Amount = amount
	p.ExpiresAt = expiresAt
	p.Reference = reference
	return nil
}

func (s *Store) MarkPaymentPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != model.PaymentUnpaid || !p.ExpiresAt.After(paidAt) {
		return false, nil
	}
	p.Status = model.PaymentPaid
	t := paidAt
	p.PaidAt = &t
	return true, nil
}

func (s *Store) CancelPayment(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.UserID != userID || p.Status != model.PaymentUnpaid {
		return store.ErrNotFound
	}
	p.Status = model.PaymentCanceled
	return nil
}

func (s *Store) MarkOverduePayments(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.payments {
		if p.Status == model.PaymentUnpaid && !p.ExpiresAt.After(now) {
			p.Status = model.PaymentOverdue
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sub
	s.subscriptions[sub.UserID] = &clone
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *sub
	return &clone, nil
}

func (s *Store) SetSubscriptionActive(ctx context.Context, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return store.ErrNotFound
	}
	sub.IsActive = active
	return nil
}

// RunInTransaction runs fn against a delegating view. There is no real
// transaction scope here; each operation commits immediately.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(&txView{s: s})
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// txView delegates to the parent store.
type txView struct {
	s *Store
}

var _ store.Store = (*txView)(nil)

func (v *txView) CreateWalletIfAbsent(ctx context.Context, userID string, initialBalance int64, txnType model.TransactionType, description string) (*model.Wallet, bool, error) {
	return v.s.CreateWalletIfAbsent(ctx, userID, initialBalance, txnType, description)
}

func (v *txView) CreditWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	return v.s.CreditWallet(ctx, userID, amount, txnType, description)
}

func (v *txView) CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	return v.s.CreditWalletOnce(ctx, userID, amount, txnType, description, dedupKey)
}

func (v *txView) DebitWallet(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description string) (*model.Wallet, error) {
	return v.s.DebitWallet(ctx, userID, amount, txnType, description)
}

func (v *txView) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return v.s.GetWallet(ctx, userID)
}

func (v *txView) ListWalletTransactions(ctx context.Context, walletID string) ([]*model.WalletTransaction, error) {
	return v.s.ListWalletTransactions(ctx, walletID)
}

func (v *txView) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	return v.s.ListWallets(ctx)
}

func (v *txView) ListAllTransactions(ctx context.Context) ([]*model.WalletTransaction, error) {
	return v.s.ListAllTransactions(ctx)
}

func (v *txView) InsertPayment(ctx context.Context, p *model.Payment) error {
	return v.s.InsertPayment(ctx, p)
}

func (v *txView) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return v.s.GetPayment(ctx, id)
}

func (v *txView) FindUnpaidPayment(ctx context.Context, userID string, t model.PaymentType) (*model.Payment, error) {
	return v.s.FindUnpaidPayment(ctx, userID, t)
}

func (v *txView) RefreshPayment(ctx context.Context, id string, amount int64, expiresAt time.Time, reference string) error {
	return v.s.RefreshPayment(ctx, id, amount, expiresAt, reference)
}

func (v *txView) MarkPaymentPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	return v.s.MarkPaymentPaid(ctx, id, paidAt)
}

func (v *txView) CancelPayment(ctx context.Context, id, userID string) error {
	return v.s.CancelPayment(ctx, id, userID)
}

func (v *txView) MarkOverduePayments(ctx context.Context, now time.Time) (int64, error) {
	return v.s.MarkOverduePayments(ctx, now)
}

func (v *txView) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	return v.s.UpsertSubscription(ctx, sub)
}

func (v *txView) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	return v.s.GetSubscription(ctx, userID)
}

func (v *txView) SetSubscriptionActive(ctx context.Context, userID string, active bool) error {
	return v.s.SetSubscriptionActive(ctx, userID, active)
}

func (v *txView) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(v)
}

func (v *txView) Close() error { return nil }
