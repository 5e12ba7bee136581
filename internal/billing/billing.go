// Package billing owns the payment lifecycle: issuing payable references
// through the gateway, reconciling webhook confirmations against pending
// payments, and activating subscriptions on confirmed payments.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/gateway"
	"github.com/cychipo/examio-be-sub003/internal/idgen"
	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/metrics"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// narrationPattern extracts the payment id a bank transfer narration
// carries behind the FAYEDU marker. Matching is case-insensitive because
// banks normalize narration text unpredictably.
var narrationPattern = regexp.MustCompile(`(?i)fayedu([A-Za-z0-9_-]+)`)

// defaultPaymentTTL is how long a pending payment stays payable.
const defaultPaymentTTL = 10 * time.Minute

// ErrUnknownPlan is returned when a subscription descriptor names a
// tier/cycle combination absent from the price table.
var ErrUnknownPlan = errors.New("unknown subscription plan")

// Outcome classifies a reconciliation attempt. Everything except
// OutcomeHandled is a no-op for the ledger.
type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeExpired   Outcome = "expired"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports what a reconciliation attempt did.
type Result struct {
	Outcome   Outcome
	PaymentID string
}

// Descriptor selects what a payment buys: a credit quantity, or a
// subscription tier and cycle. Exactly one of the two halves is set,
// matching the payment type.
type Descriptor struct {
	CreditQty int64
	Tier      model.Tier
	Cycle     model.BillingCycle
}

// Service drives payments and subscriptions. It owns the Payment and
// Subscription rows and touches wallet state only through the ledger.
type Service struct {
	store   store.Store
	ledger  *ledger.Service
	gateway gateway.Client
	bus     events.Publisher
	pricing pricing.Table
	logger  *slog.Logger
	ttl     time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithPaymentTTL overrides how long a pending payment stays payable.
func WithPaymentTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// New creates a billing service.
func New(st store.Store, led *ledger.Service, gw gateway.Client, bus events.Publisher, table pricing.Table, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		ledger:  led,
		gateway: gw,
		bus:     bus,
		pricing: table,
		logger:  logger,
		ttl:     defaultPaymentTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePayment resolves the amount from the price table and returns a
// payable payment. An unexpired UNPAID payment of the same (user, type) is
// reused: same id, refreshed amount and expiry when the amount changed. The
// gateway reference is issued before anything is written, so a gateway
// failure leaves no row behind and no row ever lacks a reference.
func (s *Service) CreatePayment(ctx context.Context, userID string, paymentType model.PaymentType, desc Descriptor) (*model.Payment, error) {
	amount, err := s.resolveAmount(paymentType, desc)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	existing, err := s.store.FindUnpaidPayment(ctx, userID, paymentType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find unpaid payment: %w", err)
	}
	if err == nil {
		return s.reusePayment(ctx, existing, amount, now)
	}

	id, err := idgen.Generate(idgen.PrefixPayment)
	if err != nil {
		return nil, err
	}
	ref, err := s.gateway.IssueReference(ctx, id, amount, s.pricing.Currency)
	if err != nil {
		return nil, err
	}
	p := &model.Payment{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Currency:    s.pricing.Currency,
		Status:      model.PaymentUnpaid,
		PaymentType: paymentType,
		Reference:   ref.QRPayload,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.InsertPayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race against a concurrent create; hand back the winner.
			return s.store.FindUnpaidPayment(ctx, userID, paymentType)
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	s.logger.Info("payment created", "payment_id", p.ID, "user_id", userID, "type", paymentType, "amount", amount)
	return p, nil
}

// reusePayment reissues the QR reference for an existing UNPAID payment,
// resetting amount and expiry when the amount changed or the row expired.
func (s *Service) reusePayment(ctx context.Context, p *model.Payment, amount int64, now time.Time) (*model.Payment, error) {
	ref, err := s.gateway.IssueReference(ctx, p.ID, amount, p.Currency)
	if err != nil {
		return nil, err
	}

	expiresAt := p.ExpiresAt
	if amount != p.Amount || p.Expired(now) {
		expiresAt = now.Add(s.ttl)
	}
	if err := s.store.RefreshPayment(ctx, p.ID, amount, expiresAt, ref.QRPayload); err != nil {
		return nil, fmt.Errorf("refresh payment %s: %w", p.ID, err)
	}
	s.logger.Info("payment reused", "payment_id", p.ID, "user_id", p.UserID, "amount", amount)

	updated := *p
	updated.Amount = amount
	updated.ExpiresAt = expiresAt
	updated.Reference = ref.QRPayload
	return &updated, nil
}

func (s *Service) resolveAmount(paymentType model.PaymentType, desc Descriptor) (int64, error) {
	switch paymentType {
	case model.PaymentCredits:
		if desc.CreditQty <= 0 {
			return 0, fmt.Errorf("credit quantity must be positive, got %d", desc.CreditQty)
		}
		return s.pricing.CreditsAmount(desc.CreditQty), nil
	case model.PaymentSubscription:
		plan, ok := s.pricing.PlanFor(desc.Tier, desc.Cycle)
		if !ok {
			return 0, fmt.Errorf("%w: %s/%s", ErrUnknownPlan, desc.Tier, desc.Cycle)
		}
		return plan.Price, nil
	default:
		return 0, fmt.Errorf("unknown payment type %q", paymentType)
	}
}

// Reconcile maps a webhook's transfer narration to a pending payment and
// applies its effects exactly once. Unknown, already-PAID, and expired
// payments are reported as non-handled outcomes without error so the
// webhook endpoint can acknowledge the delivery; only genuine processing
// failures (store, ledger) return an error and make the gateway retry.
func (s *Service) Reconcile(ctx context.Context, narration string, paidAmount int64, paidAt time.Time) (*Result, error) {
	result, err := s.reconcile(ctx, narration, paidAmount, paidAt)
	if err == nil {
		metrics.WebhookReconciliations.WithLabelValues(string(result.Outcome)).Inc()
	}
	return result, err
}

func (s *Service) reconcile(ctx context.Context, narration string, paidAmount int64, paidAt time.Time) (*Result, error) {
	m := narrationPattern.FindStringSubmatch(narration)
	if m == nil {
		s.logger.Warn("narration carries no payment marker", "narration", narration)
		return &Result{Outcome: OutcomeUnmatched}, nil
	}
	paymentID := m[1]

	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("narration names unknown payment", "payment_id", paymentID)
		return &Result{Outcome: OutcomeUnmatched, PaymentID: paymentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	if p.Status != model.PaymentUnpaid {
		// Webhook redelivery for a settled payment; the first delivery
		// already credited the wallet.
		s.logger.Info("payment already settled", "payment_id", p.ID, "status", p.Status)
		return &Result{Outcome: OutcomeDuplicate, PaymentID: p.ID}, nil
	}
	if p.Expired(paidAt) {
		s.logger.Warn("late webhook for expired payment rejected", "payment_id", p.ID, "expired_at", p.ExpiresAt)
		return &Result{Outcome: OutcomeExpired, PaymentID: p.ID}, nil
	}

	// For subscriptions the plan must resolve before the status flip; an
	// unresolvable amount must leave the payment payable.
	var plan pricing.Plan
	if p.PaymentType == model.PaymentSubscription {
		var ok bool
		plan, ok = s.pricing.ResolveTier(paidAmount)
		if !ok {
			s.logger.Warn("paid amount resolves to no plan", "payment_id", p.ID, "paid_amount", paidAmount)
			return &Result{Outcome: OutcomeUnmatched, PaymentID: p.ID}, nil
		}
	}

	// Settlement runs BEFORE the status flip. Both settle paths are
	// idempotent under the payment id as dedup key, so a transient
	// failure here leaves the payment UNPAID and the gateway's retry
	// completes the settlement; flipping first would strand the money
	// behind a PAID row the retry reports as a duplicate.
	switch p.PaymentType {
	case model.PaymentCredits:
		if err := s.settleCredits(ctx, p); err != nil {
			return nil, err
		}
	case model.PaymentSubscription:
		if err := s.settleSubscription(ctx, p, plan, paidAt); err != nil {
			return nil, err
		}
	}

	matched, err := s.store.MarkPaymentPaid(ctx, p.ID, paidAt)
	if err != nil {
		return nil, fmt.Errorf("mark payment %s paid: %w", p.ID, err)
	}
	if !matched {
		// A concurrent delivery settled and flipped first; its credit and
		// ours were the same dedup-keyed operation.
		return &Result{Outcome: OutcomeDuplicate, PaymentID: p.ID}, nil
	}

	if err := s.bus.Publish(ctx, events.PaymentSucceeded{
		PaymentID: p.ID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}); err != nil {
		s.logger.Warn("publish payment.success failed", "payment_id", p.ID, "error", err)
	}
	return &Result{Outcome: OutcomeHandled, PaymentID: p.ID}, nil
}

func (s *Service) settleCredits(ctx context.Context, p *model.Payment) error {
	qty := s.pricing.CreditsFor(p.Amount)
	_, _, err := s.ledger.CreditOnce(ctx, p.UserID, qty, model.TxnCreditPurchase,
		fmt.Sprintf("purchase of %d credits", qty), p.ID)
	if err != nil {
		return fmt.Errorf("credit purchase for payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *Service) settleSubscription(ctx context.Context, p *model.Payment, plan pricing.Plan, paidAt time.Time) error {
	next := paidAt.AddDate(0, 1, 0)
	if plan.Cycle == model.CycleYearly {
		next = paidAt.AddDate(1, 0, 0)
	}
	sub := &model.Subscription{
		UserID:          p.UserID,
		Tier:            plan.Tier,
		BillingCycle:    plan.Cycle,
		IsActive:        true,
		LastPaymentDate: paidAt,
		NextPaymentDate: next,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription for %s: %w", p.UserID, err)
	}

	allotment := plan.CreditAllotment()
	_, _, err := s.ledger.CreditOnce(ctx, p.UserID, allotment, model.TxnSubscriptionCredit,
		fmt.Sprintf("%s %s subscription credits", plan.Tier, plan.Cycle), p.ID)
	if err != nil {
		return fmt.Errorf("subscription credits for payment %s: %w", p.ID, err)
	}

	s.logger.Info("subscription activated", "user_id", p.UserID, "tier", plan.Tier, "cycle", plan.Cycle, "credits", allotment)
	if err := s.bus.Publish(ctx, events.SubscriptionActivated{
		UserID:       p.UserID,
		Tier:         string(plan.Tier),
		BillingCycle: string(plan.Cycle),
	}); err != nil {
		s.logger.Warn("publish subscription.activated failed", "user_id", p.UserID, "error", err)
	}
	return nil
}

// CancelPayment voids a pending payment by user action. Only the owner can
// cancel, and only while the payment is still UNPAID.
func (s *Service) CancelPayment(ctx context.Context, userID, paymentID string) error {
	if err := s.store.CancelPayment(ctx, paymentID, userID); err != nil {
		return err
	}
	s.logger.Info("payment canceled", "payment_id", paymentID, "user_id", userID)
	return nil
}

// GetPayment returns a payment row.
func (s *Service) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetSubscription returns the user's subscription row.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	return s.store.GetSubscription(ctx, userID)
}

// SweepOverdue flips UNPAID payments whose expiry has passed to OVERDUE.
// Reconcile re-validates expiry on its own, so the sweep is bookkeeping,
// not a correctness requirement.
func (s *Service) SweepOverdue(ctx context.Context) (int64, error) {
	n, err := s.store.MarkOverduePayments(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark overdue payments: %w", err)
	}
	if n > 0 {
		s.logger.Info("overdue payments swept", "count", n)
	}
	return n, nil
}
