package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/gateway"
	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/store"
	"github.com/cychipo/examio-be-sub003/internal/store/memory"
)

// fakeGateway issues a fresh reference per call, or fails on demand.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (g *fakeGateway) IssueReference(_ context.Context, paymentID string, amount int64, currency string) (*gateway.Reference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return nil, gateway.ErrGatewayUnavailable
	}
	g.calls += 1
	return &gateway.Reference{
		Reference: fmt.Sprintf("ref-%d", g.calls),
		QRPayload: fmt.Sprintf("qr-%s-%d", paymentID, g.calls),
	}, nil
}

// capturePublisher records every published payload.
type capturePublisher struct {
	mu        sync.Mutex
	published []events.Payload
}

func (p *capturePublisher) Publish(_ context.Context, payload events.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, payload)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) facts() []events.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Payload(nil), p.published...)
}

type testEnv struct {
	billing *Service
	ledger  *ledger.Service
	store   *memory.Store
	gateway *fakeGateway
	bus     *capturePublisher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := memory.New()
	return newTestEnvWithStore(t, st, st, opts...)
}

// newTestEnvWithStore lets a test put a misbehaving store.Store in front of
// the billing and ledger services while keeping the backing memory store
// reachable for assertions.
func newTestEnvWithStore(t *testing.T, st store.Store, backing *memory.Store, opts ...Option) *testEnv {
	t.Helper()
	bus := &capturePublisher{}
	gw := &fakeGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(st, bus, pricing.Default(), logger)
	return &testEnv{
		billing: New(st, led, gw, bus, pricing.Default(), logger, opts...),
		ledger:  led,
		store:   backing,
		gateway: gw,
		bus:     bus,
	}
}

func TestCreatePayment_Credits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Amount != 10000 {
		t.Fatalf("got amount=%d, want 10000", p.Amount)
	}
	if p.Status != model.PaymentUnpaid {
		t.Fatalf("got status=%q, want UNPAID", p.Status)
	}
	if p.Reference == "" {
		t.Fatal("payment has no payable reference")
	}
	if !p.ExpiresAt.After(time.Now()) {
		t.Fatalf("expires_at %v not in the future", p.ExpiresAt)
	}
}

func TestCreatePayment_ReusesUnpaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Same amount before expiry: identical payment id, expiry untouched.
	second, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected reuse of %q, got %q", first.ID, second.ID)
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("expiry changed on unchanged reuse: %v vs %v", second.ExpiresAt, first.ExpiresAt)
	}

	// Changed quantity: same id, refreshed amount and expiry.
	third, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 20})
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	if third.ID != first.ID {
		t.Fatalf("expected reuse of %q, got %q", first.ID, third.ID)
	}
	if third.Amount != 20000 {
		t.Fatalf("got amount=%d, want 20000", third.Amount)
	}
	if !third.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expiry not refreshed: %v vs %v", third.ExpiresAt, first.ExpiresAt)
	}

	// A separate payment type is not folded into the credits one.
	sub, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierBasic, Cycle: model.CycleMonthly})
	if err != nil {
		t.Fatalf("subscription create: %v", err)
	}
	if sub.ID == first.ID {
		t.Fatal("subscription payment reused the credits payment row")
	}
}

func TestCreatePayment_GatewayFailureLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.fail = true
	ctx := context.Background()

	_, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if !errors.Is(err, gateway.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if _, err := env.store.FindUnpaidPayment(ctx, "user-1", model.PaymentCredits); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no payment row, got %v", err)
	}
}

func TestCreatePayment_UnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.billing.CreatePayment(context.Background(), "user-1", model.PaymentSubscription, Descriptor{Tier: "platinum", Cycle: model.CycleMonthly})
	if !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestReconcile_CreditsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	res, err := env.billing.Reconcile(ctx, "TRF FAYEDU"+p.ID+" VIA BANK", p.Amount, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeHandled || res.PaymentID != p.ID {
		t.Fatalf("got outcome=%q payment=%q", res.Outcome, res.PaymentID)
	}

	balance, err := env.ledger.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("got balance=%d, want 10 credits", balance)
	}

	settled, err := env.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if settled.Status != model.PaymentPaid || settled.PaidAt == nil {
		t.Fatalf("got status=%q paid_at=%v", settled.Status, settled.PaidAt)
	}
}

func TestReconcile_MarkerIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 5})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	res, err := env.billing.Reconcile(ctx, "fayedu"+p.ID, p.Amount, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeHandled {
		t.Fatalf("got outcome=%q, want handled", res.Outcome)
	}
}

func TestReconcile_IdempotentOnRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	narration := "FAYEDU" + p.ID
	now := time.Now().UTC()

	if res, err := env.billing.Reconcile(ctx, narration, p.Amount, now); err != nil || res.Outcome != OutcomeHandled {
		t.Fatalf("first delivery: outcome=%v err=%v", res, err)
	}
	res, err := env.billing.Reconcile(ctx, narration, p.Amount, now)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("got outcome=%q, want duplicate", res.Outcome)
	}

	balance, err := env.ledger.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("got balance=%d after redelivery, want 10", balance)
	}
}

// flakyStore fails a bounded number of CreditWalletOnce calls before
// delegating, standing in for a transient database outage mid-settlement.
type flakyStore struct {
	store.Store
	creditOnceFailures int
}

func (f *flakyStore) CreditWalletOnce(ctx context.Context, userID string, amount int64, txnType model.TransactionType, description, dedupKey string) (*model.Wallet, bool, error) {
	if f.creditOnceFailures > 0 {
		f.creditOnceFailures--
		return nil, false, errors.New("connection reset")
	}
	return f.Store.CreditWalletOnce(ctx, userID, amount, txnType, description, dedupKey)
}

func TestReconcile_SettleFailureLeavesPaymentPayable(t *testing.T) {
	backing := memory.New()
	env := newTestEnvWithStore(t, &flakyStore{Store: backing, creditOnceFailures: 1}, backing)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	narration := "FAYEDU" + p.ID
	now := time.Now().UTC()

	// The first delivery loses its credit to the outage. The payment must
	// stay payable so the gateway's retry can finish the job.
	if _, err := env.billing.Reconcile(ctx, narration, p.Amount, now); err == nil {
		t.Fatal("expected the failed settlement to surface as an error")
	}
	pending, err := backing.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pending.Status != model.PaymentUnpaid {
		t.Fatalf("got status=%q after failed settlement, want UNPAID", pending.Status)
	}
	if _, err := env.ledger.Balance(ctx, "user-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got err=%v, want no wallet before settlement lands", err)
	}

	// The retry settles and flips the payment.
	res, err := env.billing.Reconcile(ctx, narration, p.Amount, now)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != OutcomeHandled {
		t.Fatalf("got outcome=%q on retry, want handled", res.Outcome)
	}
	balance, err := env.ledger.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("got balance=%d after retry, want 10", balance)
	}
	settled, err := backing.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if settled.Status != model.PaymentPaid {
		t.Fatalf("got status=%q after retry, want PAID", settled.Status)
	}
}

func TestReconcile_UnmatchedNarration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.billing.Reconcile(ctx, "no marker here", 60000, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeUnmatched {
		t.Fatalf("got outcome=%q, want unmatched", res.Outcome)
	}

	res, err = env.billing.Reconcile(ctx, "FAYEDUpay-nonexistent1", 60000, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeUnmatched {
		t.Fatalf("got outcome=%q for unknown payment, want unmatched", res.Outcome)
	}
}

func TestReconcile_RejectsExpiredPayment(t *testing.T) {
	env := newTestEnv(t, WithPaymentTTL(-time.Minute))
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, p.Amount, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeExpired {
		t.Fatalf("got outcome=%q, want expired", res.Outcome)
	}
	if _, err := env.ledger.Balance(ctx, "user-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("late webhook credited a wallet: %v", err)
	}
	stillUnpaid, err := env.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stillUnpaid.Status == model.PaymentPaid {
		t.Fatal("expired payment was marked PAID")
	}
}

func TestReconcile_SubscriptionBasicMonthly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierBasic, Cycle: model.CycleMonthly})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if p.Amount != 60000 {
		t.Fatalf("got amount=%d, want 60000", p.Amount)
	}

	paidAt := time.Now().UTC()
	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, 60000, paidAt)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeHandled {
		t.Fatalf("got outcome=%q, want handled", res.Outcome)
	}

	sub, err := env.store.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Tier != model.TierBasic || sub.BillingCycle != model.CycleMonthly || !sub.IsActive {
		t.Fatalf("got subscription %+v", sub)
	}
	if want := paidAt.AddDate(0, 1, 0); !sub.NextPaymentDate.Equal(want) {
		t.Fatalf("got next_payment_date=%v, want %v", sub.NextPaymentDate, want)
	}

	balance, err := env.ledger.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		t.Fatalf("got balance=%d, want basic monthly allotment 50", balance)
	}
}

func TestReconcile_ToleranceAbsorbsGatewayFees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierBasic, Cycle: model.CycleMonthly})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	// 58,900 is within 2% of the 60,000 basic-monthly price.
	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, 58900, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeHandled {
		t.Fatalf("got outcome=%q, want handled", res.Outcome)
	}
	sub, err := env.store.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Tier != model.TierBasic {
		t.Fatalf("got tier=%q, want basic", sub.Tier)
	}
}

func TestReconcile_TierTieBreakPrefersHigherTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 1,000,000 is both the advanced-yearly and the vip-monthly price.
	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierAdvanced, Cycle: model.CycleYearly})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, 1000000, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeHandled {
		t.Fatalf("got outcome=%q, want handled", res.Outcome)
	}

	sub, err := env.store.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Tier != model.TierVIP || sub.BillingCycle != model.CycleMonthly {
		t.Fatalf("got %s/%s, want vip/monthly", sub.Tier, sub.BillingCycle)
	}
	balance, err := env.ledger.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 300 {
		t.Fatalf("got balance=%d, want vip monthly allotment 300", balance)
	}
}

func TestReconcile_UnresolvableAmountLeavesPaymentPayable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierBasic, Cycle: model.CycleMonthly})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, 12345, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeUnmatched {
		t.Fatalf("got outcome=%q, want unmatched", res.Outcome)
	}
	still, err := env.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if still.Status != model.PaymentUnpaid {
		t.Fatalf("got status=%q, want UNPAID", still.Status)
	}
}

func TestReconcile_PublishesFacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentSubscription, Descriptor{Tier: model.TierVIP, Cycle: model.CycleMonthly})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if _, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, p.Amount, time.Now().UTC()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var gotActivated, gotSucceeded bool
	for _, f := range env.bus.facts() {
		switch fact := f.(type) {
		case events.SubscriptionActivated:
			gotActivated = true
			if fact.Tier != "vip" || fact.BillingCycle != "monthly" {
				t.Errorf("got activation fact %+v", fact)
			}
		case events.PaymentSucceeded:
			gotSucceeded = true
			if fact.PaymentID != p.ID || fact.UserID != "user-1" {
				t.Errorf("got payment fact %+v", fact)
			}
		}
	}
	if !gotActivated || !gotSucceeded {
		t.Fatalf("missing facts: activated=%v succeeded=%v", gotActivated, gotSucceeded)
	}
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	// Another user cannot cancel it.
	if err := env.billing.CancelPayment(ctx, "user-2", p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound for foreign cancel, got %v", err)
	}
	if err := env.billing.CancelPayment(ctx, "user-1", p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A webhook arriving after cancellation must not settle it.
	res, err := env.billing.Reconcile(ctx, "FAYEDU"+p.ID, p.Amount, time.Now().UTC())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome == OutcomeHandled {
		t.Fatal("canceled payment was reconciled")
	}
}

func TestSweepOverdue(t *testing.T) {
	env := newTestEnv(t, WithPaymentTTL(-time.Minute))
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	n, err := env.billing.SweepOverdue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d payments, want 1", n)
	}
	swept, err := env.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if swept.Status != model.PaymentOverdue {
		t.Fatalf("got status=%q, want OVERDUE", swept.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, WithPaymentTTL(-time.Minute))
	ctx := context.Background()

	p, err := env.billing.CreatePayment(ctx, "user-1", model.PaymentCredits, Descriptor{CreditQty: 10})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := NewSweeper(env.billing, time.Hour, logger)
	sw.Start()
	sw.Stop()

	// The initial sweep runs before Stop returns.
	swept, err := env.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if swept.Status != model.PaymentOverdue {
		t.Fatalf("got status=%q, want OVERDUE after initial sweep", swept.Status)
	}
}
