package consumer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/store/memory"
)

func newTestConsumer(t *testing.T) (*Consumer, *ledger.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(st, &events.NoopPublisher{}, pricing.Default(), logger)
	return New(led, st, pricing.Default(), logger), led, st
}

func TestOnUserCreated_ProvisionsOnce(t *testing.T) {
	c, led, _ := newTestConsumer(t)
	ctx := context.Background()
	fact := events.UserCreated{UserID: "user-1", Email: "u@example.com"}

	if err := c.onUserCreated(ctx, events.Envelope{}, fact); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same fact.
	if err := c.onUserCreated(ctx, events.Envelope{}, fact); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	balance, err := led.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 20 {
		t.Fatalf("got balance=%d, want single welcome bonus 20", balance)
	}
}

func TestOnUserCreated_RejectsEmptyUserID(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	if err := c.onUserCreated(context.Background(), events.Envelope{}, events.UserCreated{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestOnPaymentSucceeded_CreditsOnceByPaymentID(t *testing.T) {
	c, led, st := newTestConsumer(t)
	ctx := context.Background()

	p := &model.Payment{
		ID: "pay-evt1", UserID: "user-1", Amount: 10000, Currency: "IDR",
		Status: model.PaymentPaid, PaymentType: model.PaymentCredits,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := st.InsertPayment(ctx, p); err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	fact := events.PaymentSucceeded{PaymentID: "pay-evt1", UserID: "user-1", Amount: 10000, Currency: "IDR"}
	if err := c.onPaymentSucceeded(ctx, events.Envelope{}, fact); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := c.onPaymentSucceeded(ctx, events.Envelope{}, fact); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	balance, err := led.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("got balance=%d, want 10 credited exactly once", balance)
	}
}

func TestOnPaymentSucceeded_IgnoresForeignPayment(t *testing.T) {
	c, led, _ := newTestConsumer(t)
	ctx := context.Background()

	fact := events.PaymentSucceeded{PaymentID: "pay-foreign1", UserID: "user-1", Amount: 10000}
	if err := c.onPaymentSucceeded(ctx, events.Envelope{}, fact); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := led.Balance(ctx, "user-1"); err == nil {
		t.Fatal("foreign payment fact must not create a wallet")
	}
}

func TestOnSubscriptionLifecycle(t *testing.T) {
	c, _, st := newTestConsumer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &model.Subscription{
		UserID: "user-1", Tier: model.TierBasic, BillingCycle: model.CycleMonthly,
		IsActive: false, LastPaymentDate: now, NextPaymentDate: now.AddDate(0, 1, 0),
	}
	if err := st.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	if err := c.onSubscriptionActivated(ctx, events.Envelope{}, events.SubscriptionActivated{UserID: "user-1", Tier: "basic", BillingCycle: "monthly"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := st.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !got.IsActive {
		t.Fatal("subscription not activated")
	}

	if err := c.onSubscriptionExpired(ctx, events.Envelope{}, events.SubscriptionExpired{UserID: "user-1"}); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err = st.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.IsActive {
		t.Fatal("subscription not deactivated")
	}
}

func TestOnSubscriptionActivated_RetriesUnknownRow(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	err := c.onSubscriptionActivated(context.Background(), events.Envelope{}, events.SubscriptionActivated{UserID: "ghost"})
	if err == nil {
		t.Fatal("expected error so the delivery is retried")
	}
}

func TestOnSubscriptionExpired_UnknownUserIsAcked(t *testing.T) {
	c, _, _ := newTestConsumer(t)
	if err := c.onSubscriptionExpired(context.Background(), events.Envelope{}, events.SubscriptionExpired{UserID: "ghost"}); err != nil {
		t.Fatalf("expected nil for unknown user, got %v", err)
	}
}
