// Package consumer registers this service's fact handlers on the bus
// dispatcher. Handlers are idempotent: facts may be redelivered and may
// arrive out of order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/model"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/store"
)

// Consumer holds the handler dependencies.
type Consumer struct {
	ledger  *ledger.Service
	store   store.Store
	pricing pricing.Table
	logger  *slog.Logger
}

// New creates the fact consumer.
func New(led *ledger.Service, st store.Store, table pricing.Table, logger *slog.Logger) *Consumer {
	return &Consumer{ledger: led, store: st, pricing: table, logger: logger}
}

// Register wires the handlers into the dispatcher and binds the source
// subjects this service listens on.
func (c *Consumer) Register(d *events.Dispatcher) error {
	events.Register(d, c.onUserCreated)
	events.Register(d, c.onPaymentSucceeded)
	events.Register(d, c.onSubscriptionActivated)
	events.Register(d, c.onSubscriptionExpired)

	for _, pattern := range []string{
		events.ServiceIdentity + ".>",
		events.ServiceBilling + ".>",
	} {
		if err := d.Bind(pattern); err != nil {
			return fmt.Errorf("bind %s: %w", pattern, err)
		}
	}
	return nil
}

// onUserCreated provisions a wallet with the welcome bonus. Redeliveries
// find the wallet and do nothing.
func (c *Consumer) onUserCreated(ctx context.Context, env events.Envelope, fact events.UserCreated) error {
	if fact.UserID == "" {
		return fmt.Errorf("user.created fact carries no user id (correlation %s)", env.CorrelationID)
	}
	_, err := c.ledger.Provision(ctx, fact.UserID)
	return err
}

// onPaymentSucceeded applies a cross-service payment credit keyed by
// payment id. The reconciler emits this fact after settling a payment it
// processed itself, in which case the dedup key makes this a no-op; the
// fact matters for payments settled by other billing deployments.
func (c *Consumer) onPaymentSucceeded(ctx context.Context, env events.Envelope, fact events.PaymentSucceeded) error {
	if fact.PaymentID == "" || fact.UserID == "" {
		return fmt.Errorf("payment.success fact missing ids (correlation %s)", env.CorrelationID)
	}
	p, err := c.store.GetPayment(ctx, fact.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not our payment row; another service owns its settlement.
			c.logger.Info("payment.success for foreign payment ignored", "payment_id", fact.PaymentID)
			return nil
		}
		return err
	}
	if p.PaymentType != model.PaymentCredits {
		return nil
	}
	_, _, err = c.ledger.CreditOnce(ctx, fact.UserID, c.pricing.CreditsFor(fact.Amount), model.TxnCreditPurchase,
		fmt.Sprintf("payment %s", fact.PaymentID), fact.PaymentID)
	return err
}

// onSubscriptionActivated flips the subscription row active.
func (c *Consumer) onSubscriptionActivated(ctx context.Context, _ events.Envelope, fact events.SubscriptionActivated) error {
	err := c.store.SetSubscriptionActive(ctx, fact.UserID, true)
	if errors.Is(err, store.ErrNotFound) {
		// Activation for a row another instance has not written yet; the
		// redelivery will find it.
		return fmt.Errorf("subscription row for %s not found yet", fact.UserID)
	}
	return err
}

// onSubscriptionExpired flips the subscription row inactive. An unknown
// user is acked: there is nothing to deactivate.
func (c *Consumer) onSubscriptionExpired(ctx context.Context, _ events.Envelope, fact events.SubscriptionExpired) error {
	err := c.store.SetSubscriptionActive(ctx, fact.UserID, false)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Info("subscription.expired for unknown user ignored", "user_id", fact.UserID)
		return nil
	}
	return err
}
