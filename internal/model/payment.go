package model

import "time"

// PaymentStatus is the lifecycle state of a payment request.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentOverdue  PaymentStatus = "OVERDUE"
	PaymentCanceled PaymentStatus = "CANCELED"
)

// PaymentType distinguishes what a payment buys.
type PaymentType string

const (
	PaymentCredits      PaymentType = "credits"
	PaymentSubscription PaymentType = "subscription"
)

// Payment is a pending or settled payment request. At most one UNPAID
// payment per (user, type) exists at a time; a new request before expiry
// reuses the row, refreshing amount and expiry.
type Payment struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Amount      int64         `json:"amount"`
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	PaymentType PaymentType   `json:"payment_type"`
	Reference   string        `json:"reference,omitempty"` // payable QR payload from the gateway
	ExpiresAt   time.Time     `json:"expires_at"`
	CreatedAt   time.Time     `json:"created_at"`
	PaidAt      *time.Time    `json:"paid_at,omitempty"`
}

// Expired reports whether the payment's TTL has passed at the given instant.
func (p *Payment) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// Tier is a subscription level. Benefits are a pure function of tier,
// looked up from the price table, never persisted per user.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierAdvanced Tier = "advanced"
	TierVIP      Tier = "vip"
)

// Rank orders tiers for resolution tie-breaks (higher is better).
func (t Tier) Rank() int {
	switch t {
	case TierVIP:
		return 3
	case TierAdvanced:
		return 2
	case TierBasic:
		return 1
	}
	return 0
}

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Subscription is the per-user subscription state, upserted by the
// reconciler on confirmed subscription payments.
type Subscription struct {
	UserID          string       `json:"user_id"`
	Tier            Tier         `json:"tier"`
	BillingCycle    BillingCycle `json:"billing_cycle"`
	IsActive        bool         `json:"is_active"`
	LastPaymentDate time.Time    `json:"last_payment_date"`
	NextPaymentDate time.Time    `json:"next_payment_date"`
}
