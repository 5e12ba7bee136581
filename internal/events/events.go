// Package events defines the fact envelope, the closed registry of fact
// types carried on the bus, and the publisher/dispatcher that move them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ErrBrokerUnavailable wraps any failure to reach the message broker.
// Callers must not swallow it: the originating business operation decides
// whether to retry or fail.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// FactType identifies a kind of domain fact. The registry is closed and
// versioned: adding a type is additive, renames are breaking and forbidden.
type FactType string

const (
	FactUserCreated           FactType = "user.created"
	FactPaymentSuccess        FactType = "payment.success"
	FactSubscriptionActivated FactType = "subscription.activated"
	FactSubscriptionExpired   FactType = "subscription.expired"
	FactWalletCreated         FactType = "wallet.created"
)

// Source service names used in routing keys.
const (
	ServiceIdentity = "identity"
	ServiceBilling  = "billing"
	ServiceExam     = "exam"
)

// Topic builds the routing key for a fact: "<sourceService>.<factType>".
func Topic(sourceService string, t FactType) string {
	return sourceService + "." + string(t)
}

// Payload is implemented by every fact body. Each FactType has exactly one
// payload struct, so a handler registered for a type can only receive a
// well-typed body matching it.
type Payload interface {
	Fact() FactType
}

// UserCreated is emitted by the identity service when a user registers.
type UserCreated struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

func (UserCreated) Fact() FactType { return FactUserCreated }

// PaymentSucceeded is emitted by the billing service after a payment is
// reconciled. The payment ID is the deduplication key for consumers.
type PaymentSucceeded struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (PaymentSucceeded) Fact() FactType { return FactPaymentSuccess }

// SubscriptionActivated is emitted when a subscription payment confirms.
type SubscriptionActivated struct {
	UserID       string `json:"user_id"`
	Tier         string `json:"tier"`
	BillingCycle string `json:"billing_cycle"`
}

func (SubscriptionActivated) Fact() FactType { return FactSubscriptionActivated }

// SubscriptionExpired is emitted when a subscription lapses.
type SubscriptionExpired struct {
	UserID string `json:"user_id"`
}

func (SubscriptionExpired) Fact() FactType { return FactSubscriptionExpired }

// WalletCreated is emitted by this service when a wallet is provisioned.
type WalletCreated struct {
	WalletID string `json:"wallet_id"`
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
}

func (WalletCreated) Fact() FactType { return FactWalletCreated }

// Envelope is the wire shape of a fact. Immutable once published. Identity
// for deduplication is (type, payload key fields), not the correlation ID:
// a re-published fact keeps its semantic content but may get a fresh
// correlation ID.
type Envelope struct {
	Type          FactType        `json:"type"`
	Timestamp     int64           `json:"timestamp"` // unix milliseconds
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	SourceService string          `json:"source_service"`
}

// NewEnvelope wraps a payload, stamping the current time and generating a
// correlation ID when none is supplied.
func NewEnvelope(sourceService string, p Payload, correlationID string) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", p.Fact(), err)
	}
	if correlationID == "" {
		correlationID, err = nanoid.New()
		if err != nil {
			return Envelope{}, fmt.Errorf("generating correlation id: %w", err)
		}
	}
	return Envelope{
		Type:          p.Fact(),
		Timestamp:     time.Now().UnixMilli(),
		Payload:       data,
		CorrelationID: correlationID,
		SourceService: sourceService,
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Subject returns the routing key this envelope is published under.
func (e Envelope) Subject() string {
	return Topic(e.SourceService, e.Type)
}

// Publisher is the interface for announcing facts to the bus.
type Publisher interface {
	// Publish wraps the payload in an envelope and hands it to the broker.
	// A broker failure is returned (wrapping ErrBrokerUnavailable), never
	// swallowed.
	Publish(ctx context.Context, p Payload) error
	Close() error
}
