// Package gateway talks to the external payment provider. The provider
// issues a QR reference for a pending payment; the money itself arrives
// later as a webhook carrying a bank-style narration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrGatewayUnavailable wraps transport-level failures reaching the provider.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

const defaultTimeout = 5 * time.Second

// Reference is the provider's response for a newly registered charge.
type Reference struct {
	Reference string `json:"reference"`
	QRPayload string `json:"qr_payload"`
}

// Client issues payment references against the provider's HTTP API.
type Client interface {
	IssueReference(ctx context.Context, paymentID string, amount int64, currency string) (*Reference, error)
}

type chargeRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	// Marker the payer's bank copies into the transfer narration; the
	// webhook reconciler matches on it.
	Narration string `json:"narration"`
}

type apiError struct {
	Message string `json:"message"`
}

// HTTPClient is the resty-backed Client.
type HTTPClient struct {
	http *resty.Client
}

var _ Client = (*HTTPClient)(nil)

// Option configures the HTTPClient.
type Option func(*HTTPClient)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.http.SetTimeout(d)
	}
}

// New creates a provider client for the given base URL.
func New(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultTimeout).
			SetHeader("Authorization", "Bearer "+apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IssueReference registers a charge with the provider and returns the QR
// reference the user pays against. The narration marker embeds the payment
// ID so the eventual webhook can be matched back to this charge.
func (c *HTTPClient) IssueReference(ctx context.Context, paymentID string, amount int64, currency string) (*Reference, error) {
	var (
		ref    Reference
		apiErr apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chargeRequest{
			PaymentID: paymentID,
			Amount:    amount,
			Currency:  currency,
			Narration: "FAYEDU" + paymentID,
		}).
		SetResult(&ref).
		SetError(&apiErr).
		Post("/v1/charges")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return nil, fmt.Errorf("gateway rejected charge %s: %s", paymentID, apiErr.Message)
		}
		return nil, fmt.Errorf("gateway rejected charge %s: status %d", paymentID, resp.StatusCode())
	}
	if ref.Reference == "" {
		return nil, fmt.Errorf("gateway returned empty reference for charge %s", paymentID)
	}
	return &ref, nil
}
