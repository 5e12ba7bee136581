package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// HTTPClient implements ExamioClient using the HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Payments ---

func (c *HTTPClient) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*model.Payment, error) {
	var payment model.Payment
	if err := c.doJSON(ctx, http.MethodPost, "/v1/payments", req, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *HTTPClient) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	var payment model.Payment
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *HTTPClient) CancelPayment(ctx context.Context, id, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.doJSON(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/cancel", body, nil)
}

// SubmitWebhook replays a gateway webhook delivery against the server.
func (c *HTTPClient) SubmitWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	var resp WebhookResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/webhooks/payment", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Wallets ---

func (c *HTTPClient) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var wallet model.Wallet
	if err := c.doJSON(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(userID), nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (c *HTTPClient) ListTransactions(ctx context.Context, userID string) (*TransactionsResponse, error) {
	var resp TransactionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(userID)+"/transactions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) CreditWallet(ctx context.Context, userID string, req *MutateWalletRequest) (*WalletMutationResponse, error) {
	var resp WalletMutationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/wallets/"+url.PathEscape(userID)+"/credit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) DebitWallet(ctx context.Context, userID string, req *MutateWalletRequest) (*WalletMutationResponse, error) {
	var resp WalletMutationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/wallets/"+url.PathEscape(userID)+"/debit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Subscriptions ---

func (c *HTTPClient) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(userID), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
