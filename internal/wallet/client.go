// Package wallet calls the stored-value balance service used by wallet-funded orders.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finitefield.org/order-engine/internal/services"
)

const (
	defaultTimeout    = 5 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 2048
)

// ErrNotConfigured is returned when the client has no base URL.
var ErrNotConfigured = errors.New("wallet: base url is not configured")

// StatusError reports a non-2xx response from the wallet service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wallet: %s status %d: %s", e.Op, e.Status, e.Body)
}

// Config configures the wallet client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues freeze, debit and revert calls against the wallet service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ services.WalletClient = (*Client)(nil)

// NewClient constructs a wallet client. Outbound requests carry trace context.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("wallet: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    httpClient,
	}, nil
}

type walletRequest struct {
	TenantID string `json:"tenantId"`
	StoreID  string `json:"storeId"`
	OrderID  string `json:"orderId"`
	UserID   string `json:"userId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paymentPayload struct {
	TradeNo string `json:"tradeNo"`
	PaidAt  string `json:"paidAt"`
}

// ReleaseFreeze returns a held balance to the user.
func (c *Client) ReleaseFreeze(ctx context.Context, req services.WalletRequest) error {
	return c.post(ctx, "release freeze", []string{"v1", "freezes", "release"}, req, nil)
}

// RevertPayment credits a refunded wallet payment back to the user.
func (c *Client) RevertPayment(ctx context.Context, req services.WalletRequest) error {
	return c.post(ctx, "revert payment", []string{"v1", "payments", "revert"}, req, nil)
}

// PayWithWallet debits the order amount from the user's balance.
func (c *Client) PayWithWallet(ctx context.Context, req services.WalletRequest) (services.WalletPayment, error) {
	var payload paymentPayload
	if err := c.post(ctx, "pay", []string{"v1", "payments"}, req, &payload); err != nil {
		return services.WalletPayment{}, err
	}
	tradeNo := strings.TrimSpace(payload.TradeNo)
	if tradeNo == "" {
		return services.WalletPayment{}, errors.New("wallet: pay response is missing tradeNo")
	}
	return services.WalletPayment{TradeNo: tradeNo, PaidAt: parseTime(payload.PaidAt)}, nil
}

func (c *Client) post(ctx context.Context, op string, path []string, req services.WalletRequest, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}
	endpoint, err := url.JoinPath(c.baseURL, path...)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(walletRequest{
		TenantID: req.TenantID,
		StoreID:  req.StoreID,
		OrderID:  req.OrderID,
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(req.RequestID); key != "" {
		httpReq.Header.Set(idempotencyHeader, key)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("wallet: %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: drainError(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wallet: decode %s response: %w", op, err)
	}
	return nil
}

func drainError(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return strings.TrimSpace(string(data))
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
