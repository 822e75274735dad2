package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "finitefield.org/order-engine/internal/domain"
)

// Status enumerates the normalised refund states shared across providers.
type Status string

const (
	// StatusPending indicates the PSP accepted the refund and settles it asynchronously.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the refund as settled.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP declined the refund and no further action is possible.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// RefundRequest defines a PSP refund attempt.
type RefundRequest struct {
	IntentID       string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundOutcome normalises PSP specific refund fields.
type RefundOutcome struct {
	Provider      string
	RefundID      string
	Status        Status
	Amount        int64
	FailureReason string
}

// Accepted reports whether the PSP took the refund.
func (o RefundOutcome) Accepted() bool {
	return o.Status == StatusSucceeded || o.Status == StatusPending
}

// Provider defines the contract for refund adapters to implement.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) (RefundOutcome, error)
}

// Manager picks the refund provider for an order's pay channel. Every channel resolves to
// exactly one provider; there is no fallback, so a card refund can never settle through the
// wallet ledger when the card PSP is not configured.
type Manager struct {
	providers map[string]Provider
	routes    map[domain.PayChannel]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithRoute sends refunds for channel to the provider registered under key.
func WithRoute(channel domain.PayChannel, key string) ManagerOption {
	return func(m *Manager) {
		m.routes[domain.PayChannel(strings.ToUpper(strings.TrimSpace(string(channel))))] = normalizeKey(key)
	}
}

// NewManager registers providers by key. Cards route to Stripe and wallet payments to the
// ledger unless overridden with WithRoute.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		routes: map[domain.PayChannel]string{
			domain.PayChannelCard:   ProviderStripe,
			domain.PayChannelWallet: ProviderWallet,
		},
	}
	for k, v := range providers {
		key := normalizeKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		m.providers[key] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolve(channel domain.PayChannel) (string, Provider, error) {
	key, ok := m.routes[channel]
	if !ok {
		return "", nil, fmt.Errorf("%w: no route for channel %q", ErrUnsupportedProvider, channel)
	}
	provider, ok := m.providers[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s is not configured for channel %s", ErrUnsupportedProvider, key, channel)
	}
	return key, provider, nil
}

// Refund delegates to the provider routed for channel and stamps the outcome with its key.
func (m *Manager) Refund(ctx context.Context, channel domain.PayChannel, req RefundRequest) (RefundOutcome, error) {
	key, provider, err := m.resolve(channel)
	if err != nil {
		return RefundOutcome{}, err
	}
	outcome, err := provider.Refund(ctx, req)
	if err != nil {
		return RefundOutcome{}, fmt.Errorf("payments: %s refund: %w", key, err)
	}
	outcome.Provider = key
	return outcome, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
