package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// ProviderStripe is the registration key of the card PSP.
	ProviderStripe = "stripe"

	stripeMetadataValueLimit = 500
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// stripeRefundAPI is the slice of the Stripe refunds client the provider calls.
type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeProviderConfig configures the StripeProvider. AccountID targets a connected account
// when the platform refunds on behalf of a store.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger

	refunds stripeRefundAPI
}

// StripeProvider refunds card payments through Stripe Payment Intents.
type StripeProvider struct {
	refunds stripeRefundAPI
	account string
	logger  StripeLogger
}

// NewStripeProvider builds a provider from an API key.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	refunds := cfg.refunds
	if refunds == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		refunds = client.New(apiKey, cfg.Backends).Refunds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		refunds: refunds,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// Refund creates a refund for the provided Payment Intent. The idempotency key is forwarded so
// a retried call after a lost response cannot refund twice on the PSP side.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundOutcome, error) {
	if strings.TrimSpace(req.IntentID) == "" {
		return RefundOutcome{Status: StatusFailed, FailureReason: "payment intent is unknown"}, nil
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Metadata = maps.Clone(req.Metadata)
	if note := strings.TrimSpace(req.Reason); note != "" && params.Reason == nil {
		if params.Metadata == nil {
			params.Metadata = map[string]string{}
		}
		params.Metadata["reason"] = clipRunes(note, stripeMetadataValueLimit)
	}

	refund, err := p.refunds.New(params)
	if err != nil {
		if declined, reason := stripeDeclined(err); declined {
			p.logger(ctx, "payments.stripe.refund.declined", map[string]any{
				"paymentIntent": req.IntentID,
				"reason":        reason,
			})
			return RefundOutcome{Status: StatusFailed, Amount: req.Amount, FailureReason: reason}, nil
		}
		return RefundOutcome{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}

	outcome := stripeRefundOutcome(refund)
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.IntentID,
		"refundId":      outcome.RefundID,
		"status":        string(outcome.Status),
	})
	return outcome, nil
}

func stripeRefundOutcome(refund *stripe.Refund) RefundOutcome {
	if refund == nil {
		return RefundOutcome{Status: StatusFailed, FailureReason: "empty refund response"}
	}
	outcome := RefundOutcome{
		Provider: ProviderStripe,
		RefundID: refund.ID,
		Amount:   refund.Amount,
		Status:   StatusPending,
	}
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		outcome.Status = StatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		outcome.Status = StatusFailed
		outcome.FailureReason = defaultString(string(refund.FailureReason), string(refund.Status))
	}
	return outcome
}

// stripeDeclined separates definitive PSP rejections from errors whose outcome is unknown.
func stripeDeclined(err error) (bool, string) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false, ""
	}
	status := stripeErr.HTTPStatusCode
	if status < http.StatusBadRequest || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return false, ""
	}
	reason := strings.TrimSpace(string(stripeErr.Code))
	if reason == "" {
		reason = strings.TrimSpace(stripeErr.Msg)
	}
	return true, defaultString(reason, "refund declined")
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func clipRunes(value string, limit int) string {
	if runes := []rune(value); len(runes) > limit {
		return string(runes[:limit])
	}
	return value
}
