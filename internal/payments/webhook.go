package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/services"
)

// WebhookKind classifies the PSP notifications the engine reacts to.
type WebhookKind string

const (
	WebhookPaySucceeded WebhookKind = "pay_succeeded"
	WebhookPayFailed    WebhookKind = "pay_failed"
	WebhookRefunded     WebhookKind = "refunded"
	WebhookIgnored      WebhookKind = "ignored"
)

// ErrInvalidSignature is returned when the webhook payload cannot be authenticated.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// WebhookEvent is a verified PSP notification translated to order terms.
type WebhookEvent struct {
	ID            string
	Type          string
	Kind          WebhookKind
	Ref           services.OrderRef
	Amount        int64
	ThirdTradeNo  string
	PaidAt        time.Time
	Reason        string
	RefundNo      string
	RefundedTotal int64
	FullRefund    bool
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event. Events the engine
// does not act on are returned with WebhookIgnored.
func ParseWebhook(payload []byte, signature, secret string) (WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return WebhookEvent{}, errors.New("payments: webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: WebhookIgnored}
	if event.Data == nil {
		return out, nil
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode payment intent: %w", err)
		}
		ref, err := orderRefFromMetadata(intent.Metadata)
		if err != nil {
			return WebhookEvent{}, err
		}
		out.Ref = ref
		out.ThirdTradeNo = intent.ID
		if string(event.Type) == "payment_intent.succeeded" {
			out.Kind = WebhookPaySucceeded
			out.Amount = intent.AmountReceived
			if out.Amount == 0 {
				out.Amount = intent.Amount
			}
			if event.Created > 0 {
				out.PaidAt = time.Unix(event.Created, 0).UTC()
			}
		} else {
			out.Kind = WebhookPayFailed
			if intent.LastPaymentError != nil {
				out.Reason = defaultString(string(intent.LastPaymentError.Code), intent.LastPaymentError.Msg)
			}
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode charge: %w", err)
		}
		ref, err := orderRefFromMetadata(charge.Metadata)
		if err != nil {
			return WebhookEvent{}, err
		}
		out.Kind = WebhookRefunded
		out.Ref = ref
		if charge.PaymentIntent != nil {
			out.ThirdTradeNo = charge.PaymentIntent.ID
		}
		out.RefundedTotal = charge.AmountRefunded
		out.FullRefund = charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount)
		out.RefundNo = event.ID
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
			out.RefundNo = charge.Refunds.Data[0].ID
		}
	}
	return out, nil
}

// DispatchWebhook applies a verified event to the reconciler.
func DispatchWebhook(ctx context.Context, reconciler services.PaymentReconciler, evt WebhookEvent) (services.OrderView, error) {
	if reconciler == nil {
		return services.OrderView{}, errors.New("payments: reconciler is required")
	}
	switch evt.Kind {
	case WebhookPaySucceeded:
		return reconciler.OnPaySuccess(ctx, services.PaySuccessNotification{
			OrderRef:     evt.Ref,
			Channel:      domain.PayChannelCard,
			Amount:       evt.Amount,
			ThirdTradeNo: evt.ThirdTradeNo,
			PaidAt:       evt.PaidAt,
		})
	case WebhookPayFailed:
		return reconciler.OnPayFailed(ctx, services.PayFailedNotification{
			OrderRef:     evt.Ref,
			ThirdTradeNo: evt.ThirdTradeNo,
			Reason:       evt.Reason,
		})
	case WebhookRefunded:
		n := services.RefundNotification{
			OrderRef:      evt.Ref,
			RefundNo:      evt.RefundNo,
			RefundedTotal: evt.RefundedTotal,
		}
		if evt.FullRefund {
			return reconciler.OnFullRefundSuccess(ctx, n)
		}
		return reconciler.OnPartialRefundSuccess(ctx, n)
	default:
		return services.OrderView{Idempotent: true}, nil
	}
}

func orderRefFromMetadata(metadata map[string]string) (services.OrderRef, error) {
	ref := services.OrderRef{
		TenantID: strings.TrimSpace(metadata["tenantId"]),
		StoreID:  strings.TrimSpace(metadata["storeId"]),
		OrderID:  strings.TrimSpace(metadata["orderId"]),
	}
	if ref.TenantID == "" || ref.StoreID == "" || ref.OrderID == "" {
		return services.OrderRef{}, domain.Errorf(domain.CodeValidation, "webhook object is missing order metadata")
	}
	return ref, nil
}
