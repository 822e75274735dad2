package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/payments"
	"finitefield.org/order-engine/internal/platform/httpx"
	"finitefield.org/order-engine/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookAckStatusIgnore = "ignored"
)

// WebhookLogger receives structured webhook diagnostics.
type WebhookLogger func(ctx context.Context, event string, fields map[string]any)

// WebhookHandlers accepts PSP notifications and forwards them to the payment reconciler.
type WebhookHandlers struct {
	reconciler    services.PaymentReconciler
	stripeSecret  string
	logger        WebhookLogger
	parseStripe   func(payload []byte, signature, secret string) (payments.WebhookEvent, error)
	dispatchEvent func(ctx context.Context, reconciler services.PaymentReconciler, evt payments.WebhookEvent) (services.OrderView, error)
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger sets the diagnostic logger.
func WithWebhookLogger(logger WebhookLogger) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs webhook handlers verifying Stripe payloads with secret.
func NewWebhookHandlers(reconciler services.PaymentReconciler, stripeSecret string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		reconciler:    reconciler,
		stripeSecret:  strings.TrimSpace(stripeSecret),
		logger:        func(context.Context, string, map[string]any) {},
		parseStripe:   payments.ParseWebhook,
		dispatchEvent: payments.DispatchWebhook,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookAck struct {
	Received   bool   `json:"received"`
	EventID    string `json:"eventId,omitempty"`
	Status     string `json:"status,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil || h.stripeSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("UNAVAILABLE", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "unable to read webhook payload", http.StatusBadRequest))
		return
	case len(body) == 0:
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "webhook payload is empty", http.StatusBadRequest))
		return
	}

	evt, err := h.parseStripe(body, r.Header.Get(stripeSignatureHeader), h.stripeSecret)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger(ctx, "webhook.signature_invalid", map[string]any{"provider": "stripe"})
			httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "invalid webhook signature", http.StatusBadRequest))
			return
		}
		if domain.CodeOf(err) == domain.CodeValidation {
			// Retrying an event without order metadata cannot succeed.
			h.logger(ctx, "webhook.unroutable", map[string]any{"provider": "stripe", "error": err})
			httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Status: webhookAckStatusIgnore})
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "malformed webhook payload", http.StatusBadRequest))
		return
	}

	fields := map[string]any{
		"provider": "stripe",
		"eventId":  evt.ID,
		"type":     evt.Type,
		"orderId":  evt.Ref.OrderID,
	}
	if evt.Kind == payments.WebhookIgnored {
		h.logger(ctx, "webhook.ignored", fields)
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: evt.ID, Status: webhookAckStatusIgnore})
		return
	}

	view, err := h.dispatchEvent(ctx, h.reconciler, evt)
	if err != nil {
		fields["error"] = err
		switch domain.CodeOf(err) {
		case domain.CodeNotFound, domain.CodeValidation:
			h.logger(ctx, "webhook.dropped", fields)
			httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: evt.ID, Status: webhookAckStatusIgnore})
		default:
			h.logger(ctx, "webhook.dispatch_failed", fields)
			httpx.WriteDomainError(ctx, w, err)
		}
		return
	}
	fields["status"] = string(view.Status)
	fields["idempotent"] = view.Idempotent
	h.logger(ctx, "webhook.applied", fields)
	httpx.WriteJSON(w, http.StatusOK, webhookAck{
		Received:   true,
		EventID:    evt.ID,
		Status:     string(view.Status),
		Idempotent: view.Idempotent,
	})
}

// InternalHandlers serve scheduler callbacks that are not exposed to merchants or customers.
type InternalHandlers struct {
	reconciler services.PaymentReconciler
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(reconciler services.PaymentReconciler) *InternalHandlers {
	return &InternalHandlers{reconciler: reconciler}
}

// Routes registers internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tenants/{tenantID}/stores/{storeID}/orders/{orderID}/timeout-cancel", h.timeoutCancel)
}

func (h *InternalHandlers) timeoutCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("UNAVAILABLE", "payment reconciler is not configured", http.StatusServiceUnavailable))
		return
	}
	view, err := h.reconciler.OnPayTimeoutCancel(ctx, orderRef(r))
	writeCommandResult(ctx, w, view, err)
}
