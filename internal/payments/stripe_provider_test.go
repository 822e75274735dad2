package payments

import (
	"context"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeRefundAPI struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

func newTestStripeProvider(t *testing.T, api *fakeRefundAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{refunds: api})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestStripeProviderRefundForwardsIdempotencyKey(t *testing.T) {
	api := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_1", Amount: 500, Status: stripe.RefundStatusSucceeded}}
	provider := newTestStripeProvider(t, api)

	outcome, err := provider.Refund(context.Background(), RefundRequest{
		IntentID:       "pi_1",
		Amount:         500,
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund:t:s:o:r",
		Metadata:       map[string]string{"orderId": "o"},
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if outcome.Status != StatusSucceeded || outcome.RefundID != "re_1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if api.params.IdempotencyKey == nil || *api.params.IdempotencyKey != "refund:t:s:o:r" {
		t.Fatalf("expected idempotency key to be set")
	}
	if api.params.Amount == nil || *api.params.Amount != 500 {
		t.Fatalf("expected amount 500")
	}
	if api.params.Reason == nil || *api.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected mapped refund reason")
	}
	if api.params.Metadata["orderId"] != "o" {
		t.Fatalf("expected metadata to be forwarded")
	}
}

func TestStripeProviderRefundKeepsFreeTextReasonInMetadata(t *testing.T) {
	api := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_2", Status: stripe.RefundStatusPending}}
	provider := newTestStripeProvider(t, api)

	if _, err := provider.Refund(context.Background(), RefundRequest{IntentID: "pi_2", Amount: 300, Reason: "store closed early"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if api.params.Reason != nil {
		t.Fatalf("free text must not be sent as a stripe reason, got %q", *api.params.Reason)
	}
	if api.params.Metadata["reason"] != "store closed early" {
		t.Fatalf("expected reason in metadata, got %v", api.params.Metadata)
	}
}

func TestStripeProviderRefundWithoutIntentIsDeclined(t *testing.T) {
	api := &fakeRefundAPI{}
	outcome, err := newTestStripeProvider(t, api).Refund(context.Background(), RefundRequest{Amount: 100})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if outcome.Status != StatusFailed || api.params != nil {
		t.Fatalf("expected local decline without calling stripe, got %+v", outcome)
	}
}

func TestStripeProviderRefundStatuses(t *testing.T) {
	cases := []struct {
		status stripe.RefundStatus
		want   Status
	}{
		{stripe.RefundStatusPending, StatusPending},
		{stripe.RefundStatusSucceeded, StatusSucceeded},
		{stripe.RefundStatusFailed, StatusFailed},
		{stripe.RefundStatusCanceled, StatusFailed},
	}
	for _, tc := range cases {
		api := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_1", Status: tc.status}}
		outcome, err := newTestStripeProvider(t, api).Refund(context.Background(), RefundRequest{IntentID: "pi_1", Amount: 1})
		if err != nil {
			t.Fatalf("%s: refund: %v", tc.status, err)
		}
		if outcome.Status != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.status, tc.want, outcome.Status)
		}
	}
}

func TestStripeProviderRefundErrors(t *testing.T) {
	declined := &fakeRefundAPI{err: &stripe.Error{
		HTTPStatusCode: http.StatusBadRequest,
		Code:           stripe.ErrorCodeChargeAlreadyRefunded,
		Msg:            "Charge has already been refunded.",
	}}
	outcome, err := newTestStripeProvider(t, declined).Refund(context.Background(), RefundRequest{IntentID: "pi_1", Amount: 1})
	if err != nil {
		t.Fatalf("expected decline to be reported as outcome, got %v", err)
	}
	if outcome.Status != StatusFailed || outcome.FailureReason != string(stripe.ErrorCodeChargeAlreadyRefunded) {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	unavailable := &fakeRefundAPI{err: &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "try again"}}
	if _, err := newTestStripeProvider(t, unavailable).Refund(context.Background(), RefundRequest{IntentID: "pi_1", Amount: 1}); err == nil {
		t.Fatalf("expected server error to surface as an unknown outcome")
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
