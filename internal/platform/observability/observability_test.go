package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/order-engine/internal/platform/requestctx"
)

func TestNewEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zap.DebugLevel)
	reqCore, reqLogs := observer.New(zap.DebugLevel)
	logEvent := NewEventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	logEvent(ctx, "refund.gateway_failed", map[string]any{"orderId": "order-1", "error": errors.New("boom")})
	logEvent(context.Background(), "order.action.reclaimed", map[string]any{"attempt": 2})

	if reqLogs.Len() != 1 || baseLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got request=%d base=%d", reqLogs.Len(), baseLogs.Len())
	}
	entry := reqLogs.All()[0]
	if entry.Level != zap.WarnLevel {
		t.Fatalf("failure events should log at warn, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["event"] != "refund.gateway_failed" || fields["orderId"] != "order-1" || fields["error"] != "boom" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if baseLogs.All()[0].Level != zap.InfoLevel {
		t.Fatalf("expected info level for reclaim")
	}
}

func TestRequestLoggerAddsOrderFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := chi.NewRouter()
	r.Use(RequestLogger(zap.New(core)))
	var seenKey string
	r.Post("/v1/tenants/{tenantID}/stores/{storeID}/orders/{orderID}/accept", func(w http.ResponseWriter, r *http.Request) {
		seenKey = requestctx.IdempotencyKey(r.Context())
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/t1/stores/s1/orders/o1/accept", nil)
	req.Header.Set("Idempotency-Key", " accept-1 ")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if seenKey != "accept-1" {
		t.Fatalf("expected idempotency key in context, got %q", seenKey)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one access log, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Level != zap.WarnLevel {
		t.Fatalf("expected warn for 409, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["tenant_id"] != "t1" || fields["store_id"] != "s1" || fields["order_id"] != "o1" {
		t.Fatalf("missing order fields: %v", fields)
	}
	if fields["idempotency_key"] != "accept-1" {
		t.Fatalf("expected idempotency key field, got %v", fields["idempotency_key"])
	}
	if fields["route"] != "/v1/tenants/{tenantID}/stores/{storeID}/orders/{orderID}/accept" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
}

func TestRecoveryWritesSystemError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestCloudTracePropagatorRoundTrip(t *testing.T) {
	carrier := propagation.HeaderCarrier(http.Header{})
	carrier.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")

	ctx := CloudTracePropagator{}.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsRemote() || !sc.IsSampled() {
		t.Fatalf("expected sampled remote span context, got %+v", sc)
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span id %s", sc.SpanID())
	}

	out := propagation.HeaderCarrier(http.Header{})
	CloudTracePropagator{}.Inject(ctx, out)
	if got := out.Get(cloudTraceHeader); got != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected injected header %q", got)
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc", "105445aa7843bc8bf206b12000100000", "zz5445aa7843bc8bf206b12000100000/1", "105445aa7843bc8bf206b12000100000/"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Errorf("expected %q to be rejected", header)
		}
	}
}

func TestClipDropsControlCharactersAndTruncates(t *testing.T) {
	if got := clip("ord\ner-1\x00", maxIDLen); got != "order-1" {
		t.Fatalf("expected control characters removed, got %q", got)
	}
	if got := clip("注文番号-12345", 4); got != "注文番号" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
}
