package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	ctx := context.Background()
	if Logger(ctx) != NoopLogger() {
		t.Fatalf("expected noop logger on empty context")
	}
	if Logger(WithLogger(ctx, nil)) != NoopLogger() {
		t.Fatalf("expected nil logger to store noop")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(ctx, logger)) != logger {
		t.Fatalf("expected stored logger")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "1", Sampled: true})
	info, ok := Trace(ctx)
	if !ok || info.SpanID != "1" || !info.Sampled {
		t.Fatalf("unexpected trace %+v", info)
	}
	if TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id without trace")
	}
}

func TestIdempotencyKey(t *testing.T) {
	ctx := WithIdempotencyKey(context.Background(), "  req-1 ")
	if got := IdempotencyKey(ctx); got != "req-1" {
		t.Fatalf("expected trimmed key, got %q", got)
	}
	if got := IdempotencyKey(WithIdempotencyKey(ctx, " ")); got != "req-1" {
		t.Fatalf("blank key must not overwrite, got %q", got)
	}
}
