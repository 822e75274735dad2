package observability

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"finitefield.org/order-engine/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

// CloudTracePropagator reads and writes the X-Cloud-Trace-Context header set by Google front ends.
type CloudTracePropagator struct{}

var _ propagation.TextMapPropagator = CloudTracePropagator{}

// Inject writes the span context on ctx into carrier.
func (CloudTracePropagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	carrier.Set(cloudTraceHeader, formatCloudTraceHeader(sc))
}

// Extract returns ctx with the remote span context found in carrier, if any.
func (CloudTracePropagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	sc, ok := parseCloudTraceContext(carrier.Get(cloudTraceHeader))
	if !ok {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// Fields lists the header keys used by the propagator.
func (CloudTracePropagator) Fields() []string {
	return []string{cloudTraceHeader}
}

// Propagators combines W3C trace context with the Cloud Trace header.
func Propagators() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		CloudTracePropagator{},
	)
}

// TraceMiddleware starts a server span per request and exposes its ids to loggers
// and error envelopes through requestctx.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	instrument := otelhttp.NewMiddleware("orders.http",
		otelhttp.WithPropagators(Propagators()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return clip(r.Method, maxMethodLen) + " " + clip(routePattern(r), maxRouteLen)
		}),
	)
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			info := requestctx.TraceInfo{ProjectID: projectID}
			if sc.IsValid() {
				info.TraceID = sc.TraceID().String()
				info.SpanID = sc.SpanID().String()
				info.Sampled = sc.IsSampled()
			}
			if formatted := formatCloudTraceHeader(sc); formatted != "" {
				w.Header().Set(cloudTraceHeader, formatted)
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(r.Context(), info)))
		}))
	}
}

// parseCloudTraceContext parses "TRACE_ID/SPAN_ID;o=OPTIONS". The span id may be decimal.
func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, found := strings.Cut(header, "/")
	if !found || len(strings.TrimSpace(traceHex)) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.TrimSpace(traceHex))
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(spanPart)
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if sampledOption(options) {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return trace.SpanID{}, false
	}
	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var spanID trace.SpanID
		binary.BigEndian.PutUint64(spanID[:], num)
		return spanID, spanID.IsValid()
	}
	if len(value) <= 16 {
		if spanID, err := trace.SpanIDFromHex(strings.Repeat("0", 16-len(value)) + value); err == nil {
			return spanID, true
		}
	}
	return trace.SpanID{}, false
}

func sampledOption(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		segment = strings.TrimSpace(segment)
		if strings.HasPrefix(segment, "o=") {
			return segment == "o=1"
		}
	}
	return false
}

// formatCloudTraceHeader renders the span id in decimal as Cloud Trace expects.
func formatCloudTraceHeader(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	spanID := sc.SpanID()
	option := "0"
	if sc.IsSampled() {
		option = "1"
	}
	return fmt.Sprintf("%s/%d;o=%s", sc.TraceID().String(), binary.BigEndian.Uint64(spanID[:]), option)
}
