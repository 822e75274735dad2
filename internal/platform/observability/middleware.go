package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/order-engine/internal/platform/httpx"
	"finitefield.org/order-engine/internal/platform/requestctx"
)

// Rune limits for client-controlled values copied into logs and span attributes.
const (
	maxMethodLen = 10
	maxIPLen     = 64
	maxIDLen     = 128
	maxRouteLen  = 180
)

// orderParams are the chi URL params copied onto every access log line.
var orderParams = [...]struct{ param, field string }{
	{"tenantID", "tenant_id"},
	{"storeID", "store_id"},
	{"orderID", "order_id"},
}

// RequestLogger attaches a request-scoped logger and writes one access log line per request.
// The Idempotency-Key header is trimmed and stored on the context so order handlers can use
// it when the body omits requestId.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			traceInfo, _ := requestctx.Trace(ctx)
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", clip(r.Method, maxMethodLen)),
				zap.String("trace_id", traceInfo.TraceID),
			}
			if traceInfo.ProjectID != "" && traceInfo.TraceID != "" {
				fields = append(fields, zap.String("logging.googleapis.com/trace",
					fmt.Sprintf("projects/%s/traces/%s", traceInfo.ProjectID, traceInfo.TraceID)))
			}
			if key := clip(strings.TrimSpace(r.Header.Get("Idempotency-Key")), maxIDLen); key != "" {
				fields = append(fields, zap.String("idempotency_key", key))
				ctx = requestctx.WithIdempotencyKey(ctx, key)
			}
			if ip := remoteIP(r); ip != "" {
				fields = append(fields, zap.String("remote_ip", ip))
			}
			logger := WithRequestFields(base, fields...)

			r = r.WithContext(requestctx.WithLogger(ctx, logger))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := clip(routePattern(r), maxRouteLen)
				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				line := append(orderFields(r),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
				)
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", line...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", line...)
				default:
					logger.Info("request completed", line...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recovery converts panics into a SYSTEM_ERROR response and logs the stack.
func Recovery(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.String("panic", fmt.Sprint(rec)),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("SYSTEM_ERROR", "unexpected system error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func orderFields(r *http.Request) []zap.Field {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, p := range orderParams {
		if value := rctx.URLParam(p.param); value != "" {
			fields = append(fields, zap.String(p.field, clip(value, maxIDLen)))
		}
	}
	return fields
}

// routePattern prefers the matched chi pattern so ids do not explode log cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clip(addr, maxIPLen)
}

// clip drops control characters and keeps at most limit runes.
func clip(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
