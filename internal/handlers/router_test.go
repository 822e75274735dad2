package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "finitefield.org/order-engine/internal/domain"
)

type stubSystemService struct {
	report domain.HealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestNewRouter_HealthEndpoints(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	system := &stubSystemService{report: domain.HealthReport{
		Status:      domain.HealthStatusOK,
		Version:     "1.2.3",
		GeneratedAt: now,
		Checks: map[string]domain.DependencyHealth{
			"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
		},
	}}
	health := NewHealthHandlers(
		WithHealthSystemService(system),
		WithHealthClock(func() time.Time { return now }),
		WithHealthBuild("1.2.3", now.Add(-90*time.Second)),
	)
	router := NewRouter(WithHealthHandlers(health))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected json content type, got %s", ct)
		}
		body := decodeJSON(t, rr)
		if body["uptime"] != "1m30s" || body["version"] != "1.2.3" {
			t.Fatalf("unexpected healthz body %v", body)
		}
	})

	t.Run("readyz ok", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decodeJSON(t, rr)
		checks, _ := body["checks"].(map[string]any)
		firestore, _ := checks["firestore"].(map[string]any)
		if firestore["latencyMs"] != float64(12) {
			t.Fatalf("unexpected checks %v", checks)
		}
	})

	t.Run("readyz error", func(t *testing.T) {
		system.report.Status = domain.HealthStatusError
		defer func() { system.report.Status = domain.HealthStatusOK }()
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
	})

	t.Run("readyz probe failure", func(t *testing.T) {
		system.err = errors.New("boom")
		defer func() { system.err = nil }()
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if body := decodeJSON(t, rr); body["error"] != "UNAVAILABLE" {
			t.Fatalf("unexpected error body %v", body)
		}
	})
}

func TestNewRouter_UnknownRoute(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tenants/t/stores/s/orders/o", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when order routes are not mounted, got %d", rr.Code)
	}
	if body := decodeJSON(t, rr); body["error"] != "NOT_FOUND" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestNewRouter_MountsGroups(t *testing.T) {
	var seen []string
	record := func(name string) RouteRegistrar {
		return func(r chi.Router) {
			r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
				seen = append(seen, name+":"+chi.URLParam(req, "storeID"))
				w.WriteHeader(http.StatusNoContent)
			})
		}
	}
	router := NewRouter(
		WithOrderRoutes(record("orders")),
		WithWebhookRoutes(record("webhooks")),
		WithInternalRoutes(record("internal")),
	)

	for _, path := range []string{
		"/v1/tenants/t1/stores/s1/orders/o1",
		"/v1/webhooks/stripe",
		"/v1/internal/anything",
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", path, rr.Code)
		}
	}
	if len(seen) != 3 || seen[0] != "orders:s1" || seen[1] != "webhooks:" || seen[2] != "internal:" {
		t.Fatalf("unexpected dispatch %v", seen)
	}
}

func TestNewRouter_RejectsMalformedScope(t *testing.T) {
	called := false
	router := NewRouter(WithOrderRoutes(func(r chi.Router) {
		r.Get("/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	for _, path := range []string{
		"/v1/tenants/t%20one/stores/s1/orders/o1",
		"/v1/tenants/t1/stores/s.1/orders/o1",
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rr.Code)
		}
		if body := decodeJSON(t, rr); body["error"] != "VALIDATION" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}
	if called {
		t.Fatalf("handler must not run for malformed scope")
	}
}

func TestNewRouter_WebhooksRequireJSON(t *testing.T) {
	router := NewRouter(WithWebhookRoutes(func(r chi.Router) {
		r.Post("/stripe", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader("id=evt_1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
