package handlers

import (
	"context"
	"net/http"
	"time"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/platform/httpx"
	"finitefield.org/order-engine/internal/services"
)

const readinessTimeout = 5 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system    services.SystemService
	clock     func() time.Time
	startedAt time.Time
	version   string
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the dependency probe used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = system }
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthBuild sets the reported version and process start time.
func WithHealthBuild(version string, startedAt time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
		h.startedAt = startedAt
	}
}

// NewHealthHandlers constructs health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.clock()
	}
	return h
}

type healthPayload struct {
	Status    string                       `json:"status"`
	Version   string                       `json:"version,omitempty"`
	Uptime    string                       `json:"uptime"`
	Timestamp string                       `json:"timestamp"`
	Checks    map[string]healthCheckResult `json:"checks,omitempty"`
}

type healthCheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Healthz reports that the process is serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:    domain.HealthStatusOK,
		Version:   h.version,
		Uptime:    now.Sub(h.startedAt).Round(time.Second).String(),
		Timestamp: now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 when any of them is in error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("UNAVAILABLE", "health check failed", http.StatusServiceUnavailable))
		return
	}

	now := h.clock().UTC()
	payload := healthPayload{
		Status:    report.Status,
		Version:   report.Version,
		Uptime:    now.Sub(h.startedAt).Round(time.Second).String(),
		Timestamp: report.GeneratedAt.UTC().Format(time.RFC3339),
		Checks:    make(map[string]healthCheckResult, len(report.Checks)),
	}
	if payload.Version == "" {
		payload.Version = h.version
	}
	for name, check := range report.Checks {
		payload.Checks[name] = healthCheckResult{
			Status:    check.Status,
			Critical:  check.Critical,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
