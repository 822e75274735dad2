package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// DependencyHealth is the result of probing one backing service. Critical dependencies are
// the ones order commands cannot run without.
type DependencyHealth struct {
	Status    string
	Critical  bool
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for the readiness endpoint.
type HealthReport struct {
	Status      string
	Checks      map[string]DependencyHealth
	Version     string
	GeneratedAt time.Time
}

// SummarizeHealth folds check results into one status. A failing critical dependency makes
// the service unready. Any other failure only degrades it.
func SummarizeHealth(checks map[string]DependencyHealth) string {
	status := HealthStatusOK
	for _, check := range checks {
		if check.Status == HealthStatusOK || check.Status == "" {
			continue
		}
		if check.Critical {
			return HealthStatusError
		}
		status = HealthStatusDegraded
	}
	return status
}
