package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version   string
	StartedAt time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// CacheTTL bounds how long a collected report is reused; zero probes on every call.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	CacheTTL         time.Duration
}

type systemService struct {
	health repositories.HealthRepository
	clock  func() time.Time
	build  BuildInfo
	ttl    time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	cached *domain.HealthReport
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system service providing health reports.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	build.Version = strings.TrimSpace(build.Version)
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health: deps.HealthRepository,
		clock:  func() time.Time { return clock().UTC() },
		build:  build,
		ttl:    deps.CacheTTL,
	}, nil
}

// HealthReport returns the latest dependency report. Concurrent probes share one Collect
// call, and a report younger than the cache TTL is served without probing.
func (s *systemService) HealthReport(ctx context.Context) (HealthReport, error) {
	if report, ok := s.fresh(); ok {
		return report, nil
	}
	v, err, _ := s.group.Do("health", func() (any, error) {
		report, err := s.health.Collect(ctx)
		if err != nil {
			return nil, err
		}
		report = s.normalize(report)
		s.mu.Lock()
		s.cached = &report
		s.mu.Unlock()
		return report, nil
	})
	if err != nil {
		return HealthReport{}, err
	}
	return v.(domain.HealthReport), nil
}

func (s *systemService) fresh() (domain.HealthReport, bool) {
	if s.ttl <= 0 {
		return domain.HealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || s.clock().Sub(s.cached.GeneratedAt) >= s.ttl {
		return domain.HealthReport{}, false
	}
	return *s.cached, true
}

func (s *systemService) normalize(report domain.HealthReport) domain.HealthReport {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.clock()
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.DependencyHealth{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = domain.SummarizeHealth(report.Checks)
	}
	return report
}
