package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"finitefield.org/order-engine/internal/repositories"
)

const (
	instrumentationName = "finitefield.org/order-engine/internal/platform/jobs"
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 50
	defaultBatchTimeout = time.Minute
	defaultMaxLag       = 5 * time.Minute
)

// OutboxRelayConfig configures the outbox relay loop. MaxLag is the age past which the
// oldest unpublished event fails Check.
type OutboxRelayConfig struct {
	Outbox       repositories.OutboxRepository
	Publisher    EventPublisher
	PollInterval time.Duration
	BatchSize    int
	MaxLag       time.Duration
	Clock        func() time.Time
	Meter        metric.Meter
	Logger       *zap.Logger
}

// OutboxRelay moves committed order events from the outbox to the event sink.
// Delivery is at-least-once: a crash between publish and MarkPublished resends the row.
type OutboxRelay struct {
	outbox    repositories.OutboxRepository
	publisher EventPublisher
	interval  time.Duration
	batchSize int
	maxLag    time.Duration
	clock     func() time.Time
	published metric.Int64Counter
	logger    *zap.Logger
}

// NewOutboxRelay validates the configuration and registers the publish counter.
func NewOutboxRelay(cfg OutboxRelayConfig) (*OutboxRelay, error) {
	if cfg.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("outbox relay: publisher is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	maxLag := cfg.MaxLag
	if maxLag <= 0 {
		maxLag = defaultMaxLag
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	published, err := meter.Int64Counter(
		"orders.outbox.publish.count",
		metric.WithDescription("Count of outbox events handed to the event sink by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox relay: register publish counter: %w", err)
	}
	return &OutboxRelay{
		outbox:    cfg.Outbox,
		publisher: cfg.Publisher,
		interval:  interval,
		batchSize: batch,
		maxLag:    maxLag,
		clock:     func() time.Time { return clock().UTC() },
		published: published,
		logger:    logger,
	}, nil
}

// Run polls until ctx is cancelled. Batch errors are logged and retried on the next tick.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		runCtx, cancel := context.WithTimeout(ctx, defaultBatchTimeout)
		sent, err := r.RunOnce(runCtx)
		cancel()
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error("outbox relay batch failed", zap.Error(err))
		case sent > 0:
			r.logger.Debug("outbox relay published events", zap.Int("count", sent))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce publishes one batch of pending events and returns how many were marked published.
// A publish failure bumps the row's attempt count and the batch moves on.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox events: %w", err)
	}

	sent := 0
	for _, event := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		messageID, err := r.publisher.Publish(ctx, event)
		if err != nil {
			r.count(ctx, event.Type, "failed")
			r.logger.Warn("outbox publish failed",
				zap.String("eventId", event.ID),
				zap.String("eventType", event.Type),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(err),
			)
			if markErr := r.outbox.MarkFailed(ctx, event.ID); markErr != nil {
				r.logger.Error("outbox mark failed error", zap.String("eventId", event.ID), zap.Error(markErr))
			}
			continue
		}

		if err := r.outbox.MarkPublished(ctx, event.ID, r.clock()); err != nil {
			r.count(ctx, event.Type, "unmarked")
			return sent, fmt.Errorf("mark outbox event %s published: %w", event.ID, err)
		}
		r.count(ctx, event.Type, "published")
		r.logger.Debug("outbox event published",
			zap.String("eventId", event.ID),
			zap.String("messageId", messageID),
		)
		sent++
	}
	return sent, nil
}

func (r *OutboxRelay) count(ctx context.Context, eventType, outcome string) {
	r.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

// Check fails when the oldest pending event has waited longer than MaxLag, which means the
// sink is rejecting events or the relay has stalled.
func (r *OutboxRelay) Check(ctx context.Context) error {
	pending, err := r.outbox.ListPending(ctx, 1)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if lag := r.clock().Sub(pending[0].CreatedAt); lag > r.maxLag {
		return fmt.Errorf("oldest pending event %s is %s old", pending[0].ID, lag.Round(time.Second))
	}
	return nil
}
