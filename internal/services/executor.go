package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

const (
	instrumentationName = "finitefield.org/order-engine/internal/services"
	defaultActionLease  = 30 * time.Second
)

// ResultCodec serialises command results into the action log so replays return them verbatim.
type ResultCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default ResultCodec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CommandExecutorDeps bundles collaborators for the idempotent command executor.
type CommandExecutorDeps struct {
	Actions repositories.ActionLogRepository
	Codec   ResultCodec
	Lease   time.Duration
	Clock   func() time.Time
	Meter   metric.Meter
	Tracer  trace.Tracer
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// CommandExecutor gates command bodies behind the action log so each
// (tenant, store, order, action, requestId) runs at most once.
type CommandExecutor struct {
	actions  repositories.ActionLogRepository
	codec    ResultCodec
	lease    time.Duration
	clock    func() time.Time
	tracer   trace.Tracer
	commands metric.Int64Counter
	replays  metric.Int64Counter
	logger   func(context.Context, string, map[string]any)
}

// NewCommandExecutor validates dependencies and registers executor metrics.
func NewCommandExecutor(deps CommandExecutorDeps) (*CommandExecutor, error) {
	if deps.Actions == nil {
		return nil, errors.New("command executor: action log repository is required")
	}
	codec := deps.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	lease := deps.Lease
	if lease <= 0 {
		lease = defaultActionLease
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	commands, err := meter.Int64Counter(
		"orders.command.count",
		metric.WithDescription("Count of order commands by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("command executor: register command counter: %w", err)
	}
	replays, err := meter.Int64Counter(
		"orders.command.replay.count",
		metric.WithDescription("Count of order commands answered from the action log"),
	)
	if err != nil {
		return nil, fmt.Errorf("command executor: register replay counter: %w", err)
	}

	return &CommandExecutor{
		actions:  deps.Actions,
		codec:    codec,
		lease:    lease,
		clock:    func() time.Time { return clock().UTC() },
		tracer:   tracer,
		commands: commands,
		replays:  replays,
		logger:   logger,
	}, nil
}

// actionScope identifies the action log row for a command.
type actionScope struct {
	TenantID  string
	StoreID   string
	OrderID   string
	Action    domain.ActionType
	RequestID string
}

func (s actionScope) key() string {
	return domain.ActionKey(s.TenantID, s.StoreID, s.OrderID, s.Action, s.RequestID)
}

// actionRun is handed to a command body while it owns the action log row.
type actionRun struct {
	key     string
	attempt int
	codec   ResultCodec
	// reclaimed is set when an earlier attempt's lease expired; its writes may have landed.
	reclaimed bool
	finalized bool
}

// finalize returns the ActionCommit that completes the row in the same write as the order.
func (r *actionRun) finalize(result any) (*repositories.ActionCommit, error) {
	payload, err := r.codec.Marshal(result)
	if err != nil {
		return nil, domain.NewError(domain.CodeSystemError, "", fmt.Errorf("encode command result: %w", err))
	}
	r.finalized = true
	return &repositories.ActionCommit{Key: r.key, Attempt: r.attempt, Result: payload, Finalize: true}, nil
}

// hold returns an ActionCommit that checks ownership but leaves the row PROCESSING.
func (r *actionRun) hold() *repositories.ActionCommit {
	return &repositories.ActionCommit{Key: r.key, Attempt: r.attempt}
}

// executeCommand runs body at most once for scope. On replay the stored result is decoded
// and returned with replayed set; the body does not run.
func executeCommand[R any](ctx context.Context, e *CommandExecutor, scope actionScope, body func(ctx context.Context, run *actionRun) (R, error)) (result R, replayed bool, err error) {
	ctx, span := e.tracer.Start(ctx, "orders.command", trace.WithAttributes(
		attribute.String("order.action", string(scope.Action)),
		attribute.String("order.tenant_id", scope.TenantID),
		attribute.String("order.id", scope.OrderID),
	))
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = strings.ToLower(string(domain.CodeOf(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.MessageOf(err))
		}
		e.commands.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(scope.Action)),
			attribute.String("outcome", outcome),
		))
		span.End()
	}()

	key := scope.key()
	reservation, err := e.actions.Reserve(ctx, domain.ActionLog{
		TenantID:   scope.TenantID,
		StoreID:    scope.StoreID,
		OrderID:    scope.OrderID,
		ActionType: scope.Action,
		ActionKey:  key,
		RequestID:  scope.RequestID,
	}, e.clock(), e.lease)
	if err != nil {
		if isConflict(err) {
			// another worker is claiming the same row right now
			return result, false, domain.NewError(domain.CodeRequestInFlight, "", fmt.Errorf("reserve action %s: %w", key, err))
		}
		return result, false, mapRepositoryError(err, "reserve action")
	}
	span.SetAttributes(attribute.String("order.action.reservation", reservation.State.String()))

	switch reservation.State {
	case repositories.ReservationCompleted:
		if err := e.codec.Unmarshal(reservation.Entry.ResultJSON, &result); err != nil {
			return result, false, domain.NewError(domain.CodeSystemError, "", fmt.Errorf("decode stored result for %s: %w", key, err))
		}
		outcome = "replay"
		e.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(scope.Action))))
		return result, true, nil
	case repositories.ReservationFailed:
		return result, false, domain.NewError(domain.CodeIdempotencyConflict,
			fmt.Sprintf("request %s previously failed with %s; retry with a new requestId", scope.RequestID, reservation.Entry.ErrorCode), nil)
	case repositories.ReservationInFlight:
		return result, false, domain.ErrRequestInFlight
	}

	if reservation.State == repositories.ReservationReclaimed {
		e.logger(ctx, "order.action.reclaimed", map[string]any{
			"actionKey": key,
			"attempt":   reservation.Entry.Attempt,
		})
	}

	run := &actionRun{
		key:       key,
		attempt:   reservation.Entry.Attempt,
		codec:     e.codec,
		reclaimed: reservation.State == repositories.ReservationReclaimed,
	}
	result, err = body(ctx, run)
	if err != nil {
		e.recordFailure(ctx, run, err)
		return result, false, err
	}
	if run.finalized {
		return result, false, nil
	}

	payload, encErr := e.codec.Marshal(result)
	if encErr != nil {
		return result, false, domain.NewError(domain.CodeSystemError, "", fmt.Errorf("encode command result: %w", encErr))
	}
	if err := e.actions.Complete(context.WithoutCancel(ctx), key, run.attempt, payload, e.clock()); err != nil {
		// the mutation is already durable; the row stays PROCESSING until its lease lapses
		e.logger(ctx, "order.action.complete_failed", map[string]any{
			"actionKey": key,
			"attempt":   run.attempt,
			"error":     err.Error(),
		})
	}
	return result, false, nil
}

func (e *CommandExecutor) recordFailure(ctx context.Context, run *actionRun, cause error) {
	if errors.Is(cause, domain.ErrIdempotencyConflict) {
		// ownership was lost to a reclaiming worker; the row is no longer ours to fail
		return
	}
	code := domain.CodeOf(cause)
	if err := e.actions.Fail(context.WithoutCancel(ctx), run.key, run.attempt, string(code), domain.MessageOf(cause), e.clock()); err != nil {
		e.logger(ctx, "order.action.fail_failed", map[string]any{
			"actionKey": run.key,
			"attempt":   run.attempt,
			"code":      string(code),
			"error":     err.Error(),
		})
	}
}
