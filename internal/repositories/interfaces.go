package repositories

import (
	"context"
	"time"

	"finitefield.org/order-engine/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	ActionLogs() ActionLogRepository
	Refunds() RefundRepository
	Outbox() OutboxRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderCreation groups the rows written when an order is first persisted.
type OrderCreation struct {
	Order   domain.Order
	Payment domain.Payment
	Events  []domain.OrderEvent
	Action  *ActionCommit
}

// OrderMutation is a conditional write of an order and everything that must change with it.
// The write only applies when the stored version equals ExpectedVersion; the stored version
// becomes ExpectedVersion+1.
type OrderMutation struct {
	Order           domain.Order
	ExpectedVersion int64
	Payment         *domain.Payment
	Events          []domain.OrderEvent
	Action          *ActionCommit
}

// ActionCommit ties an order write to the action log row that owns it. The row must still be
// PROCESSING under Attempt; when Finalize is set it is moved to SUCCESS with Result.
type ActionCommit struct {
	Key      string
	Attempt  int
	Result   []byte
	Finalize bool
}

// OrderRepository persists orders with their items, payment row and outbox events.
type OrderRepository interface {
	Create(ctx context.Context, creation OrderCreation) error
	FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error)
	// Commit returns domain.ErrVersionConflict when the stored version moved on and
	// domain.ErrIdempotencyConflict when the action log row is no longer owned by the caller.
	Commit(ctx context.Context, mutation OrderMutation) (domain.Order, error)
}

// PaymentRepository reads the payment row owned by an order. Writes go through OrderRepository.
type PaymentRepository interface {
	FindByOrder(ctx context.Context, tenantID, orderID string) (domain.Payment, error)
}

// ReservationState describes the outcome of reserving an action key.
type ReservationState int

const (
	// ReservationNew means the row was inserted and the caller owns it.
	ReservationNew ReservationState = iota
	// ReservationReclaimed means an expired PROCESSING lease was taken over.
	ReservationReclaimed
	// ReservationCompleted means a SUCCESS row exists and its result must be replayed.
	ReservationCompleted
	// ReservationFailed means a FAILED row exists.
	ReservationFailed
	// ReservationInFlight means another worker holds a live lease.
	ReservationInFlight
)

// String implements fmt.Stringer for logging.
func (s ReservationState) String() string {
	switch s {
	case ReservationNew:
		return "new"
	case ReservationReclaimed:
		return "reclaimed"
	case ReservationCompleted:
		return "completed"
	case ReservationFailed:
		return "failed"
	case ReservationInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Owned reports whether the caller may run the command body.
func (s ReservationState) Owned() bool {
	return s == ReservationNew || s == ReservationReclaimed
}

// ActionReservation is the result of ActionLogRepository.Reserve.
type ActionReservation struct {
	State ReservationState
	Entry domain.ActionLog
}

// ActionLogRepository is the storage-level at-most-once gate for client commands.
type ActionLogRepository interface {
	// Reserve inserts entry in PROCESSING with a lease ending at now+lease, or reports the existing row.
	Reserve(ctx context.Context, entry domain.ActionLog, now time.Time, lease time.Duration) (ActionReservation, error)
	Complete(ctx context.Context, key string, attempt int, result []byte, now time.Time) error
	Fail(ctx context.Context, key string, attempt int, code, message string, now time.Time) error
	Find(ctx context.Context, key string) (domain.ActionLog, error)
}

// RefundRepository persists refund orders keyed by their idempotency key.
type RefundRepository interface {
	// Create inserts refund unless a row with the same IdemKey exists, in which case the
	// stored row is returned with created=false.
	Create(ctx context.Context, refund domain.RefundOrder) (stored domain.RefundOrder, created bool, err error)
	// Update writes refund when the stored version equals expectedVersion.
	Update(ctx context.Context, refund domain.RefundOrder, expectedVersion int64) (domain.RefundOrder, error)
	FindByIdemKey(ctx context.Context, idemKey string) (domain.RefundOrder, error)
	ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.RefundOrder, error)
}

// OutboxRepository exposes recorded events to the delivery relay.
type OutboxRepository interface {
	ListPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID string) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
