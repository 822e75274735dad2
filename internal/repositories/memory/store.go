// Package memory provides mutex-guarded repositories used by local runs and service tests.
// Each operation holds the store lock for its whole duration, which gives the same
// unique-insert and conditional-write guarantees as a storage transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	op       string
	err      error
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("memory.%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error       { return e.err }
func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), conflict: true}
}

// Store keeps every collection in memory.
type Store struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	actions  map[string]domain.ActionLog
	refunds  map[string]domain.RefundOrder
	outbox   []domain.OutboxEvent
	counters map[string]int64
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		actions:  make(map[string]domain.ActionLog),
		refunds:  make(map[string]domain.RefundOrder),
		counters: make(map[string]int64),
	}
}

func orderKey(tenantID, orderID string) string {
	return tenantID + "/" + orderID
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository         { return orderRepository{s} }
func (s *Store) Payments() repositories.PaymentRepository     { return paymentRepository{s} }
func (s *Store) ActionLogs() repositories.ActionLogRepository { return actionLogRepository{s} }
func (s *Store) Refunds() repositories.RefundRepository       { return refundRepository{s} }
func (s *Store) Outbox() repositories.OutboxRepository        { return outboxRepository{s} }
func (s *Store) Counters() repositories.CounterRepository     { return counterRepository{s} }

// Health reports the in-memory store as always healthy.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:     "memory",
		Critical: true,
		Check:    func(context.Context) error { return nil },
	}})
	return repo
}

// Events returns a copy of every outbox row in insertion order. Intended for tests.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxEvent(nil), s.outbox...)
}

// ActionLog returns the stored action row for key. Intended for tests.
func (s *Store) ActionLog(key string) (domain.ActionLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.actions[key]
	return entry, ok
}

// PutOrder seeds an order and its payment without any guard. Intended for tests and fixtures.
func (s *Store) PutOrder(order domain.Order, payment domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderKey(order.TenantID, order.ID)] = order.Clone()
	s.payments[orderKey(order.TenantID, order.ID)] = payment.Clone()
}

type orderRepository struct{ s *Store }

func (r orderRepository) Create(_ context.Context, creation repositories.OrderCreation) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey(creation.Order.TenantID, creation.Order.ID)
	if _, exists := s.orders[key]; exists {
		return conflict("orders.create", "order %s already exists", creation.Order.ID)
	}
	var action *domain.ActionLog
	if creation.Action != nil {
		entry, ok := s.actions[creation.Action.Key]
		if !ok {
			return notFound("orders.create", "action %s not found", creation.Action.Key)
		}
		if err := repositories.CheckActionOwnership(entry, *creation.Action); err != nil {
			return err
		}
		action = &entry
	}
	rows, err := outboxRows(creation.Events)
	if err != nil {
		return err
	}

	s.orders[key] = creation.Order.Clone()
	s.payments[key] = creation.Payment.Clone()
	s.outbox = append(s.outbox, rows...)
	if action != nil && creation.Action.Finalize {
		s.actions[action.ActionKey] = repositories.CompleteAction(*action, creation.Action.Result, creation.Order.CreatedAt)
	}
	return nil
}

func (r orderRepository) FindByID(_ context.Context, tenantID, orderID string) (domain.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderKey(tenantID, orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order %s not found", orderID)
	}
	return order.Clone(), nil
}

func (r orderRepository) Commit(_ context.Context, m repositories.OrderMutation) (domain.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey(m.Order.TenantID, m.Order.ID)
	stored, ok := s.orders[key]
	if !ok {
		return domain.Order{}, notFound("orders.commit", "order %s not found", m.Order.ID)
	}
	if err := repositories.CheckVersion(m.Order.ID, stored.Version, m.ExpectedVersion); err != nil {
		return domain.Order{}, err
	}
	var action *domain.ActionLog
	if m.Action != nil {
		entry, ok := s.actions[m.Action.Key]
		if !ok {
			return domain.Order{}, notFound("orders.commit", "action %s not found", m.Action.Key)
		}
		if err := repositories.CheckActionOwnership(entry, *m.Action); err != nil {
			return domain.Order{}, err
		}
		action = &entry
	}
	rows, err := outboxRows(m.Events)
	if err != nil {
		return domain.Order{}, err
	}

	next := m.Order.Clone()
	next.Version = m.ExpectedVersion + 1
	s.orders[key] = next
	if m.Payment != nil {
		payment := m.Payment.Clone()
		payment.RefundReserved = s.payments[key].RefundReserved
		s.payments[key] = payment
	}
	s.outbox = append(s.outbox, rows...)
	if action != nil && m.Action.Finalize {
		s.actions[action.ActionKey] = repositories.CompleteAction(*action, m.Action.Result, next.UpdatedAt)
	}
	return next.Clone(), nil
}

func outboxRows(events []domain.OrderEvent) ([]domain.OutboxEvent, error) {
	rows := make([]domain.OutboxEvent, 0, len(events))
	for _, evt := range events {
		row, err := repositories.NewOutboxEvent(evt)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type paymentRepository struct{ s *Store }

func (r paymentRepository) FindByOrder(_ context.Context, tenantID, orderID string) (domain.Payment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[orderKey(tenantID, orderID)]
	if !ok {
		return domain.Payment{}, notFound("payments.get", "payment for order %s not found", orderID)
	}
	return payment.Clone(), nil
}

type actionLogRepository struct{ s *Store }

func (r actionLogRepository) Reserve(_ context.Context, entry domain.ActionLog, now time.Time, lease time.Duration) (repositories.ActionReservation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *domain.ActionLog
	if stored, ok := s.actions[entry.ActionKey]; ok {
		existing = &stored
	}
	res, write := repositories.ResolveReservation(existing, entry, now, lease)
	if write != nil {
		s.actions[write.ActionKey] = *write
	}
	return res, nil
}

func (r actionLogRepository) Complete(_ context.Context, key string, attempt int, result []byte, now time.Time) error {
	return r.finish(key, attempt, func(entry domain.ActionLog) domain.ActionLog {
		return repositories.CompleteAction(entry, result, now)
	})
}

func (r actionLogRepository) Fail(_ context.Context, key string, attempt int, code, message string, now time.Time) error {
	return r.finish(key, attempt, func(entry domain.ActionLog) domain.ActionLog {
		return repositories.FailAction(entry, code, message, now)
	})
}

func (r actionLogRepository) finish(key string, attempt int, fn func(domain.ActionLog) domain.ActionLog) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.actions[key]
	if !ok {
		return notFound("actions.finish", "action %s not found", key)
	}
	if err := repositories.CheckActionOwnership(entry, repositories.ActionCommit{Key: key, Attempt: attempt}); err != nil {
		return err
	}
	s.actions[key] = fn(entry)
	return nil
}

func (r actionLogRepository) Find(_ context.Context, key string) (domain.ActionLog, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.actions[key]
	if !ok {
		return domain.ActionLog{}, notFound("actions.get", "action %s not found", key)
	}
	return entry, nil
}

type refundRepository struct{ s *Store }

func (r refundRepository) Create(_ context.Context, refund domain.RefundOrder) (domain.RefundOrder, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.refunds[refund.IdemKey]; ok {
		return existing, false, nil
	}
	key := orderKey(refund.TenantID, refund.OrderID)
	payment, ok := s.payments[key]
	if !ok {
		return domain.RefundOrder{}, false, notFound("refunds.create", "payment for order %s not found", refund.OrderID)
	}
	if err := payment.ReserveRefund(refund.RefundAmount); err != nil {
		return domain.RefundOrder{}, false, err
	}
	s.payments[key] = payment
	refund.Version = 1
	s.refunds[refund.IdemKey] = refund
	return refund, true, nil
}

func (r refundRepository) Update(_ context.Context, refund domain.RefundOrder, expectedVersion int64) (domain.RefundOrder, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.refunds[refund.IdemKey]
	if !ok {
		return domain.RefundOrder{}, notFound("refunds.update", "refund %s not found", refund.RefundID)
	}
	if stored.Version != expectedVersion {
		return domain.RefundOrder{}, conflict("refunds.update", "refund %s expected version %d, found %d", refund.RefundID, expectedVersion, stored.Version)
	}
	if repositories.ReleasesRefundReservation(stored, refund) {
		key := orderKey(stored.TenantID, stored.OrderID)
		if payment, ok := s.payments[key]; ok {
			payment.ReleaseRefund(stored.RefundAmount)
			s.payments[key] = payment
		}
	}
	refund.Version = expectedVersion + 1
	s.refunds[refund.IdemKey] = refund
	return refund, nil
}

func (r refundRepository) FindByIdemKey(_ context.Context, idemKey string) (domain.RefundOrder, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	refund, ok := s.refunds[idemKey]
	if !ok {
		return domain.RefundOrder{}, notFound("refunds.get", "refund %s not found", idemKey)
	}
	return refund, nil
}

func (r refundRepository) ListByOrder(_ context.Context, tenantID, orderID string) ([]domain.RefundOrder, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RefundOrder
	for _, refund := range s.refunds {
		if refund.TenantID == tenantID && refund.OrderID == orderID {
			out = append(out, refund)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RefundID < out[j].RefundID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type outboxRepository struct{ s *Store }

func (r outboxRepository) ListPending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, row := range s.outbox {
		if row.PublishedAt != nil {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r outboxRepository) MarkPublished(_ context.Context, eventID string, publishedAt time.Time) error {
	return r.update(eventID, func(row *domain.OutboxEvent) {
		at := publishedAt
		row.PublishedAt = &at
	})
}

func (r outboxRepository) MarkFailed(_ context.Context, eventID string) error {
	return r.update(eventID, func(row *domain.OutboxEvent) {
		row.Attempts++
	})
}

func (r outboxRepository) update(eventID string, fn func(*domain.OutboxEvent)) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == eventID {
			fn(&s.outbox[i])
			return nil
		}
	}
	return notFound("outbox.update", "event %s not found", eventID)
}

type counterRepository struct{ s *Store }

func (r counterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	if counterID == "" {
		return 0, repositories.InvalidCounterInput("", "counter id is required")
	}
	if step < 0 {
		return 0, repositories.InvalidCounterInput(counterID, fmt.Sprintf("step must not be negative, got %d", step))
	}
	if step == 0 {
		step = 1
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterID] += step
	return s.counters[counterID], nil
}
