package firestore

import (
	"context"
	"errors"

	pfirestore "finitefield.org/order-engine/internal/platform/firestore"
	"finitefield.org/order-engine/internal/repositories"
)

// Registry wires every Firestore-backed repository around one provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	payments *PaymentRepository
	actions  *ActionLogRepository
	refunds  *RefundRepository
	outbox   *OutboxRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the Firestore repositories. Health probes ping the provider.
func NewRegistry(provider *pfirestore.Provider, opts ...repositories.DependencyHealthOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	actions, err := NewActionLogRepository(provider)
	if err != nil {
		return nil, err
	}
	refunds, err := NewRefundRepository(provider)
	if err != nil {
		return nil, err
	}
	outbox, err := NewOutboxRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Check:    provider.Ping,
	}}, opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		orders:   orders,
		payments: payments,
		actions:  actions,
		refunds:  refunds,
		outbox:   outbox,
		counters: counters,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository         { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository     { return r.payments }
func (r *Registry) ActionLogs() repositories.ActionLogRepository { return r.actions }
func (r *Registry) Refunds() repositories.RefundRepository       { return r.refunds }
func (r *Registry) Outbox() repositories.OutboxRepository        { return r.outbox }
func (r *Registry) Counters() repositories.CounterRepository     { return r.counters }
func (r *Registry) Health() repositories.HealthRepository        { return r.health }
