package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	"finitefield.org/order-engine/internal/domain"
	pfirestore "finitefield.org/order-engine/internal/platform/firestore"
	"finitefield.org/order-engine/internal/repositories"
)

// OrderRepository stores orders, their payment rows and outbox events in one transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	payments *pfirestore.Collection[paymentDocument]
	actions  *pfirestore.Collection[actionLogDocument]
	outbox   *pfirestore.Collection[outboxDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		payments: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection),
		actions:  pfirestore.NewCollection[actionLogDocument](provider, actionLogsCollection),
		outbox:   pfirestore.NewCollection[outboxDocument](provider, outboxCollection),
	}, nil
}

// Create inserts a new order. The order document is created with Create so a duplicate ID fails.
func (r *OrderRepository) Create(ctx context.Context, creation repositories.OrderCreation) error {
	order := creation.Order
	docID := orderDocID(order.TenantID, order.ID)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		action, actionRef, err := r.ownedAction(ctx, tx, creation.Action)
		if err != nil {
			return err
		}

		orderRef, err := r.orders.Ref(ctx, docID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		paymentRef, err := r.payments.Ref(ctx, docID)
		if err != nil {
			return err
		}
		if err := tx.Create(paymentRef, encodePayment(creation.Payment)); err != nil {
			return err
		}
		if err := r.writeEvents(ctx, tx, creation.Events); err != nil {
			return err
		}
		if action != nil && creation.Action.Finalize {
			done := repositories.CompleteAction(*action, creation.Action.Result, order.CreatedAt)
			return tx.Set(actionRef, encodeActionLog(done))
		}
		return nil
	}, pfirestore.WithTxOp("orders.create"))
	return pfirestore.WrapError("orders.create", err)
}

// FindByID loads the order identified by tenant and order ID.
func (r *OrderRepository) FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderDocID(tenantID, orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.Data), nil
}

// Commit performs the conditional write: the stored version is re-read inside the transaction
// and must equal ExpectedVersion, otherwise nothing is written.
func (r *OrderRepository) Commit(ctx context.Context, m repositories.OrderMutation) (domain.Order, error) {
	docID := orderDocID(m.Order.TenantID, m.Order.ID)
	var committed domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, err := r.orders.Load(ctx, tx, docID)
		if err != nil {
			return err
		}
		if !stored.Exists {
			return domain.Errorf(domain.CodeNotFound, "order %s not found", m.Order.ID)
		}
		if err := repositories.CheckVersion(m.Order.ID, stored.Data.Version, m.ExpectedVersion); err != nil {
			return err
		}
		action, actionRef, err := r.ownedAction(ctx, tx, m.Action)
		if err != nil {
			return err
		}
		var payment pfirestore.Document[paymentDocument]
		if m.Payment != nil {
			if payment, err = r.payments.Load(ctx, tx, docID); err != nil {
				return err
			}
		}

		next := m.Order.Clone()
		next.Version = m.ExpectedVersion + 1

		if err := tx.Set(stored.Ref, encodeOrder(next)); err != nil {
			return err
		}
		if m.Payment != nil {
			// the reservation belongs to the refund repository; keep the stored value
			row := encodePayment(*m.Payment)
			row.RefundReserved = payment.Data.RefundReserved
			if err := tx.Set(payment.Ref, row); err != nil {
				return err
			}
		}
		if err := r.writeEvents(ctx, tx, m.Events); err != nil {
			return err
		}
		if action != nil && m.Action.Finalize {
			done := repositories.CompleteAction(*action, m.Action.Result, next.UpdatedAt)
			if err := tx.Set(actionRef, encodeActionLog(done)); err != nil {
				return err
			}
		}
		committed = next
		return nil
	}, pfirestore.WithTxOp("orders.commit"))
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.commit", err)
	}
	return committed, nil
}

// ownedAction reads the action row referenced by commit and checks the caller still owns it.
// Firestore requires every read to precede the writes, so callers invoke this first.
func (r *OrderRepository) ownedAction(ctx context.Context, tx *firestore.Transaction, commit *repositories.ActionCommit) (*domain.ActionLog, *firestore.DocumentRef, error) {
	if commit == nil {
		return nil, nil, nil
	}
	id := repositories.DocumentKey(commit.Key)
	doc, err := r.actions.Load(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if !doc.Exists {
		return nil, nil, domain.NewError(domain.CodeIdempotencyConflict, "", fmt.Errorf("action %s not reserved", commit.Key))
	}
	entry := decodeActionLog(doc.Data)
	if err := repositories.CheckActionOwnership(entry, *commit); err != nil {
		return nil, nil, err
	}
	return &entry, doc.Ref, nil
}

func (r *OrderRepository) writeEvents(ctx context.Context, tx *firestore.Transaction, events []domain.OrderEvent) error {
	for _, evt := range events {
		row, err := repositories.NewOutboxEvent(evt)
		if err != nil {
			return err
		}
		ref, err := r.outbox.Ref(ctx, row.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(ref, encodeOutbox(row)); err != nil {
			return err
		}
	}
	return nil
}

// PaymentRepository reads payment rows written by OrderRepository.
type PaymentRepository struct {
	payments *pfirestore.Collection[paymentDocument]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment reader.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{payments: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection)}, nil
}

// FindByOrder loads the payment row for an order.
func (r *PaymentRepository) FindByOrder(ctx context.Context, tenantID, orderID string) (domain.Payment, error) {
	doc, err := r.payments.Get(ctx, orderDocID(tenantID, orderID))
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(doc.Data), nil
}
