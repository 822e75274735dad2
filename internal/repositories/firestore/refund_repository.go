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

// RefundRepository stores refund orders keyed by the SHA-256 of their idempotency key and
// keeps the refund reservation on the order's payment document in step with them.
type RefundRepository struct {
	provider *pfirestore.Provider
	refunds  *pfirestore.Collection[refundDocument]
	payments *pfirestore.Collection[paymentDocument]
}

var _ repositories.RefundRepository = (*RefundRepository)(nil)

// NewRefundRepository constructs a Firestore-backed refund repository.
func NewRefundRepository(provider *pfirestore.Provider) (*RefundRepository, error) {
	if provider == nil {
		return nil, errors.New("refund repository requires firestore provider")
	}
	return &RefundRepository{
		provider: provider,
		refunds:  pfirestore.NewCollection[refundDocument](provider, refundsCollection),
		payments: pfirestore.NewCollection[paymentDocument](provider, paymentsCollection),
	}, nil
}

// Create inserts refund unless its idempotency key is already taken. The refund amount is
// reserved on the payment document in the same transaction, so concurrent refunds cannot
// promise more than the captured amount.
func (r *RefundRepository) Create(ctx context.Context, refund domain.RefundOrder) (domain.RefundOrder, bool, error) {
	id := repositories.DocumentKey(refund.IdemKey)
	paymentID := orderDocID(refund.TenantID, refund.OrderID)
	var (
		stored  domain.RefundOrder
		created bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		doc, err := r.refunds.Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if doc.Exists {
			stored = decodeRefund(doc.Data)
			return nil
		}
		paymentDoc, err := r.payments.Load(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !paymentDoc.Exists {
			return domain.Errorf(domain.CodeNotFound, "payment for order %s not found", refund.OrderID)
		}
		payment := decodePayment(paymentDoc.Data)
		if err := payment.ReserveRefund(refund.RefundAmount); err != nil {
			return err
		}

		fresh := refund
		fresh.Version = 1
		if err := tx.Create(doc.Ref, encodeRefund(fresh)); err != nil {
			return err
		}
		if err := tx.Update(paymentDoc.Ref, []firestore.Update{{Path: "refundReserved", Value: payment.RefundReserved}}); err != nil {
			return err
		}
		stored = fresh
		created = true
		return nil
	}, pfirestore.WithTxOp("refunds.create"))
	if err != nil {
		return domain.RefundOrder{}, false, pfirestore.WrapError("refunds.create", err)
	}
	return stored, created, nil
}

// Update writes refund when the stored version still equals expectedVersion. Moving a pending
// refund to FAILED releases its reservation on the payment document.
func (r *RefundRepository) Update(ctx context.Context, refund domain.RefundOrder, expectedVersion int64) (domain.RefundOrder, error) {
	id := repositories.DocumentKey(refund.IdemKey)
	var updated domain.RefundOrder
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.refunds.Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !doc.Exists {
			return domain.Errorf(domain.CodeNotFound, "refund %s not found", refund.RefundID)
		}
		if doc.Data.Version != expectedVersion {
			return domain.NewError(domain.CodeVersionConflict, "", fmt.Errorf("refund %s: expected version %d, found %d", refund.RefundID, expectedVersion, doc.Data.Version))
		}
		var paymentDoc pfirestore.Document[paymentDocument]
		release := repositories.ReleasesRefundReservation(decodeRefund(doc.Data), refund)
		if release {
			if paymentDoc, err = r.payments.Load(ctx, tx, orderDocID(refund.TenantID, refund.OrderID)); err != nil {
				return err
			}
		}

		next := refund
		next.Version = expectedVersion + 1
		if err := tx.Set(doc.Ref, encodeRefund(next)); err != nil {
			return err
		}
		if release && paymentDoc.Exists {
			payment := decodePayment(paymentDoc.Data)
			payment.ReleaseRefund(doc.Data.RefundAmount)
			if err := tx.Update(paymentDoc.Ref, []firestore.Update{{Path: "refundReserved", Value: payment.RefundReserved}}); err != nil {
				return err
			}
		}
		updated = next
		return nil
	}, pfirestore.WithTxOp("refunds.update"))
	if err != nil {
		return domain.RefundOrder{}, pfirestore.WrapError("refunds.update", err)
	}
	return updated, nil
}

// FindByIdemKey loads a refund by its idempotency key.
func (r *RefundRepository) FindByIdemKey(ctx context.Context, idemKey string) (domain.RefundOrder, error) {
	doc, err := r.refunds.Get(ctx, repositories.DocumentKey(idemKey))
	if err != nil {
		return domain.RefundOrder{}, err
	}
	return decodeRefund(doc.Data), nil
}

// ListByOrder returns refunds for an order, oldest first.
func (r *RefundRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.RefundOrder, error) {
	docs, err := r.refunds.List(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("tenantId", "==", tenantID).
			Where("orderId", "==", orderID).
			OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.RefundOrder, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeRefund(doc.Data))
	}
	return out, nil
}
