package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

// RefundServiceDeps bundles collaborators required to construct the refund orchestrator.
type RefundServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Refunds     repositories.RefundRepository
	Gateway     RefundGateway
	Wallet      WalletClient
	Reconciler  PaymentReconciler
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type refundService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	refunds    repositories.RefundRepository
	gateway    RefundGateway
	wallet     WalletClient
	reconciler PaymentReconciler
	sanitizer  *bluemonday.Policy
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewRefundService wires dependencies into a concrete RefundService implementation.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund service: payment repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("refund service: refund repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("refund service: refund gateway is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("refund service: payment reconciler is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &refundService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		refunds:    deps.Refunds,
		gateway:    deps.Gateway,
		wallet:     deps.Wallet,
		reconciler: deps.Reconciler,
		sanitizer:  bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ApplyRefund creates the refund row, calls the gateway once, then reflects the outcome.
// A gateway failure leaves the order untouched. Once the gateway has refunded, a version
// conflict on the order update is logged for out-of-band reconciliation and not retried.
func (s *refundService) ApplyRefund(ctx context.Context, cmd RefundCommand) (RefundView, error) {
	cmd = normalizeRefundCommand(cmd)
	if err := validateOrderRef(cmd.OrderRef); err != nil {
		return RefundView{}, err
	}
	if cmd.RequestID == "" {
		return RefundView{}, validationError("requestId is required")
	}
	if cmd.RefundAmount <= 0 {
		return RefundView{}, validationError("refundAmount must be positive")
	}

	order, err := loadOrder(ctx, s.orders, cmd.OrderRef)
	if err != nil {
		return RefundView{}, err
	}

	idemKey := domain.RefundIdemKey(cmd.TenantID, cmd.StoreID, cmd.OrderID, cmd.RequestID)
	if view, found, err := s.replay(ctx, idemKey, cmd.OrderRef, order); err != nil || found {
		return view, err
	}

	payment, err := s.payments.FindByOrder(ctx, order.TenantID, order.ID)
	if err != nil {
		return RefundView{}, mapRepositoryError(err, "load payment")
	}
	precheck := payment
	if err := precheck.ReserveRefund(cmd.RefundAmount); err != nil {
		return s.rejectOrReplay(ctx, idemKey, cmd.OrderRef, order, err)
	}

	now := s.clock()
	stored, created, err := s.refunds.Create(ctx, RefundOrder{
		TenantID:     order.TenantID,
		StoreID:      order.StoreID,
		OrderID:      order.ID,
		RefundID:     s.newID(),
		IdemKey:      idemKey,
		RequestID:    cmd.RequestID,
		RefundAmount: cmd.RefundAmount,
		Currency:     payment.Currency,
		Reason:       s.sanitizeReason(cmd.Reason),
		Status:       domain.RefundStatusInit,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		// the reservation on the payment row is the authoritative amount check
		return s.rejectOrReplay(ctx, idemKey, cmd.OrderRef, order, mapRepositoryError(err, "create refund"))
	}
	if !created {
		return RefundView{Refund: stored, Order: newOrderView(order), Idempotent: true}, nil
	}

	result, gwErr := s.gateway.Refund(ctx, RefundRequest{
		TenantID:       order.TenantID,
		StoreID:        order.StoreID,
		OrderID:        order.ID,
		RefundID:       stored.RefundID,
		IdempotencyKey: idemKey,
		ThirdTradeNo:   payment.ThirdTradeNo,
		PayChannel:     payment.PayChannel,
		Amount:         stored.RefundAmount,
		Currency:       stored.Currency,
		Reason:         stored.Reason,
	})
	if gwErr != nil || !result.Success {
		return RefundView{}, s.failRefund(ctx, stored, result, gwErr)
	}

	succeeded := stored
	succeeded.Status = domain.RefundStatusSuccess
	succeeded.RefundNo = strings.TrimSpace(result.RefundNo)
	succeeded.UpdatedAt = s.clock()
	if updated, err := s.refunds.Update(context.WithoutCancel(ctx), succeeded, stored.Version); err != nil {
		s.logger(ctx, "refund.mark_success_failed", map[string]any{
			"refundId": stored.RefundID,
			"refundNo": succeeded.RefundNo,
			"error":    err.Error(),
		})
	} else {
		succeeded = updated
	}

	if payment.PayChannel == domain.PayChannelWallet {
		s.revertWallet(ctx, order, succeeded)
	}

	notification := RefundNotification{
		OrderRef:     cmd.OrderRef,
		RefundNo:     refundReference(succeeded),
		RefundAmount: succeeded.RefundAmount,
	}
	var view OrderView
	// amounts still reserved by other in-flight refunds do not count toward a full refund;
	// the reconciler promotes a partial refund once the settled total reaches the pay amount
	if payment.RefundedAmount+succeeded.RefundAmount >= payment.PayAmount {
		view, err = s.reconciler.OnFullRefundSuccess(ctx, notification)
	} else {
		view, err = s.reconciler.OnPartialRefundSuccess(ctx, notification)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrVersionConflict) {
			return RefundView{Refund: succeeded}, err
		}
		s.logger(ctx, "refund_order_status_conflict", map[string]any{
			"orderId":      order.ID,
			"refundId":     succeeded.RefundID,
			"refundNo":     succeeded.RefundNo,
			"refundAmount": succeeded.RefundAmount,
			"error":        err.Error(),
		})
		current, loadErr := loadOrder(ctx, s.orders, cmd.OrderRef)
		if loadErr != nil {
			current = order
		}
		view = newOrderView(current)
	}
	return RefundView{Refund: succeeded, Order: view}, nil
}

// rejectOrReplay answers a refused refund. A concurrent duplicate may have completed between
// the idempotency lookup and the refusal, in which case its row is returned instead.
func (s *refundService) rejectOrReplay(ctx context.Context, idemKey string, ref OrderRef, order Order, rejection error) (RefundView, error) {
	code := domain.CodeOf(rejection)
	if code != domain.CodeValidation && code != domain.CodeStateConflict {
		return RefundView{}, rejection
	}
	if view, found, err := s.replay(ctx, idemKey, ref, order); err != nil || found {
		return view, err
	}
	return RefundView{}, rejection
}

// replay returns the stored refund for idemKey, if any, with the current order view.
func (s *refundService) replay(ctx context.Context, idemKey string, ref OrderRef, order Order) (RefundView, bool, error) {
	existing, err := s.refunds.FindByIdemKey(ctx, idemKey)
	if err != nil {
		if isNotFound(err) {
			return RefundView{}, false, nil
		}
		return RefundView{}, false, mapRepositoryError(err, "load refund")
	}
	if current, err := loadOrder(ctx, s.orders, ref); err == nil {
		order = current
	}
	return RefundView{Refund: existing, Order: newOrderView(order), Idempotent: true}, true, nil
}

func (s *refundService) ListRefunds(ctx context.Context, tenantID, storeID, orderID string) ([]RefundOrder, error) {
	ref := OrderRef{TenantID: strings.TrimSpace(tenantID), StoreID: strings.TrimSpace(storeID), OrderID: strings.TrimSpace(orderID)}
	if err := validateOrderRef(ref); err != nil {
		return nil, err
	}
	if _, err := loadOrder(ctx, s.orders, ref); err != nil {
		return nil, err
	}
	refunds, err := s.refunds.ListByOrder(ctx, ref.TenantID, ref.OrderID)
	if err != nil {
		return nil, mapRepositoryError(err, "list refunds")
	}
	return refunds, nil
}

func (s *refundService) failRefund(ctx context.Context, refund RefundOrder, result RefundResult, gwErr error) error {
	msg := strings.TrimSpace(result.ErrorMsg)
	if gwErr != nil {
		msg = gwErr.Error()
	}
	if msg == "" {
		msg = "refund declined"
	}
	failed := refund
	failed.Status = domain.RefundStatusFailed
	failed.ErrorMsg = msg
	failed.UpdatedAt = s.clock()
	if _, err := s.refunds.Update(context.WithoutCancel(ctx), failed, refund.Version); err != nil {
		s.logger(ctx, "refund.mark_failed_failed", map[string]any{
			"refundId": refund.RefundID,
			"error":    err.Error(),
		})
	}
	s.logger(ctx, "refund.gateway_failed", map[string]any{
		"orderId":  refund.OrderID,
		"refundId": refund.RefundID,
		"amount":   refund.RefundAmount,
		"error":    msg,
	})
	cause := gwErr
	if cause == nil {
		cause = errors.New(msg)
	}
	return domain.NewError(domain.CodeGatewayFailure, fmt.Sprintf("refund failed: %s", msg), cause)
}

func (s *refundService) revertWallet(ctx context.Context, order Order, refund RefundOrder) {
	if s.wallet == nil {
		s.logger(ctx, "refund.wallet.revert_skipped", map[string]any{
			"orderId": order.ID,
			"reason":  "wallet client not configured",
		})
		return
	}
	err := s.wallet.RevertPayment(context.WithoutCancel(ctx), WalletRequest{
		TenantID:  order.TenantID,
		StoreID:   order.StoreID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    refund.RefundAmount,
		Currency:  refund.Currency,
		RequestID: refund.IdemKey,
	})
	if err != nil {
		s.logger(ctx, "refund.wallet.revert_failed", map[string]any{
			"orderId":  order.ID,
			"refundId": refund.RefundID,
			"amount":   refund.RefundAmount,
			"error":    err.Error(),
		})
	}
}

func (s *refundService) sanitizeReason(reason string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(reason))
	if len([]rune(clean)) > maxReasonDescLength {
		clean = string([]rune(clean)[:maxReasonDescLength])
	}
	return clean
}

// refundReference is the number recorded on the payment so redelivered notifications dedupe.
func refundReference(refund RefundOrder) string {
	if refund.RefundNo != "" {
		return refund.RefundNo
	}
	return refund.RefundID
}

func normalizeRefundCommand(cmd RefundCommand) RefundCommand {
	cmd.TenantID = strings.TrimSpace(cmd.TenantID)
	cmd.StoreID = strings.TrimSpace(cmd.StoreID)
	cmd.OrderID = strings.TrimSpace(cmd.OrderID)
	cmd.OperatorID = strings.TrimSpace(cmd.OperatorID)
	cmd.RequestID = strings.TrimSpace(cmd.RequestID)
	return cmd
}
