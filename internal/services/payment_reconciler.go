package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

// PaymentReconcilerDeps bundles collaborators required to construct the payment reconciler.
type PaymentReconcilerDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Wallet      WalletClient
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	wallet   WalletClient
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler implementation.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment reconciler: payment repository is required")
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

	return &paymentReconciler{
		orders:   deps.Orders,
		payments: deps.Payments,
		wallet:   deps.Wallet,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (r *paymentReconciler) OnPaySuccess(ctx context.Context, n PaySuccessNotification) (OrderView, error) {
	order, payment, err := r.load(ctx, n.OrderRef)
	if err != nil {
		return OrderView{}, err
	}
	switch payment.PayStatus {
	case domain.PayStatusPaid, domain.PayStatusRefunding, domain.PayStatusPartialRefunded, domain.PayStatusRefunded:
		return idempotentView(order), nil
	}
	if order.Terminal() {
		// the charge landed after the order closed; the gateway keeps redelivering unless acknowledged
		r.logger(ctx, "payment.captured_after_cancel", map[string]any{
			"orderId":      order.ID,
			"status":       string(order.Status),
			"thirdTradeNo": strings.TrimSpace(n.ThirdTradeNo),
			"amount":       n.Amount,
		})
		return idempotentView(order), nil
	}

	if n.Amount != order.PayableAmount {
		r.logger(ctx, "payment.amount_mismatch", map[string]any{
			"orderId":       order.ID,
			"payableAmount": order.PayableAmount,
			"paidAmount":    n.Amount,
			"thirdTradeNo":  n.ThirdTradeNo,
		})
	}

	paidAt := n.PaidAt.UTC()
	if n.PaidAt.IsZero() {
		paidAt = r.clock()
	}
	next := order.Clone()
	change, err := next.MarkPaid(paidAt)
	if err != nil {
		return OrderView{}, err
	}

	nextPayment := payment.Clone()
	nextPayment.PayStatus = domain.PayStatusPaid
	nextPayment.PayTime = &paidAt
	nextPayment.ThirdTradeNo = strings.TrimSpace(n.ThirdTradeNo)
	if n.Channel != "" {
		nextPayment.PayChannel = n.Channel
	}
	nextPayment.UpdatedAt = r.clock()

	return r.commit(ctx, order, next, &nextPayment, change, map[string]any{
		"thirdTradeNo": nextPayment.ThirdTradeNo,
		"payChannel":   string(nextPayment.PayChannel),
		"amount":       n.Amount,
	})
}

func (r *paymentReconciler) OnPayFailed(ctx context.Context, n PayFailedNotification) (OrderView, error) {
	order, payment, err := r.load(ctx, n.OrderRef)
	if err != nil {
		return OrderView{}, err
	}
	if order.Terminal() || paymentResolved(payment.PayStatus) {
		return idempotentView(order), nil
	}
	tradeNo := strings.TrimSpace(n.ThirdTradeNo)
	if payment.PayStatus == domain.PayStatusPayFailed && tradeNo != "" && payment.ThirdTradeNo == tradeNo {
		return idempotentView(order), nil
	}

	next := order.Clone()
	change, err := next.MarkPayFailed(r.clock())
	if err != nil {
		return OrderView{}, err
	}
	nextPayment := payment.Clone()
	nextPayment.PayStatus = domain.PayStatusPayFailed
	if tradeNo != "" {
		nextPayment.ThirdTradeNo = tradeNo
	}
	nextPayment.UpdatedAt = r.clock()

	metadata := map[string]any{"thirdTradeNo": tradeNo}
	if reason := strings.TrimSpace(n.Reason); reason != "" {
		metadata["reason"] = reason
	}
	return r.commit(ctx, order, next, &nextPayment, change, metadata)
}

func (r *paymentReconciler) OnPayTimeoutCancel(ctx context.Context, ref OrderRef) (OrderView, error) {
	order, payment, err := r.load(ctx, ref)
	if err != nil {
		return OrderView{}, err
	}
	if order.Status != domain.OrderStatusWaitPay && order.Status != domain.OrderStatusInit {
		return idempotentView(order), nil
	}
	if paymentResolved(payment.PayStatus) {
		return idempotentView(order), nil
	}

	next := order.Clone()
	change, err := next.TimeoutCancel(r.clock())
	if err != nil {
		return OrderView{}, err
	}
	view, err := r.commit(ctx, order, next, nil, change, map[string]any{"reasonCode": next.CancelReasonCode})
	if err != nil {
		return OrderView{}, err
	}
	if payment.PayChannel == domain.PayChannelWallet && r.wallet != nil {
		if err := r.wallet.ReleaseFreeze(context.WithoutCancel(ctx), WalletRequest{
			TenantID: order.TenantID,
			StoreID:  order.StoreID,
			OrderID:  order.ID,
			UserID:   order.UserID,
			Amount:   payment.PayAmount,
			Currency: payment.Currency,
		}); err != nil {
			r.logger(ctx, "payment.wallet.release_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}
	return view, nil
}

func (r *paymentReconciler) OnFullRefundSuccess(ctx context.Context, n RefundNotification) (OrderView, error) {
	return r.applyRefund(ctx, n, true)
}

func (r *paymentReconciler) OnPartialRefundSuccess(ctx context.Context, n RefundNotification) (OrderView, error) {
	return r.applyRefund(ctx, n, false)
}

func (r *paymentReconciler) applyRefund(ctx context.Context, n RefundNotification, full bool) (OrderView, error) {
	order, payment, err := r.load(ctx, n.OrderRef)
	if err != nil {
		return OrderView{}, err
	}
	if order.Status == domain.OrderStatusRefunded || payment.PayStatus == domain.PayStatusRefunded {
		return idempotentView(order), nil
	}
	refundNo := strings.TrimSpace(n.RefundNo)
	if refundNo != "" && refundNo == payment.LastRefundNo {
		return idempotentView(order), nil
	}
	if payment.PayStatus != domain.PayStatusPaid && payment.PayStatus != domain.PayStatusPartialRefunded && payment.PayStatus != domain.PayStatusRefunding {
		return OrderView{}, domain.Errorf(domain.CodeStateConflict, "order %s has no captured payment to refund (payStatus %s)", order.ID, payment.PayStatus)
	}

	nextPayment := payment.Clone()
	if full {
		nextPayment.RefundedAmount = payment.PayAmount
	} else {
		switch {
		case n.RefundedTotal > 0:
			if n.RefundedTotal <= payment.RefundedAmount {
				return idempotentView(order), nil
			}
			nextPayment.RefundedAmount = n.RefundedTotal
		case n.RefundAmount > 0:
			nextPayment.RefundedAmount += n.RefundAmount
		default:
			return OrderView{}, validationError("refundAmount must be positive")
		}
		if nextPayment.RefundedAmount >= payment.PayAmount {
			nextPayment.RefundedAmount = payment.PayAmount
			full = true
		}
	}

	now := r.clock()
	next := order.Clone()
	change, err := next.ApplyRefund(full, now)
	if err != nil {
		return OrderView{}, err
	}
	nextPayment.PayStatus = next.PayStatus
	nextPayment.LastRefundNo = refundNo
	nextPayment.UpdatedAt = now

	amount := nextPayment.RefundedAmount - payment.RefundedAmount
	return r.commit(ctx, order, next, &nextPayment, change, map[string]any{
		"refundNo":       refundNo,
		"refundAmount":   amount,
		"refundedAmount": nextPayment.RefundedAmount,
	})
}

func (r *paymentReconciler) PayWithWallet(ctx context.Context, cmd WalletPayCommand) (OrderView, error) {
	if err := validateOrderRef(cmd.OrderRef); err != nil {
		return OrderView{}, err
	}
	if strings.TrimSpace(cmd.UserID) == "" {
		return OrderView{}, validationError("userId is required")
	}
	if strings.TrimSpace(cmd.RequestID) == "" {
		return OrderView{}, validationError("requestId is required")
	}
	if r.wallet == nil {
		return OrderView{}, domain.Errorf(domain.CodeSystemError, "wallet payments are not configured")
	}

	order, payment, err := r.load(ctx, cmd.OrderRef)
	if err != nil {
		return OrderView{}, err
	}
	if order.UserID != strings.TrimSpace(cmd.UserID) {
		return OrderView{}, domain.ErrOwnerMismatch
	}
	if paymentResolved(payment.PayStatus) {
		return idempotentView(order), nil
	}
	if !domain.CanTransition(order.BizType, order.Status, domain.EventPaySuccess) {
		return OrderView{}, domain.Errorf(domain.CodeStateConflict, "order %s in status %s is not awaiting payment", order.ID, order.Status)
	}

	paid, err := r.wallet.PayWithWallet(ctx, WalletRequest{
		TenantID:  order.TenantID,
		StoreID:   order.StoreID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    order.PayableAmount,
		Currency:  order.Currency,
		RequestID: strings.TrimSpace(cmd.RequestID),
	})
	if err != nil {
		return OrderView{}, domain.NewError(domain.CodeGatewayFailure, "wallet payment failed", err)
	}
	return r.OnPaySuccess(ctx, PaySuccessNotification{
		OrderRef:     cmd.OrderRef,
		Channel:      domain.PayChannelWallet,
		Amount:       order.PayableAmount,
		ThirdTradeNo: paid.TradeNo,
		PaidAt:       paid.PaidAt,
	})
}

func (r *paymentReconciler) load(ctx context.Context, ref OrderRef) (Order, Payment, error) {
	ref = OrderRef{
		TenantID: strings.TrimSpace(ref.TenantID),
		StoreID:  strings.TrimSpace(ref.StoreID),
		OrderID:  strings.TrimSpace(ref.OrderID),
	}
	if err := validateOrderRef(ref); err != nil {
		return Order{}, Payment{}, err
	}
	order, err := loadOrder(ctx, r.orders, ref)
	if err != nil {
		return Order{}, Payment{}, err
	}
	payment, err := r.payments.FindByOrder(ctx, order.TenantID, order.ID)
	if err != nil {
		return Order{}, Payment{}, mapRepositoryError(err, "load payment")
	}
	return order, payment, nil
}

// commit writes the order and payment under the version guard with one outbox event.
func (r *paymentReconciler) commit(ctx context.Context, order, next Order, payment *Payment, change domain.StatusChange, metadata map[string]any) (OrderView, error) {
	event := order.NewEvent(r.newID(), change, "system", "", metadata)
	saved, err := r.orders.Commit(ctx, repositories.OrderMutation{
		Order:           next,
		ExpectedVersion: order.Version,
		Payment:         payment,
		Events:          []OrderEvent{event},
	})
	if err != nil {
		return OrderView{}, mapRepositoryError(err, "commit order")
	}
	return newOrderView(saved), nil
}

func paymentResolved(status PayStatus) bool {
	switch status {
	case domain.PayStatusPaid, domain.PayStatusRefunding, domain.PayStatusPartialRefunded, domain.PayStatusRefunded:
		return true
	default:
		return false
	}
}

func idempotentView(order Order) OrderView {
	view := newOrderView(order)
	view.Idempotent = true
	return view
}
