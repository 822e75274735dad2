package services

import (
	"context"
	"time"

	domain "finitefield.org/order-engine/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order        = domain.Order
	OrderItem    = domain.OrderItem
	OrderStatus  = domain.OrderStatus
	PayStatus    = domain.PayStatus
	PayChannel   = domain.PayChannel
	Payment      = domain.Payment
	RefundOrder  = domain.RefundOrder
	OrderEvent   = domain.OrderEvent
	HealthReport = domain.HealthReport
)

// OrderCommandService runs merchant and customer commands against an order. Every mutating
// method is idempotent on (tenant, store, order, action, requestId).
type OrderCommandService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderView, error)
	GetOrder(ctx context.Context, tenantID, storeID, orderID string) (Order, error)
	Submit(ctx context.Context, cmd OrderCommand) (OrderView, error)
	Accept(ctx context.Context, cmd OrderCommand) (OrderView, error)
	Reject(ctx context.Context, cmd RejectCommand) (OrderView, error)
	StartPrepare(ctx context.Context, cmd OrderCommand) (OrderView, error)
	MarkReady(ctx context.Context, cmd OrderCommand) (OrderView, error)
	Complete(ctx context.Context, cmd OrderCommand) (OrderView, error)
	Cancel(ctx context.Context, cmd CancelCommand) (OrderView, error)
	UserCancel(ctx context.Context, cmd CancelCommand) (OrderView, error)
}

// PaymentReconciler applies asynchronous payment notifications. Each entry point tolerates
// redelivery and reports Idempotent when there was nothing left to do.
type PaymentReconciler interface {
	OnPaySuccess(ctx context.Context, n PaySuccessNotification) (OrderView, error)
	OnPayFailed(ctx context.Context, n PayFailedNotification) (OrderView, error)
	OnPayTimeoutCancel(ctx context.Context, ref OrderRef) (OrderView, error)
	OnFullRefundSuccess(ctx context.Context, n RefundNotification) (OrderView, error)
	OnPartialRefundSuccess(ctx context.Context, n RefundNotification) (OrderView, error)
	PayWithWallet(ctx context.Context, cmd WalletPayCommand) (OrderView, error)
}

// RefundService issues refunds through the gateway and reflects them on the order.
type RefundService interface {
	ApplyRefund(ctx context.Context, cmd RefundCommand) (RefundView, error)
	ListRefunds(ctx context.Context, tenantID, storeID, orderID string) ([]RefundOrder, error)
}

// SystemService exposes dependency health for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// RefundGateway is the external refund capability. It is called at most once per refund row
// and never retried here.
type RefundGateway interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// WalletClient is the stored-value balance capability. Callers treat every method except
// PayWithWallet as best-effort.
type WalletClient interface {
	ReleaseFreeze(ctx context.Context, req WalletRequest) error
	RevertPayment(ctx context.Context, req WalletRequest) error
	PayWithWallet(ctx context.Context, req WalletRequest) (WalletPayment, error)
}

// OrderRef addresses one order.
type OrderRef struct {
	TenantID string
	StoreID  string
	OrderID  string
}

// OrderCommand is the input shared by every order command.
type OrderCommand struct {
	TenantID        string
	StoreID         string
	OrderID         string
	OperatorID      string
	RequestID       string
	ExpectedVersion *int64
}

// Ref returns the order addressed by the command.
func (c OrderCommand) Ref() OrderRef {
	return OrderRef{TenantID: c.TenantID, StoreID: c.StoreID, OrderID: c.OrderID}
}

// RejectCommand declines an order awaiting acceptance.
type RejectCommand struct {
	OrderCommand
	ReasonCode string
	ReasonDesc string
}

// CancelCommand cancels an order on behalf of the store or the customer.
type CancelCommand struct {
	OrderCommand
	ReasonCode string
	ReasonDesc string
}

// CreateOrderCommand builds a new order in INIT.
type CreateOrderCommand struct {
	TenantID       string
	StoreID        string
	ClientOrderNo  string
	UserID         string
	BizType        domain.BizType
	OrderSource    string
	Channel        string
	Currency       string
	DiscountAmount int64
	PayChannel     PayChannel
	Items          []CreateOrderItem
	Extension      map[string]any
}

// CreateOrderItem is one requested line.
type CreateOrderItem struct {
	ProductID string
	SKUID     string
	Name      string
	Quantity  int64
	UnitPrice int64
}

// OrderView is the uniform command result.
type OrderView struct {
	OrderID       string      `json:"orderId"`
	OrderNo       string      `json:"orderNo"`
	Status        OrderStatus `json:"status"`
	PayStatus     PayStatus   `json:"payStatus"`
	PayableAmount int64       `json:"payableAmount"`
	Version       int64       `json:"version"`
	Idempotent    bool        `json:"idempotent"`
}

// PaySuccessNotification reports a captured payment.
type PaySuccessNotification struct {
	OrderRef
	Channel      PayChannel
	Amount       int64
	ThirdTradeNo string
	PaidAt       time.Time
}

// PayFailedNotification reports a declined payment attempt.
type PayFailedNotification struct {
	OrderRef
	ThirdTradeNo string
	Reason       string
}

// RefundNotification reports money returned to the customer. PSP webhooks that only know the
// cumulative refunded amount set RefundedTotal instead of RefundAmount.
type RefundNotification struct {
	OrderRef
	RefundNo      string
	RefundAmount  int64
	RefundedTotal int64
}

// WalletPayCommand pays an order from the customer's wallet balance.
type WalletPayCommand struct {
	OrderRef
	UserID    string
	RequestID string
}

// RefundCommand requests a refund of RefundAmount.
type RefundCommand struct {
	OrderRef
	OperatorID   string
	RequestID    string
	RefundAmount int64
	Reason       string
}

// RefundView is the result of ApplyRefund.
type RefundView struct {
	Refund     RefundOrder
	Order      OrderView
	Idempotent bool
}

// RefundRequest is sent to the refund gateway.
type RefundRequest struct {
	TenantID       string
	StoreID        string
	OrderID        string
	RefundID       string
	IdempotencyKey string
	ThirdTradeNo   string
	PayChannel     PayChannel
	Amount         int64
	Currency       string
	Reason         string
}

// RefundResult is the gateway's answer.
type RefundResult struct {
	Success  bool
	RefundNo string
	ErrorMsg string
}

// WalletRequest identifies a wallet movement tied to an order.
type WalletRequest struct {
	TenantID  string
	StoreID   string
	OrderID   string
	UserID    string
	Amount    int64
	Currency  string
	RequestID string
}

// WalletPayment is the wallet's confirmation of a debit.
type WalletPayment struct {
	TradeNo string
	PaidAt  time.Time
}
