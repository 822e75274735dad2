package domain

import (
	"maps"
	"strings"
	"time"
)

// BizType classifies the fulfilment flow an order follows.
type BizType string

const (
	// BizTypePickup is collected by the customer at the store counter.
	BizTypePickup BizType = "PICKUP"
	// BizTypeDelivery is handed to a courier after preparation.
	BizTypeDelivery BizType = "DELIVERY"
	// BizTypeDineIn is served in-store and skips the explicit merchant accept step.
	BizTypeDineIn BizType = "DINE_IN"
)

// OrderStatus enumerates lifecycle states for orders.
type OrderStatus string

const (
	OrderStatusInit          OrderStatus = "INIT"
	OrderStatusWaitPay       OrderStatus = "WAIT_PAY"
	OrderStatusPendingAccept OrderStatus = "PENDING_ACCEPT"
	OrderStatusAccepted      OrderStatus = "ACCEPTED"
	OrderStatusPreparing     OrderStatus = "PREPARING"
	OrderStatusReady         OrderStatus = "READY"
	OrderStatusCompleted     OrderStatus = "COMPLETED"
	OrderStatusCanceled      OrderStatus = "CANCELED"
	OrderStatusRefunded      OrderStatus = "REFUNDED"
)

// PayStatus enumerates payment states tracked on both the order and its payment row.
type PayStatus string

const (
	PayStatusUnpaid          PayStatus = "UNPAID"
	PayStatusPaid            PayStatus = "PAID"
	PayStatusPayFailed       PayStatus = "PAY_FAILED"
	PayStatusRefunding       PayStatus = "REFUNDING"
	PayStatusPartialRefunded PayStatus = "PARTIAL_REFUNDED"
	PayStatusRefunded        PayStatus = "REFUNDED"
)

// PayChannel identifies how the order was funded.
type PayChannel string

const (
	// PayChannelCard is settled through the card PSP.
	PayChannelCard PayChannel = "CARD"
	// PayChannelWallet is settled from a stored-value balance that supports holds.
	PayChannelWallet PayChannel = "WALLET"
)

// ActionType names a client-issued command tracked by the action log.
type ActionType string

const (
	ActionCreate       ActionType = "CREATE"
	ActionSubmit       ActionType = "SUBMIT"
	ActionAccept       ActionType = "ACCEPT"
	ActionReject       ActionType = "REJECT"
	ActionStartPrepare ActionType = "START_PREPARE"
	ActionMarkReady    ActionType = "MARK_READY"
	ActionComplete     ActionType = "COMPLETE"
	ActionCancel       ActionType = "CANCEL"
	ActionUserCancel   ActionType = "USER_CANCEL"
)

// ActionStatus is the state of an action log row.
type ActionStatus string

const (
	ActionStatusProcessing ActionStatus = "PROCESSING"
	ActionStatusSuccess    ActionStatus = "SUCCESS"
	ActionStatusFailed     ActionStatus = "FAILED"
)

// RefundStatus is the state of a refund order.
type RefundStatus string

const (
	RefundStatusInit    RefundStatus = "INIT"
	RefundStatusSuccess RefundStatus = "SUCCESS"
	RefundStatusFailed  RefundStatus = "FAILED"
)

// Order is the aggregate root for one customer order.
type Order struct {
	TenantID      string
	StoreID       string
	ID            string
	OrderNo       string
	ClientOrderNo string
	UserID        string

	Status    OrderStatus
	PayStatus PayStatus
	Version   int64

	BizType     BizType
	OrderSource string
	Channel     string

	TotalAmount    int64
	DiscountAmount int64
	PayableAmount  int64
	Currency       string

	CancelReasonCode string
	CancelReasonDesc string

	Extension map[string]any
	Items     []OrderItem

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	AcceptedAt  *time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
	RefundedAt  *time.Time
}

// OrderItem is an immutable line captured when the order is built.
type OrderItem struct {
	ProductID     string
	SKUID         string
	Name          string
	Quantity      int64
	UnitPrice     int64
	PayableAmount int64
}

// Payment is the one-to-one payment record for an order.
type Payment struct {
	TenantID       string
	StoreID        string
	OrderID        string
	PayStatus      PayStatus
	PayChannel     PayChannel
	PayAmount      int64
	RefundedAmount int64
	// RefundReserved is the amount promised to refunds sent or about to be sent to the
	// gateway. Only the refund repository writes it.
	RefundReserved int64
	Currency       string
	ThirdTradeNo   string
	LastRefundNo   string
	PayTime        *time.Time
	Extension      map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingRefundable reports how much of the captured amount is neither refunded nor
// reserved by an outstanding refund.
func (p Payment) RemainingRefundable() int64 {
	remaining := p.PayAmount - max(p.RefundedAmount, p.RefundReserved)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Refundable reports whether the payment is in a state that accepts refunds.
func (p Payment) Refundable() bool {
	return p.PayStatus == PayStatusPaid || p.PayStatus == PayStatusPartialRefunded
}

// ReserveRefund earmarks amount for a refund before the gateway is called. Refunds settled
// outside the engine are folded in, so the reservation never trails RefundedAmount.
func (p *Payment) ReserveRefund(amount int64) error {
	if !p.Refundable() {
		return Errorf(CodeStateConflict, "order %s cannot be refunded with payStatus %s", p.OrderID, p.PayStatus)
	}
	if amount <= 0 {
		return Errorf(CodeValidation, "refundAmount must be positive")
	}
	if remaining := p.RemainingRefundable(); amount > remaining {
		return Errorf(CodeValidation, "refundAmount %d exceeds refundable amount %d", amount, remaining)
	}
	p.RefundReserved = max(p.RefundedAmount, p.RefundReserved) + amount
	return nil
}

// ReleaseRefund gives back the reservation of a refund the gateway declined.
func (p *Payment) ReleaseRefund(amount int64) {
	p.RefundReserved = max(p.RefundReserved-amount, 0)
}

// ActionLog is the idempotency record for a client command.
type ActionLog struct {
	TenantID       string
	StoreID        string
	OrderID        string
	ActionType     ActionType
	ActionKey      string
	RequestID      string
	Status         ActionStatus
	ResultJSON     []byte
	ErrorCode      string
	ErrorMsg       string
	Attempt        int
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RefundOrder tracks one refund request against an order. It outlives failures of the order update that follows it.
type RefundOrder struct {
	TenantID     string
	StoreID      string
	OrderID      string
	RefundID     string
	IdemKey      string
	RequestID    string
	RefundAmount int64
	Currency     string
	Reason       string
	Status       RefundStatus
	RefundNo     string
	ErrorMsg     string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the refund reached SUCCESS or FAILED.
func (r RefundOrder) Terminal() bool {
	return r.Status == RefundStatusSuccess || r.Status == RefundStatusFailed
}

// OrderEvent is a domain event recorded alongside an order state change.
type OrderEvent struct {
	ID             string
	Type           string
	TenantID       string
	StoreID        string
	OrderID        string
	OrderNo        string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	Version        int64
	ActorID        string
	RequestID      string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OutboxEvent is the durable row awaiting delivery to the event sink.
type OutboxEvent struct {
	ID          string
	TenantID    string
	StoreID     string
	OrderID     string
	Type        string
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o Order) Clone() Order {
	out := o
	out.Extension = maps.Clone(o.Extension)
	if o.Items != nil {
		out.Items = append([]OrderItem(nil), o.Items...)
	}
	out.PaidAt = cloneTime(o.PaidAt)
	out.AcceptedAt = cloneTime(o.AcceptedAt)
	out.CompletedAt = cloneTime(o.CompletedAt)
	out.CanceledAt = cloneTime(o.CanceledAt)
	out.RefundedAt = cloneTime(o.RefundedAt)
	return out
}

// Clone returns a deep copy of the payment.
func (p Payment) Clone() Payment {
	out := p
	out.Extension = maps.Clone(p.Extension)
	out.PayTime = cloneTime(p.PayTime)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ActionKey is the idempotency key for a client command. It is unique per tenant, store,
// order, action and request.
func ActionKey(tenantID, storeID, orderID string, action ActionType, requestID string) string {
	return strings.Join([]string{tenantID, storeID, orderID, string(action), requestID}, ":")
}

// RefundIdemKey is the idempotency key for a refund request. It lives in its own namespace,
// separate from ActionKey.
func RefundIdemKey(tenantID, storeID, orderID, requestID string) string {
	return strings.Join([]string{"refund", tenantID, storeID, orderID, requestID}, ":")
}
