package domain

import (
	"strings"
	"time"
)

// Event types recorded in the outbox.
const (
	EventTypeOrderCreated           = "order.created"
	EventTypeOrderSubmitted         = "order.submitted"
	EventTypeOrderPaid              = "order.paid"
	EventTypeOrderPaymentFailed     = "order.payment_failed"
	EventTypeOrderTimeoutCanceled   = "order.timeout_canceled"
	EventTypeOrderAccepted          = "order.accepted"
	EventTypeOrderRejected          = "order.rejected"
	EventTypeOrderPreparing         = "order.preparing"
	EventTypeOrderReady             = "order.ready"
	EventTypeOrderCompleted         = "order.completed"
	EventTypeOrderCanceled          = "order.canceled"
	EventTypeOrderRefunded          = "order.refunded"
	EventTypeOrderPartiallyRefunded = "order.partially_refunded"
)

// StatusChange describes the outcome of an aggregate mutation.
type StatusChange struct {
	Event    StatusEvent
	Previous OrderStatus
	Current  OrderStatus
	At       time.Time
}

// EventType returns the outbox event type emitted for this change.
func (c StatusChange) EventType() string {
	switch c.Event {
	case EventSubmit:
		return EventTypeOrderSubmitted
	case EventPaySuccess:
		return EventTypeOrderPaid
	case EventPayFailed:
		return EventTypeOrderPaymentFailed
	case EventAutoCancelTimeout:
		return EventTypeOrderTimeoutCanceled
	case EventMerchantAccept:
		return EventTypeOrderAccepted
	case EventMerchantReject:
		return EventTypeOrderRejected
	case EventStartPrepare:
		return EventTypeOrderPreparing
	case EventMarkReady:
		return EventTypeOrderReady
	case EventComplete:
		return EventTypeOrderCompleted
	case EventUserCancel:
		return EventTypeOrderCanceled
	case EventFullRefund:
		return EventTypeOrderRefunded
	case EventPartialRefund:
		return EventTypeOrderPartiallyRefunded
	default:
		return "order." + strings.ToLower(string(c.Event))
	}
}

// apply runs the state machine and records the new status. The version is bumped by the
// conditional write, never here.
func (o *Order) apply(event StatusEvent, now time.Time) (StatusChange, error) {
	next, err := Transition(o.BizType, o.Status, event)
	if err != nil {
		return StatusChange{}, err
	}
	change := StatusChange{Event: event, Previous: o.Status, Current: next, At: now}
	o.Status = next
	o.UpdatedAt = now
	return change, nil
}

// Submit moves a freshly built order into the payment wait state.
func (o *Order) Submit(now time.Time) (StatusChange, error) {
	return o.apply(EventSubmit, now)
}

// Accept records the merchant accepting the order.
func (o *Order) Accept(now time.Time) (StatusChange, error) {
	change, err := o.apply(EventMerchantAccept, now)
	if err != nil {
		return change, err
	}
	o.AcceptedAt = timePtr(now)
	return change, nil
}

// Reject records the merchant declining the order. reasonCode is required.
func (o *Order) Reject(reasonCode, reasonDesc string, now time.Time) (StatusChange, error) {
	reasonCode = strings.TrimSpace(reasonCode)
	if reasonCode == "" {
		return StatusChange{}, Errorf(CodeValidation, "reasonCode is required to reject an order")
	}
	change, err := o.apply(EventMerchantReject, now)
	if err != nil {
		return change, err
	}
	o.CancelReasonCode = reasonCode
	o.CancelReasonDesc = reasonDesc
	o.CanceledAt = timePtr(now)
	return change, nil
}

// StartPrepare moves an accepted order into preparation.
func (o *Order) StartPrepare(now time.Time) (StatusChange, error) {
	return o.apply(EventStartPrepare, now)
}

// MarkReady flags the order as ready for pickup, delivery handoff or serving.
func (o *Order) MarkReady(now time.Time) (StatusChange, error) {
	return o.apply(EventMarkReady, now)
}

// Complete closes a ready order.
func (o *Order) Complete(now time.Time) (StatusChange, error) {
	change, err := o.apply(EventComplete, now)
	if err != nil {
		return change, err
	}
	o.CompletedAt = timePtr(now)
	return change, nil
}

// Cancel records a store-initiated cancellation.
func (o *Order) Cancel(reasonCode, reasonDesc string, now time.Time) (StatusChange, error) {
	if !MerchantCancellable(o.Status) {
		return StatusChange{}, Errorf(CodeStateConflict, "order in status %s cannot be canceled by the store", o.Status)
	}
	return o.cancel(reasonCode, reasonDesc, now)
}

// UserCancel records a customer-initiated cancellation.
func (o *Order) UserCancel(reasonCode, reasonDesc string, now time.Time) (StatusChange, error) {
	if !UserCancellable(o.Status) {
		return StatusChange{}, Errorf(CodeStateConflict, "order in status %s cannot be canceled by the customer", o.Status)
	}
	return o.cancel(reasonCode, reasonDesc, now)
}

func (o *Order) cancel(reasonCode, reasonDesc string, now time.Time) (StatusChange, error) {
	change, err := o.apply(EventUserCancel, now)
	if err != nil {
		return change, err
	}
	o.CancelReasonCode = strings.TrimSpace(reasonCode)
	o.CancelReasonDesc = reasonDesc
	o.CanceledAt = timePtr(now)
	return change, nil
}

// MarkPaid applies a confirmed payment.
func (o *Order) MarkPaid(now time.Time) (StatusChange, error) {
	change, err := o.apply(EventPaySuccess, now)
	if err != nil {
		return change, err
	}
	o.PayStatus = PayStatusPaid
	o.PaidAt = timePtr(now)
	return change, nil
}

// MarkPayFailed records a failed payment attempt. The order stays payable.
func (o *Order) MarkPayFailed(now time.Time) (StatusChange, error) {
	change, err := o.apply(EventPayFailed, now)
	if err != nil {
		return change, err
	}
	o.PayStatus = PayStatusPayFailed
	return change, nil
}

// TimeoutCancel cancels an order whose payment deadline elapsed.
func (o *Order) TimeoutCancel(now time.Time) (StatusChange, error) {
	change, err := o.apply(EventAutoCancelTimeout, now)
	if err != nil {
		return change, err
	}
	o.CancelReasonCode = "PAY_TIMEOUT"
	o.CanceledAt = timePtr(now)
	return change, nil
}

// ApplyRefund records a successful refund. A full refund moves the order to REFUNDED.
func (o *Order) ApplyRefund(full bool, now time.Time) (StatusChange, error) {
	event := EventPartialRefund
	if full {
		event = EventFullRefund
	}
	change, err := o.apply(event, now)
	if err != nil {
		return change, err
	}
	if full {
		o.PayStatus = PayStatusRefunded
		o.RefundedAt = timePtr(now)
	} else {
		o.PayStatus = PayStatusPartialRefunded
	}
	return change, nil
}

// Terminal reports whether no further fulfilment progress is possible.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Paid reports whether funds were captured for the order and not fully returned.
func (o Order) Paid() bool {
	return o.PayStatus == PayStatusPaid || o.PayStatus == PayStatusPartialRefunded
}

// NewEvent builds the domain event for a status change on this order.
func (o Order) NewEvent(id string, change StatusChange, actorID, requestID string, metadata map[string]any) OrderEvent {
	return OrderEvent{
		ID:             id,
		Type:           change.EventType(),
		TenantID:       o.TenantID,
		StoreID:        o.StoreID,
		OrderID:        o.ID,
		OrderNo:        o.OrderNo,
		PreviousStatus: change.Previous,
		CurrentStatus:  change.Current,
		Version:        o.Version + 1,
		ActorID:        actorID,
		RequestID:      requestID,
		OccurredAt:     change.At,
		Metadata:       metadata,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
