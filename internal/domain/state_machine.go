package domain

import (
	"maps"
	"slices"
)

// StatusEvent is an input to the order state machine.
type StatusEvent string

const (
	EventSubmit            StatusEvent = "SUBMIT"
	EventPaySuccess        StatusEvent = "PAY_SUCCESS"
	EventPayFailed         StatusEvent = "PAY_FAILED"
	EventAutoCancelTimeout StatusEvent = "AUTO_CANCEL_TIMEOUT"
	EventMerchantAccept    StatusEvent = "MERCHANT_ACCEPT"
	EventMerchantReject    StatusEvent = "MERCHANT_REJECT"
	EventStartPrepare      StatusEvent = "START_PREPARE"
	EventMarkReady         StatusEvent = "MARK_READY"
	EventComplete          StatusEvent = "COMPLETE"
	EventUserCancel        StatusEvent = "USER_CANCEL"
	EventFullRefund        StatusEvent = "FULL_REFUND"
	EventPartialRefund     StatusEvent = "PARTIAL_REFUND"
)

type transitions map[OrderStatus]map[StatusEvent]OrderStatus

var transitionTable = map[BizType]transitions{
	BizTypePickup:   fulfilmentTransitions(),
	BizTypeDelivery: fulfilmentTransitions(),
	BizTypeDineIn:   dineInTransitions(),
}

// merchantCancellable lists the pre-fulfilment states a store may cancel from.
var merchantCancellable = []OrderStatus{
	OrderStatusWaitPay,
	OrderStatusPendingAccept,
	OrderStatusAccepted,
	OrderStatusPreparing,
}

// userCancellable lists the states a customer may cancel from.
var userCancellable = []OrderStatus{
	OrderStatusInit,
	OrderStatusWaitPay,
	OrderStatusPendingAccept,
}

func fulfilmentTransitions() transitions {
	t := transitions{
		OrderStatusInit: {
			EventSubmit:            OrderStatusWaitPay,
			EventAutoCancelTimeout: OrderStatusCanceled,
			EventUserCancel:        OrderStatusCanceled,
		},
		OrderStatusWaitPay: {
			EventPaySuccess:        OrderStatusPendingAccept,
			EventPayFailed:         OrderStatusWaitPay,
			EventAutoCancelTimeout: OrderStatusCanceled,
			EventUserCancel:        OrderStatusCanceled,
		},
		OrderStatusPendingAccept: {
			EventMerchantAccept: OrderStatusAccepted,
			EventMerchantReject: OrderStatusCanceled,
			EventUserCancel:     OrderStatusCanceled,
		},
		OrderStatusAccepted: {
			EventStartPrepare: OrderStatusPreparing,
			EventUserCancel:   OrderStatusCanceled,
		},
		OrderStatusPreparing: {
			EventMarkReady:  OrderStatusReady,
			EventUserCancel: OrderStatusCanceled,
		},
		OrderStatusReady: {
			EventComplete: OrderStatusCompleted,
		},
		OrderStatusCompleted: {},
		OrderStatusCanceled:  {},
	}
	// every paid or post-payment state can be refunded; partial refunds keep the status
	for _, status := range []OrderStatus{
		OrderStatusPendingAccept,
		OrderStatusAccepted,
		OrderStatusPreparing,
		OrderStatusReady,
		OrderStatusCompleted,
		OrderStatusCanceled,
	} {
		t[status][EventFullRefund] = OrderStatusRefunded
		t[status][EventPartialRefund] = status
	}
	return t
}

func dineInTransitions() transitions {
	t := fulfilmentTransitions()
	t[OrderStatusWaitPay][EventPaySuccess] = OrderStatusAccepted
	delete(t[OrderStatusPendingAccept], EventMerchantAccept)
	delete(t[OrderStatusPendingAccept], EventMerchantReject)
	return t
}

// Transition resolves the next status for the given business type, current status and event.
// Any combination missing from the table yields ErrStateConflict.
func Transition(bizType BizType, current OrderStatus, event StatusEvent) (OrderStatus, error) {
	table, ok := transitionTable[bizType]
	if !ok {
		return "", Errorf(CodeStateConflict, "unsupported business type %q", bizType)
	}
	next, ok := table[current][event]
	if !ok {
		return "", Errorf(CodeStateConflict, "event %s not allowed for %s order in status %s", event, bizType, current)
	}
	return next, nil
}

// TransitionTable returns a copy of the edges defined for bizType, or nil when it is unknown.
func TransitionTable(bizType BizType) map[OrderStatus]map[StatusEvent]OrderStatus {
	table, ok := transitionTable[bizType]
	if !ok {
		return nil
	}
	out := make(map[OrderStatus]map[StatusEvent]OrderStatus, len(table))
	for status, edges := range table {
		out[status] = maps.Clone(edges)
	}
	return out
}

// CanTransition reports whether Transition would succeed.
func CanTransition(bizType BizType, current OrderStatus, event StatusEvent) bool {
	_, err := Transition(bizType, current, event)
	return err == nil
}

// MerchantCancellable reports whether a store-initiated cancel is allowed from status.
func MerchantCancellable(status OrderStatus) bool {
	return slices.Contains(merchantCancellable, status)
}

// UserCancellable reports whether a customer-initiated cancel is allowed from status.
func UserCancellable(status OrderStatus) bool {
	return slices.Contains(userCancellable, status)
}

// BizTypes lists every supported business type.
func BizTypes() []BizType {
	return []BizType{BizTypePickup, BizTypeDelivery, BizTypeDineIn}
}

// OrderStatuses lists every order status.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusInit,
		OrderStatusWaitPay,
		OrderStatusPendingAccept,
		OrderStatusAccepted,
		OrderStatusPreparing,
		OrderStatusReady,
		OrderStatusCompleted,
		OrderStatusCanceled,
		OrderStatusRefunded,
	}
}

// StatusEvents lists every state machine event.
func StatusEvents() []StatusEvent {
	return []StatusEvent{
		EventSubmit,
		EventPaySuccess,
		EventPayFailed,
		EventAutoCancelTimeout,
		EventMerchantAccept,
		EventMerchantReject,
		EventStartPrepare,
		EventMarkReady,
		EventComplete,
		EventUserCancel,
		EventFullRefund,
		EventPartialRefund,
	}
}

// ValidBizType reports whether b is a known business type.
func ValidBizType(b BizType) bool {
	_, ok := transitionTable[b]
	return ok
}
