package firestore

import (
	"time"

	"finitefield.org/order-engine/internal/domain"
)

const (
	ordersCollection     = "orders"
	paymentsCollection   = "orderPayments"
	actionLogsCollection = "orderActionLogs"
	refundsCollection    = "refundOrders"
	outboxCollection     = "orderOutbox"
	countersCollection   = "counters"
)

func orderDocID(tenantID, orderID string) string {
	return tenantID + "__" + orderID
}

type orderDocument struct {
	TenantID         string              `firestore:"tenantId"`
	StoreID          string              `firestore:"storeId"`
	ID               string              `firestore:"id"`
	OrderNo          string              `firestore:"orderNo"`
	ClientOrderNo    string              `firestore:"clientOrderNo,omitempty"`
	UserID           string              `firestore:"userId,omitempty"`
	Status           string              `firestore:"status"`
	PayStatus        string              `firestore:"payStatus"`
	Version          int64               `firestore:"version"`
	BizType          string              `firestore:"bizType"`
	OrderSource      string              `firestore:"orderSource,omitempty"`
	Channel          string              `firestore:"channel,omitempty"`
	TotalAmount      int64               `firestore:"totalAmount"`
	DiscountAmount   int64               `firestore:"discountAmount"`
	PayableAmount    int64               `firestore:"payableAmount"`
	Currency         string              `firestore:"currency"`
	CancelReasonCode string              `firestore:"cancelReasonCode,omitempty"`
	CancelReasonDesc string              `firestore:"cancelReasonDesc,omitempty"`
	Extension        map[string]any      `firestore:"extension,omitempty"`
	Items            []orderItemDocument `firestore:"items"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PaidAt           *time.Time          `firestore:"paidAt,omitempty"`
	AcceptedAt       *time.Time          `firestore:"acceptedAt,omitempty"`
	CompletedAt      *time.Time          `firestore:"completedAt,omitempty"`
	CanceledAt       *time.Time          `firestore:"canceledAt,omitempty"`
	RefundedAt       *time.Time          `firestore:"refundedAt,omitempty"`
}

type orderItemDocument struct {
	ProductID     string `firestore:"productId"`
	SKUID         string `firestore:"skuId"`
	Name          string `firestore:"name,omitempty"`
	Quantity      int64  `firestore:"quantity"`
	UnitPrice     int64  `firestore:"unitPrice"`
	PayableAmount int64  `firestore:"payableAmount"`
}

func encodeOrder(o domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemDocument{
			ProductID:     item.ProductID,
			SKUID:         item.SKUID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			PayableAmount: item.PayableAmount,
		})
	}
	return orderDocument{
		TenantID:         o.TenantID,
		StoreID:          o.StoreID,
		ID:               o.ID,
		OrderNo:          o.OrderNo,
		ClientOrderNo:    o.ClientOrderNo,
		UserID:           o.UserID,
		Status:           string(o.Status),
		PayStatus:        string(o.PayStatus),
		Version:          o.Version,
		BizType:          string(o.BizType),
		OrderSource:      o.OrderSource,
		Channel:          o.Channel,
		TotalAmount:      o.TotalAmount,
		DiscountAmount:   o.DiscountAmount,
		PayableAmount:    o.PayableAmount,
		Currency:         o.Currency,
		CancelReasonCode: o.CancelReasonCode,
		CancelReasonDesc: o.CancelReasonDesc,
		Extension:        o.Extension,
		Items:            items,
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
		PaidAt:           o.PaidAt,
		AcceptedAt:       o.AcceptedAt,
		CompletedAt:      o.CompletedAt,
		CanceledAt:       o.CanceledAt,
		RefundedAt:       o.RefundedAt,
	}
}

func decodeOrder(doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ProductID:     item.ProductID,
			SKUID:         item.SKUID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			PayableAmount: item.PayableAmount,
		})
	}
	return domain.Order{
		TenantID:         doc.TenantID,
		StoreID:          doc.StoreID,
		ID:               doc.ID,
		OrderNo:          doc.OrderNo,
		ClientOrderNo:    doc.ClientOrderNo,
		UserID:           doc.UserID,
		Status:           domain.OrderStatus(doc.Status),
		PayStatus:        domain.PayStatus(doc.PayStatus),
		Version:          doc.Version,
		BizType:          domain.BizType(doc.BizType),
		OrderSource:      doc.OrderSource,
		Channel:          doc.Channel,
		TotalAmount:      doc.TotalAmount,
		DiscountAmount:   doc.DiscountAmount,
		PayableAmount:    doc.PayableAmount,
		Currency:         doc.Currency,
		CancelReasonCode: doc.CancelReasonCode,
		CancelReasonDesc: doc.CancelReasonDesc,
		Extension:        doc.Extension,
		Items:            items,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		PaidAt:           doc.PaidAt,
		AcceptedAt:       doc.AcceptedAt,
		CompletedAt:      doc.CompletedAt,
		CanceledAt:       doc.CanceledAt,
		RefundedAt:       doc.RefundedAt,
	}
}

type paymentDocument struct {
	TenantID       string         `firestore:"tenantId"`
	StoreID        string         `firestore:"storeId"`
	OrderID        string         `firestore:"orderId"`
	PayStatus      string         `firestore:"payStatus"`
	PayChannel     string         `firestore:"payChannel"`
	PayAmount      int64          `firestore:"payAmount"`
	RefundedAmount int64          `firestore:"refundedAmount"`
	RefundReserved int64          `firestore:"refundReserved"`
	Currency       string         `firestore:"currency"`
	ThirdTradeNo   string         `firestore:"thirdTradeNo,omitempty"`
	LastRefundNo   string         `firestore:"lastRefundNo,omitempty"`
	PayTime        *time.Time     `firestore:"payTime,omitempty"`
	Extension      map[string]any `firestore:"extension,omitempty"`
	CreatedAt      time.Time      `firestore:"createdAt"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
}

func encodePayment(p domain.Payment) paymentDocument {
	return paymentDocument{
		TenantID:       p.TenantID,
		StoreID:        p.StoreID,
		OrderID:        p.OrderID,
		PayStatus:      string(p.PayStatus),
		PayChannel:     string(p.PayChannel),
		PayAmount:      p.PayAmount,
		RefundedAmount: p.RefundedAmount,
		RefundReserved: p.RefundReserved,
		Currency:       p.Currency,
		ThirdTradeNo:   p.ThirdTradeNo,
		LastRefundNo:   p.LastRefundNo,
		PayTime:        p.PayTime,
		Extension:      p.Extension,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
}

func decodePayment(doc paymentDocument) domain.Payment {
	return domain.Payment{
		TenantID:       doc.TenantID,
		StoreID:        doc.StoreID,
		OrderID:        doc.OrderID,
		PayStatus:      domain.PayStatus(doc.PayStatus),
		PayChannel:     domain.PayChannel(doc.PayChannel),
		PayAmount:      doc.PayAmount,
		RefundedAmount: doc.RefundedAmount,
		RefundReserved: doc.RefundReserved,
		Currency:       doc.Currency,
		ThirdTradeNo:   doc.ThirdTradeNo,
		LastRefundNo:   doc.LastRefundNo,
		PayTime:        doc.PayTime,
		Extension:      doc.Extension,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

type actionLogDocument struct {
	TenantID       string    `firestore:"tenantId"`
	StoreID        string    `firestore:"storeId"`
	OrderID        string    `firestore:"orderId"`
	ActionType     string    `firestore:"actionType"`
	ActionKey      string    `firestore:"actionKey"`
	RequestID      string    `firestore:"requestId"`
	Status         string    `firestore:"status"`
	ResultJSON     []byte    `firestore:"resultJson,omitempty"`
	ErrorCode      string    `firestore:"errorCode,omitempty"`
	ErrorMsg       string    `firestore:"errorMsg,omitempty"`
	Attempt        int       `firestore:"attempt"`
	LeaseExpiresAt time.Time `firestore:"leaseExpiresAt"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func encodeActionLog(a domain.ActionLog) actionLogDocument {
	return actionLogDocument{
		TenantID:       a.TenantID,
		StoreID:        a.StoreID,
		OrderID:        a.OrderID,
		ActionType:     string(a.ActionType),
		ActionKey:      a.ActionKey,
		RequestID:      a.RequestID,
		Status:         string(a.Status),
		ResultJSON:     a.ResultJSON,
		ErrorCode:      a.ErrorCode,
		ErrorMsg:       a.ErrorMsg,
		Attempt:        a.Attempt,
		LeaseExpiresAt: a.LeaseExpiresAt.UTC(),
		CreatedAt:      a.CreatedAt.UTC(),
		UpdatedAt:      a.UpdatedAt.UTC(),
	}
}

func decodeActionLog(doc actionLogDocument) domain.ActionLog {
	return domain.ActionLog{
		TenantID:       doc.TenantID,
		StoreID:        doc.StoreID,
		OrderID:        doc.OrderID,
		ActionType:     domain.ActionType(doc.ActionType),
		ActionKey:      doc.ActionKey,
		RequestID:      doc.RequestID,
		Status:         domain.ActionStatus(doc.Status),
		ResultJSON:     doc.ResultJSON,
		ErrorCode:      doc.ErrorCode,
		ErrorMsg:       doc.ErrorMsg,
		Attempt:        doc.Attempt,
		LeaseExpiresAt: doc.LeaseExpiresAt,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

type refundDocument struct {
	TenantID     string    `firestore:"tenantId"`
	StoreID      string    `firestore:"storeId"`
	OrderID      string    `firestore:"orderId"`
	RefundID     string    `firestore:"refundId"`
	IdemKey      string    `firestore:"idemKey"`
	RequestID    string    `firestore:"requestId"`
	RefundAmount int64     `firestore:"refundAmount"`
	Currency     string    `firestore:"currency"`
	Reason       string    `firestore:"reason,omitempty"`
	Status       string    `firestore:"status"`
	RefundNo     string    `firestore:"refundNo,omitempty"`
	ErrorMsg     string    `firestore:"errorMsg,omitempty"`
	Version      int64     `firestore:"version"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func encodeRefund(r domain.RefundOrder) refundDocument {
	return refundDocument{
		TenantID:     r.TenantID,
		StoreID:      r.StoreID,
		OrderID:      r.OrderID,
		RefundID:     r.RefundID,
		IdemKey:      r.IdemKey,
		RequestID:    r.RequestID,
		RefundAmount: r.RefundAmount,
		Currency:     r.Currency,
		Reason:       r.Reason,
		Status:       string(r.Status),
		RefundNo:     r.RefundNo,
		ErrorMsg:     r.ErrorMsg,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func decodeRefund(doc refundDocument) domain.RefundOrder {
	return domain.RefundOrder{
		TenantID:     doc.TenantID,
		StoreID:      doc.StoreID,
		OrderID:      doc.OrderID,
		RefundID:     doc.RefundID,
		IdemKey:      doc.IdemKey,
		RequestID:    doc.RequestID,
		RefundAmount: doc.RefundAmount,
		Currency:     doc.Currency,
		Reason:       doc.Reason,
		Status:       domain.RefundStatus(doc.Status),
		RefundNo:     doc.RefundNo,
		ErrorMsg:     doc.ErrorMsg,
		Version:      doc.Version,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

type outboxDocument struct {
	ID          string     `firestore:"id"`
	TenantID    string     `firestore:"tenantId"`
	StoreID     string     `firestore:"storeId"`
	OrderID     string     `firestore:"orderId"`
	Type        string     `firestore:"type"`
	Payload     []byte     `firestore:"payload"`
	Attempts    int        `firestore:"attempts"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	PublishedAt *time.Time `firestore:"publishedAt"`
}

func encodeOutbox(e domain.OutboxEvent) outboxDocument {
	return outboxDocument{
		ID:          e.ID,
		TenantID:    e.TenantID,
		StoreID:     e.StoreID,
		OrderID:     e.OrderID,
		Type:        e.Type,
		Payload:     e.Payload,
		Attempts:    e.Attempts,
		CreatedAt:   e.CreatedAt.UTC(),
		PublishedAt: e.PublishedAt,
	}
}

func decodeOutbox(doc outboxDocument) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:          doc.ID,
		TenantID:    doc.TenantID,
		StoreID:     doc.StoreID,
		OrderID:     doc.OrderID,
		Type:        doc.Type,
		Payload:     doc.Payload,
		Attempts:    doc.Attempts,
		CreatedAt:   doc.CreatedAt,
		PublishedAt: doc.PublishedAt,
	}
}
