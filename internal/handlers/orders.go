package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/platform/httpx"
	"finitefield.org/order-engine/internal/platform/requestctx"
	"finitefield.org/order-engine/internal/services"
)

const (
	maxCommandBodySize = 16 * 1024
	idempotencyHeader  = "Idempotency-Key"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidJSON  = errors.New("invalid JSON body")
)

// OrderHandlers exposes order commands and queries scoped to a tenant and store.
type OrderHandlers struct {
	orders     services.OrderCommandService
	refunds    services.RefundService
	reconciler services.PaymentReconciler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderCommandService, refunds services.RefundService, reconciler services.PaymentReconciler) *OrderHandlers {
	return &OrderHandlers{
		orders:     orders,
		refunds:    refunds,
		reconciler: reconciler,
	}
}

// Routes registers the order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/submit", h.simpleCommand(func(ctx context.Context, cmd services.OrderCommand) (services.OrderView, error) {
		return h.orders.Submit(ctx, cmd)
	}))
	r.Post("/{orderID}/accept", h.simpleCommand(func(ctx context.Context, cmd services.OrderCommand) (services.OrderView, error) {
		return h.orders.Accept(ctx, cmd)
	}))
	r.Post("/{orderID}/start-prepare", h.simpleCommand(func(ctx context.Context, cmd services.OrderCommand) (services.OrderView, error) {
		return h.orders.StartPrepare(ctx, cmd)
	}))
	r.Post("/{orderID}/mark-ready", h.simpleCommand(func(ctx context.Context, cmd services.OrderCommand) (services.OrderView, error) {
		return h.orders.MarkReady(ctx, cmd)
	}))
	r.Post("/{orderID}/complete", h.simpleCommand(func(ctx context.Context, cmd services.OrderCommand) (services.OrderView, error) {
		return h.orders.Complete(ctx, cmd)
	}))
	r.Post("/{orderID}/reject", h.rejectOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder(false))
	r.Post("/{orderID}/user-cancel", h.cancelOrder(true))
	r.Post("/{orderID}/refunds", h.applyRefund)
	r.Get("/{orderID}/refunds", h.listRefunds)
	r.Post("/{orderID}/pay-wallet", h.payWithWallet)
}

type commandRequest struct {
	OperatorID      string `json:"operatorId"`
	RequestID       string `json:"requestId"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type reasonRequest struct {
	commandRequest
	ReasonCode string `json:"reasonCode"`
	ReasonDesc string `json:"reasonDesc"`
}

type createOrderRequest struct {
	ClientOrderNo  string              `json:"clientOrderNo"`
	UserID         string              `json:"userId"`
	BizType        string              `json:"bizType"`
	OrderSource    string              `json:"orderSource"`
	Channel        string              `json:"channel"`
	Currency       string              `json:"currency"`
	DiscountAmount int64               `json:"discountAmount"`
	PayChannel     string              `json:"payChannel"`
	Items          []createItemRequest `json:"items"`
	Extension      map[string]any      `json:"extension"`
}

type createItemRequest struct {
	ProductID string `json:"productId"`
	SKUID     string `json:"skuId"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type refundRequest struct {
	OperatorID   string `json:"operatorId"`
	RequestID    string `json:"requestId"`
	RefundAmount int64  `json:"refundAmount"`
	Reason       string `json:"reason"`
}

type walletPayRequest struct {
	UserID    string `json:"userId"`
	RequestID string `json:"requestId"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createOrderRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	clientOrderNo := requestID(r, req.ClientOrderNo)
	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductID: item.ProductID,
			SKUID:     item.SKUID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	view, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		TenantID:       chi.URLParam(r, "tenantID"),
		StoreID:        chi.URLParam(r, "storeID"),
		ClientOrderNo:  clientOrderNo,
		UserID:         req.UserID,
		BizType:        domain.BizType(strings.ToUpper(strings.TrimSpace(req.BizType))),
		OrderSource:    req.OrderSource,
		Channel:        req.Channel,
		Currency:       req.Currency,
		DiscountAmount: req.DiscountAmount,
		PayChannel:     domain.PayChannel(strings.ToUpper(strings.TrimSpace(req.PayChannel))),
		Items:          items,
		Extension:      req.Extension,
	})
	if err != nil {
		httpx.WriteDomainError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if view.Idempotent {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, view)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "tenantID"), chi.URLParam(r, "storeID"), chi.URLParam(r, "orderID"))
	if err != nil {
		httpx.WriteDomainError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) simpleCommand(run func(context.Context, services.OrderCommand) (services.OrderView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		view, err := run(r.Context(), orderCommand(r, req))
		writeCommandResult(r.Context(), w, view, err)
	}
}

func (h *OrderHandlers) rejectOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	view, err := h.orders.Reject(r.Context(), services.RejectCommand{
		OrderCommand: orderCommand(r, req.commandRequest),
		ReasonCode:   req.ReasonCode,
		ReasonDesc:   req.ReasonDesc,
	})
	writeCommandResult(r.Context(), w, view, err)
}

func (h *OrderHandlers) cancelOrder(byCustomer bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		cmd := services.CancelCommand{
			OrderCommand: orderCommand(r, req.commandRequest),
			ReasonCode:   req.ReasonCode,
			ReasonDesc:   req.ReasonDesc,
		}
		var (
			view services.OrderView
			err  error
		)
		if byCustomer {
			view, err = h.orders.UserCancel(r.Context(), cmd)
		} else {
			view, err = h.orders.Cancel(r.Context(), cmd)
		}
		writeCommandResult(r.Context(), w, view, err)
	}
}

func (h *OrderHandlers) applyRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req refundRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	view, err := h.refunds.ApplyRefund(ctx, services.RefundCommand{
		OrderRef:     orderRef(r),
		OperatorID:   req.OperatorID,
		RequestID:    requestID(r, req.RequestID),
		RefundAmount: req.RefundAmount,
		Reason:       req.Reason,
	})
	if err != nil {
		httpx.WriteDomainError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, refundResponse{
		Refund:     buildRefundPayload(view.Refund),
		Order:      view.Order,
		Idempotent: view.Idempotent,
	})
}

func (h *OrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refunds, err := h.refunds.ListRefunds(ctx, chi.URLParam(r, "tenantID"), chi.URLParam(r, "storeID"), chi.URLParam(r, "orderID"))
	if err != nil {
		httpx.WriteDomainError(ctx, w, err)
		return
	}
	items := make([]refundPayload, 0, len(refunds))
	for _, refund := range refunds {
		items = append(items, buildRefundPayload(refund))
	}
	httpx.WriteJSON(w, http.StatusOK, refundListResponse{Items: items})
}

func (h *OrderHandlers) payWithWallet(w http.ResponseWriter, r *http.Request) {
	var req walletPayRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	view, err := h.reconciler.PayWithWallet(r.Context(), services.WalletPayCommand{
		OrderRef:  orderRef(r),
		UserID:    req.UserID,
		RequestID: requestID(r, req.RequestID),
	})
	writeCommandResult(r.Context(), w, view, err)
}

func orderRef(r *http.Request) services.OrderRef {
	return services.OrderRef{
		TenantID: chi.URLParam(r, "tenantID"),
		StoreID:  chi.URLParam(r, "storeID"),
		OrderID:  chi.URLParam(r, "orderID"),
	}
}

func orderCommand(r *http.Request, req commandRequest) services.OrderCommand {
	ref := orderRef(r)
	return services.OrderCommand{
		TenantID:        ref.TenantID,
		StoreID:         ref.StoreID,
		OrderID:         ref.OrderID,
		OperatorID:      req.OperatorID,
		RequestID:       requestID(r, req.RequestID),
		ExpectedVersion: req.ExpectedVersion,
	}
}

// requestID prefers the body value and falls back to the Idempotency-Key header.
func requestID(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	if key := requestctx.IdempotencyKey(r.Context()); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(idempotencyHeader))
}

func writeCommandResult(ctx context.Context, w http.ResponseWriter, view services.OrderView, err error) {
	if err != nil {
		httpx.WriteDomainError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

// decodeBody reads a bounded JSON body into dst. An empty body is accepted unless required.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxCommandBodySize)
	if err == nil && len(body) == 0 && required {
		err = errInvalidJSON
	}
	if err == nil && len(body) > 0 {
		if jsonErr := json.Unmarshal(body, dst); jsonErr != nil {
			err = errInvalidJSON
		}
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION", err.Error(), http.StatusBadRequest))
	}
	return false
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	return data, nil
}

type orderPayload struct {
	OrderID          string             `json:"orderId"`
	OrderNo          string             `json:"orderNo"`
	ClientOrderNo    string             `json:"clientOrderNo,omitempty"`
	TenantID         string             `json:"tenantId"`
	StoreID          string             `json:"storeId"`
	UserID           string             `json:"userId,omitempty"`
	Status           string             `json:"status"`
	PayStatus        string             `json:"payStatus"`
	Version          int64              `json:"version"`
	BizType          string             `json:"bizType"`
	OrderSource      string             `json:"orderSource,omitempty"`
	Channel          string             `json:"channel,omitempty"`
	TotalAmount      int64              `json:"totalAmount"`
	DiscountAmount   int64              `json:"discountAmount"`
	PayableAmount    int64              `json:"payableAmount"`
	Currency         string             `json:"currency"`
	CancelReasonCode string             `json:"cancelReasonCode,omitempty"`
	CancelReasonDesc string             `json:"cancelReasonDesc,omitempty"`
	Items            []orderItemPayload `json:"items"`
	Extension        map[string]any     `json:"extension,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt"`
	PaidAt           string             `json:"paidAt,omitempty"`
	AcceptedAt       string             `json:"acceptedAt,omitempty"`
	CompletedAt      string             `json:"completedAt,omitempty"`
	CanceledAt       string             `json:"canceledAt,omitempty"`
	RefundedAt       string             `json:"refundedAt,omitempty"`
}

type orderItemPayload struct {
	ProductID     string `json:"productId"`
	SKUID         string `json:"skuId,omitempty"`
	Name          string `json:"name"`
	Quantity      int64  `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"`
	PayableAmount int64  `json:"payableAmount"`
}

type refundPayload struct {
	RefundID     string `json:"refundId"`
	RequestID    string `json:"requestId"`
	RefundAmount int64  `json:"refundAmount"`
	Currency     string `json:"currency"`
	Reason       string `json:"reason,omitempty"`
	Status       string `json:"status"`
	RefundNo     string `json:"refundNo,omitempty"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type refundResponse struct {
	Refund     refundPayload      `json:"refund"`
	Order      services.OrderView `json:"order"`
	Idempotent bool               `json:"idempotent"`
}

type refundListResponse struct {
	Items []refundPayload `json:"items"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:     item.ProductID,
			SKUID:         item.SKUID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			PayableAmount: item.PayableAmount,
		})
	}
	return orderPayload{
		OrderID:          order.ID,
		OrderNo:          order.OrderNo,
		ClientOrderNo:    order.ClientOrderNo,
		TenantID:         order.TenantID,
		StoreID:          order.StoreID,
		UserID:           order.UserID,
		Status:           string(order.Status),
		PayStatus:        string(order.PayStatus),
		Version:          order.Version,
		BizType:          string(order.BizType),
		OrderSource:      order.OrderSource,
		Channel:          order.Channel,
		TotalAmount:      order.TotalAmount,
		DiscountAmount:   order.DiscountAmount,
		PayableAmount:    order.PayableAmount,
		Currency:         order.Currency,
		CancelReasonCode: order.CancelReasonCode,
		CancelReasonDesc: order.CancelReasonDesc,
		Items:            items,
		Extension:        order.Extension,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PaidAt:           formatTimePtr(order.PaidAt),
		AcceptedAt:       formatTimePtr(order.AcceptedAt),
		CompletedAt:      formatTimePtr(order.CompletedAt),
		CanceledAt:       formatTimePtr(order.CanceledAt),
		RefundedAt:       formatTimePtr(order.RefundedAt),
	}
}

func buildRefundPayload(refund services.RefundOrder) refundPayload {
	return refundPayload{
		RefundID:     refund.RefundID,
		RequestID:    refund.RequestID,
		RefundAmount: refund.RefundAmount,
		Currency:     refund.Currency,
		Reason:       refund.Reason,
		Status:       string(refund.Status),
		RefundNo:     refund.RefundNo,
		ErrorMsg:     refund.ErrorMsg,
		CreatedAt:    formatTime(refund.CreatedAt),
		UpdatedAt:    formatTime(refund.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
