package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

const (
	defaultOrderNoPrefix = "ORD"
	cancelRefundSuffix   = ":cancel-refund"
	maxReasonDescLength  = 500
)

// OrderCommandServiceDeps bundles collaborators required to construct the order command service.
type OrderCommandServiceDeps struct {
	Orders        repositories.OrderRepository
	Payments      repositories.PaymentRepository
	Counters      repositories.CounterRepository
	Executor      *CommandExecutor
	Refunds       RefundService
	Wallet        WalletClient
	OrderNoPrefix string
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderCommandService struct {
	orders        repositories.OrderRepository
	payments      repositories.PaymentRepository
	counters      repositories.CounterRepository
	executor      *CommandExecutor
	refunds       RefundService
	wallet        WalletClient
	orderNoPrefix string
	sanitizer     *bluemonday.Policy
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderCommandService wires dependencies into a concrete OrderCommandService implementation.
func NewOrderCommandService(deps OrderCommandServiceDeps) (OrderCommandService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order command service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order command service: payment repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order command service: counter repository is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("order command service: command executor is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("order command service: refund service is required")
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

	prefix := strings.TrimSpace(deps.OrderNoPrefix)
	if prefix == "" {
		prefix = defaultOrderNoPrefix
	}

	return &orderCommandService{
		orders:        deps.Orders,
		payments:      deps.Payments,
		counters:      deps.Counters,
		executor:      deps.Executor,
		refunds:       deps.Refunds,
		wallet:        deps.Wallet,
		orderNoPrefix: prefix,
		sanitizer:     bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderCommandService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderView, error) {
	if err := validateCreateOrder(cmd); err != nil {
		return OrderView{}, err
	}
	unit, err := currency.ParseISO(strings.TrimSpace(cmd.Currency))
	if err != nil {
		return OrderView{}, validationError("currency %q is not a valid ISO 4217 code", cmd.Currency)
	}

	scope := actionScope{
		TenantID:  cmd.TenantID,
		StoreID:   cmd.StoreID,
		Action:    domain.ActionCreate,
		RequestID: strings.TrimSpace(cmd.ClientOrderNo),
	}
	view, replayed, err := executeCommand(ctx, s.executor, scope, func(ctx context.Context, run *actionRun) (OrderView, error) {
		now := s.clock()
		orderNo, err := s.nextOrderNo(ctx, cmd.TenantID, cmd.StoreID, now)
		if err != nil {
			return OrderView{}, err
		}

		items := buildOrderItems(cmd.Items)
		var total int64
		for _, item := range items {
			total += item.PayableAmount
		}
		if cmd.DiscountAmount > total {
			return OrderView{}, validationError("discountAmount %d exceeds order total %d", cmd.DiscountAmount, total)
		}

		channel := cmd.PayChannel
		if channel == "" {
			channel = domain.PayChannelCard
		}

		order := Order{
			TenantID:       cmd.TenantID,
			StoreID:        cmd.StoreID,
			ID:             s.newID(),
			OrderNo:        orderNo,
			ClientOrderNo:  strings.TrimSpace(cmd.ClientOrderNo),
			UserID:         strings.TrimSpace(cmd.UserID),
			Status:         domain.OrderStatusInit,
			PayStatus:      domain.PayStatusUnpaid,
			Version:        1,
			BizType:        cmd.BizType,
			OrderSource:    strings.TrimSpace(cmd.OrderSource),
			Channel:        strings.TrimSpace(cmd.Channel),
			TotalAmount:    total,
			DiscountAmount: cmd.DiscountAmount,
			PayableAmount:  total - cmd.DiscountAmount,
			Currency:       unit.String(),
			Extension:      maps.Clone(cmd.Extension),
			Items:          items,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		payment := Payment{
			TenantID:   order.TenantID,
			StoreID:    order.StoreID,
			OrderID:    order.ID,
			PayStatus:  domain.PayStatusUnpaid,
			PayChannel: channel,
			PayAmount:  order.PayableAmount,
			Currency:   order.Currency,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		event := OrderEvent{
			ID:            s.newID(),
			Type:          domain.EventTypeOrderCreated,
			TenantID:      order.TenantID,
			StoreID:       order.StoreID,
			OrderID:       order.ID,
			OrderNo:       order.OrderNo,
			CurrentStatus: order.Status,
			Version:       order.Version,
			ActorID:       order.UserID,
			RequestID:     order.ClientOrderNo,
			OccurredAt:    now,
			Metadata: map[string]any{
				"bizType":       string(order.BizType),
				"payableAmount": order.PayableAmount,
				"currency":      order.Currency,
			},
		}

		view := newOrderView(order)
		commit, err := run.finalize(view)
		if err != nil {
			return OrderView{}, err
		}
		if err := s.orders.Create(ctx, repositories.OrderCreation{
			Order:   order,
			Payment: payment,
			Events:  []OrderEvent{event},
			Action:  commit,
		}); err != nil {
			return OrderView{}, mapRepositoryError(err, "create order")
		}
		return view, nil
	})
	if err != nil {
		return OrderView{}, err
	}
	view.Idempotent = replayed
	return view, nil
}

func (s *orderCommandService) GetOrder(ctx context.Context, tenantID, storeID, orderID string) (Order, error) {
	ref := OrderRef{TenantID: strings.TrimSpace(tenantID), StoreID: strings.TrimSpace(storeID), OrderID: strings.TrimSpace(orderID)}
	if err := validateOrderRef(ref); err != nil {
		return Order{}, err
	}
	return loadOrder(ctx, s.orders, ref)
}

func (s *orderCommandService) Submit(ctx context.Context, cmd OrderCommand) (OrderView, error) {
	return s.transition(ctx, cmd, domain.ActionSubmit, nil, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.Submit(now)
	})
}

func (s *orderCommandService) Accept(ctx context.Context, cmd OrderCommand) (OrderView, error) {
	return s.transition(ctx, cmd, domain.ActionAccept, nil, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.Accept(now)
	})
}

func (s *orderCommandService) Reject(ctx context.Context, cmd RejectCommand) (OrderView, error) {
	code := strings.TrimSpace(cmd.ReasonCode)
	if code == "" {
		return OrderView{}, validationError("reasonCode is required to reject an order")
	}
	desc := s.sanitizeReason(cmd.ReasonDesc)
	metadata := map[string]any{"reasonCode": code}
	if desc != "" {
		metadata["reasonDesc"] = desc
	}
	return s.transition(ctx, cmd.OrderCommand, domain.ActionReject, metadata, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.Reject(code, desc, now)
	})
}

func (s *orderCommandService) StartPrepare(ctx context.Context, cmd OrderCommand) (OrderView, error) {
	return s.transition(ctx, cmd, domain.ActionStartPrepare, nil, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.StartPrepare(now)
	})
}

func (s *orderCommandService) MarkReady(ctx context.Context, cmd OrderCommand) (OrderView, error) {
	return s.transition(ctx, cmd, domain.ActionMarkReady, nil, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.MarkReady(now)
	})
}

func (s *orderCommandService) Complete(ctx context.Context, cmd OrderCommand) (OrderView, error) {
	return s.transition(ctx, cmd, domain.ActionComplete, nil, func(o *Order, now time.Time) (domain.StatusChange, error) {
		return o.Complete(now)
	})
}

func (s *orderCommandService) Cancel(ctx context.Context, cmd CancelCommand) (OrderView, error) {
	return s.cancel(ctx, cmd, domain.ActionCancel)
}

func (s *orderCommandService) UserCancel(ctx context.Context, cmd CancelCommand) (OrderView, error) {
	if strings.TrimSpace(cmd.OperatorID) == "" {
		return OrderView{}, validationError("operatorId is required for a customer cancel")
	}
	return s.cancel(ctx, cmd, domain.ActionUserCancel)
}

type orderMutator func(o *Order, now time.Time) (domain.StatusChange, error)

// transition runs a single-edge command: load, guard, mutate, then one conditional write that
// also completes the action log row and records the event.
func (s *orderCommandService) transition(ctx context.Context, cmd OrderCommand, action domain.ActionType, metadata map[string]any, mutate orderMutator) (OrderView, error) {
	cmd = normalizeOrderCommand(cmd)
	if err := validateOrderCommand(cmd); err != nil {
		return OrderView{}, err
	}

	view, replayed, err := executeCommand(ctx, s.executor, scopeFor(cmd, action), func(ctx context.Context, run *actionRun) (OrderView, error) {
		order, err := loadOrder(ctx, s.orders, cmd.Ref())
		if err != nil {
			return OrderView{}, err
		}
		if err := checkVersion(order, cmd.ExpectedVersion); err != nil {
			return OrderView{}, err
		}

		next := order.Clone()
		change, err := mutate(&next, s.clock())
		if err != nil {
			return OrderView{}, err
		}
		event := order.NewEvent(s.newID(), change, cmd.OperatorID, cmd.RequestID, metadata)

		next.Version = order.Version + 1
		view := newOrderView(next)
		commit, err := run.finalize(view)
		if err != nil {
			return OrderView{}, err
		}
		if _, err := s.orders.Commit(ctx, repositories.OrderMutation{
			Order:           next,
			ExpectedVersion: order.Version,
			Events:          []OrderEvent{event},
			Action:          commit,
		}); err != nil {
			return OrderView{}, mapRepositoryError(err, "commit order")
		}
		return view, nil
	})
	if err != nil {
		return OrderView{}, err
	}
	view.Idempotent = replayed
	return view, nil
}

// cancel commits the CANCELED transition and then settles the money: a paid order is refunded
// synchronously before the action completes, an unpaid wallet order has its hold released.
func (s *orderCommandService) cancel(ctx context.Context, cmd CancelCommand, action domain.ActionType) (OrderView, error) {
	base := normalizeOrderCommand(cmd.OrderCommand)
	if err := validateOrderCommand(base); err != nil {
		return OrderView{}, err
	}
	code := strings.TrimSpace(cmd.ReasonCode)
	desc := s.sanitizeReason(cmd.ReasonDesc)
	byUser := action == domain.ActionUserCancel

	view, replayed, err := executeCommand(ctx, s.executor, scopeFor(base, action), func(ctx context.Context, run *actionRun) (OrderView, error) {
		order, err := loadOrder(ctx, s.orders, base.Ref())
		if err != nil {
			return OrderView{}, err
		}
		if byUser && order.UserID != base.OperatorID {
			return OrderView{}, domain.NewError(domain.CodeOwnerMismatch, "", fmt.Errorf("order %s belongs to another user", order.ID))
		}
		if err := checkVersion(order, base.ExpectedVersion); err != nil {
			return OrderView{}, err
		}
		payment, err := s.payments.FindByOrder(ctx, order.TenantID, order.ID)
		if err != nil {
			return OrderView{}, mapRepositoryError(err, "load payment")
		}
		if run.reclaimed && canceledBefore(order) {
			// an earlier attempt committed the cancellation and stopped before the refund settled
			s.logger(ctx, "order.cancel.resumed", map[string]any{
				"orderId":   order.ID,
				"status":    string(order.Status),
				"payStatus": string(order.PayStatus),
			})
			if !order.Paid() || payment.RefundedAmount >= payment.PayAmount {
				return newOrderView(order), nil
			}
			return s.refundCanceled(ctx, base, code, payment)
		}

		next := order.Clone()
		now := s.clock()
		var change domain.StatusChange
		if byUser {
			change, err = next.UserCancel(code, desc, now)
		} else {
			change, err = next.Cancel(code, desc, now)
		}
		if err != nil {
			return OrderView{}, err
		}
		metadata := map[string]any{"actor": cancelActor(byUser)}
		if code != "" {
			metadata["reasonCode"] = code
		}
		if desc != "" {
			metadata["reasonDesc"] = desc
		}
		event := order.NewEvent(s.newID(), change, base.OperatorID, base.RequestID, metadata)
		next.Version = order.Version + 1
		mutation := repositories.OrderMutation{
			Order:           next,
			ExpectedVersion: order.Version,
			Events:          []OrderEvent{event},
		}

		if !order.Paid() {
			view := newOrderView(next)
			if mutation.Action, err = run.finalize(view); err != nil {
				return OrderView{}, err
			}
			if _, err := s.orders.Commit(ctx, mutation); err != nil {
				return OrderView{}, mapRepositoryError(err, "commit order")
			}
			if payment.PayChannel == domain.PayChannelWallet {
				s.releaseWalletHold(ctx, order, payment, base.RequestID)
			}
			return view, nil
		}

		mutation.Action = run.hold()
		if _, err := s.orders.Commit(ctx, mutation); err != nil {
			return OrderView{}, mapRepositoryError(err, "commit order")
		}
		return s.refundCanceled(ctx, base, code, payment)
	})
	if err != nil {
		return OrderView{}, err
	}
	view.Idempotent = replayed
	return view, nil
}

// refundCanceled refunds what is left of a canceled order's payment. The refund requestId is
// derived from the cancel request, so a resumed cancel settles the same refund row.
func (s *orderCommandService) refundCanceled(ctx context.Context, base OrderCommand, code string, payment Payment) (OrderView, error) {
	amount := payment.RemainingRefundable()
	if amount == 0 {
		// fully reserved by the earlier attempt's row, which ApplyRefund finds by requestId
		amount = payment.PayAmount - payment.RefundedAmount
	}
	if _, err := s.refunds.ApplyRefund(ctx, RefundCommand{
		OrderRef:     base.Ref(),
		OperatorID:   base.OperatorID,
		RequestID:    base.RequestID + cancelRefundSuffix,
		RefundAmount: amount,
		Reason:       cancelRefundReason(code),
	}); err != nil {
		return OrderView{}, err
	}
	refunded, err := loadOrder(ctx, s.orders, base.Ref())
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(refunded), nil
}

// canceledBefore reports whether order already went through a cancellation.
func canceledBefore(order Order) bool {
	return order.Status == domain.OrderStatusCanceled ||
		(order.Status == domain.OrderStatusRefunded && order.CanceledAt != nil)
}

func (s *orderCommandService) releaseWalletHold(ctx context.Context, order Order, payment Payment, requestID string) {
	if s.wallet == nil {
		s.logger(ctx, "order.wallet.release_skipped", map[string]any{
			"orderId": order.ID,
			"reason":  "wallet client not configured",
		})
		return
	}
	err := s.wallet.ReleaseFreeze(context.WithoutCancel(ctx), WalletRequest{
		TenantID:  order.TenantID,
		StoreID:   order.StoreID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    payment.PayAmount,
		Currency:  payment.Currency,
		RequestID: requestID,
	})
	if err != nil {
		s.logger(ctx, "order.wallet.release_failed", map[string]any{
			"orderId": order.ID,
			"amount":  payment.PayAmount,
			"error":   err.Error(),
		})
	}
}

func (s *orderCommandService) nextOrderNo(ctx context.Context, tenantID, storeID string, now time.Time) (string, error) {
	day := now.Format("20060102")
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orderNo:%s:%s:%s", tenantID, storeID, day), 1)
	if err != nil {
		return "", mapRepositoryError(err, "next order number")
	}
	return fmt.Sprintf("%s-%s-%06d", s.orderNoPrefix, day, seq), nil
}

func (s *orderCommandService) sanitizeReason(desc string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(desc))
	if len([]rune(clean)) > maxReasonDescLength {
		clean = string([]rune(clean)[:maxReasonDescLength])
	}
	return clean
}

func cancelActor(byUser bool) string {
	if byUser {
		return "user"
	}
	return "merchant"
}

func cancelRefundReason(code string) string {
	if code == "" {
		return "order canceled"
	}
	return "order canceled: " + code
}

// loadOrder fetches the order and verifies it belongs to the addressed store.
func loadOrder(ctx context.Context, orders repositories.OrderRepository, ref OrderRef) (Order, error) {
	order, err := orders.FindByID(ctx, ref.TenantID, ref.OrderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "load order")
	}
	if order.StoreID != ref.StoreID {
		return Order{}, domain.NewError(domain.CodeStoreMismatch, "", fmt.Errorf("order %s belongs to store %s", order.ID, order.StoreID))
	}
	return order, nil
}

// checkVersion is the pre-mutation half of the optimistic lock. The conditional write repeats it.
func checkVersion(order Order, expected *int64) error {
	if expected == nil || *expected == order.Version {
		return nil
	}
	return domain.NewError(domain.CodeVersionConflict, "", fmt.Errorf("order %s: expected version %d, found %d", order.ID, *expected, order.Version))
}

func newOrderView(order Order) OrderView {
	return OrderView{
		OrderID:       order.ID,
		OrderNo:       order.OrderNo,
		Status:        order.Status,
		PayStatus:     order.PayStatus,
		PayableAmount: order.PayableAmount,
		Version:       order.Version,
	}
}

func scopeFor(cmd OrderCommand, action domain.ActionType) actionScope {
	return actionScope{
		TenantID:  cmd.TenantID,
		StoreID:   cmd.StoreID,
		OrderID:   cmd.OrderID,
		Action:    action,
		RequestID: cmd.RequestID,
	}
}

func normalizeOrderCommand(cmd OrderCommand) OrderCommand {
	cmd.TenantID = strings.TrimSpace(cmd.TenantID)
	cmd.StoreID = strings.TrimSpace(cmd.StoreID)
	cmd.OrderID = strings.TrimSpace(cmd.OrderID)
	cmd.OperatorID = strings.TrimSpace(cmd.OperatorID)
	cmd.RequestID = strings.TrimSpace(cmd.RequestID)
	return cmd
}

func validateOrderRef(ref OrderRef) error {
	switch {
	case ref.TenantID == "":
		return validationError("tenantId is required")
	case ref.StoreID == "":
		return validationError("storeId is required")
	case ref.OrderID == "":
		return validationError("orderId is required")
	}
	return nil
}

func validateOrderCommand(cmd OrderCommand) error {
	if err := validateOrderRef(cmd.Ref()); err != nil {
		return err
	}
	if cmd.RequestID == "" {
		return validationError("requestId is required")
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion < 1 {
		return validationError("expectedVersion must be positive")
	}
	return nil
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	switch {
	case strings.TrimSpace(cmd.TenantID) == "":
		return validationError("tenantId is required")
	case strings.TrimSpace(cmd.StoreID) == "":
		return validationError("storeId is required")
	case strings.TrimSpace(cmd.ClientOrderNo) == "":
		return validationError("clientOrderNo is required")
	case strings.TrimSpace(cmd.UserID) == "":
		return validationError("userId is required")
	case !domain.ValidBizType(cmd.BizType):
		return validationError("bizType %q is not supported", cmd.BizType)
	case len(cmd.Items) == 0:
		return validationError("order must contain at least one item")
	case cmd.DiscountAmount < 0:
		return validationError("discountAmount must not be negative")
	}
	switch cmd.PayChannel {
	case "", domain.PayChannelCard, domain.PayChannelWallet:
	default:
		return validationError("payChannel %q is not supported", cmd.PayChannel)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.SKUID) == "" {
			return validationError("items[%d].skuId is required", i)
		}
		if item.Quantity <= 0 {
			return validationError("items[%d].quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return validationError("items[%d].unitPrice must not be negative", i)
		}
	}
	return nil
}

func buildOrderItems(items []CreateOrderItem) []OrderItem {
	out := make([]OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItem{
			ProductID:     strings.TrimSpace(item.ProductID),
			SKUID:         strings.TrimSpace(item.SKUID),
			Name:          strings.TrimSpace(item.Name),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			PayableAmount: item.Quantity * item.UnitPrice,
		})
	}
	return out
}
