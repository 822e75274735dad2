package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

func createCommand(clientOrderNo string) CreateOrderCommand {
	return CreateOrderCommand{
		TenantID:      testTenant,
		StoreID:       testStore,
		ClientOrderNo: clientOrderNo,
		UserID:        testUser,
		BizType:       domain.BizTypePickup,
		OrderSource:   "APP",
		Currency:      "JPY",
		Items: []CreateOrderItem{
			{ProductID: "prod-1", SKUID: "sku-1", Name: "Bento", Quantity: 2, UnitPrice: 450},
			{ProductID: "prod-2", SKUID: "sku-2", Name: "Tea", Quantity: 1, UnitPrice: 200},
		},
		DiscountAmount: 100,
	}
}

func TestOrderCommandServiceCreateOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.orders.CreateOrder(ctx, createCommand("client-1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if view.OrderNo != "ORD-20240501-000001" {
		t.Fatalf("unexpected order number %q", view.OrderNo)
	}
	if view.Status != domain.OrderStatusInit || view.PayStatus != domain.PayStatusUnpaid {
		t.Fatalf("unexpected initial state %s/%s", view.Status, view.PayStatus)
	}
	if view.Version != 1 {
		t.Fatalf("expected version 1, got %d", view.Version)
	}
	if view.PayableAmount != 1000 {
		t.Fatalf("expected payable 1000, got %d", view.PayableAmount)
	}

	order := h.order(t, view.OrderID)
	if order.Currency != "JPY" {
		t.Fatalf("expected currency JPY, got %s", order.Currency)
	}
	if order.TotalAmount != 1100 || order.DiscountAmount != 100 {
		t.Fatalf("unexpected amounts total=%d discount=%d", order.TotalAmount, order.DiscountAmount)
	}
	if len(order.Items) != 2 || order.Items[0].PayableAmount != 900 {
		t.Fatalf("unexpected items %+v", order.Items)
	}
	payment := h.payment(t, view.OrderID)
	if payment.PayAmount != 1000 || payment.PayChannel != domain.PayChannelCard {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if got := h.eventsOfType(view.OrderID, domain.EventTypeOrderCreated); got != 1 {
		t.Fatalf("expected one created event, got %d", got)
	}

	replay, err := h.orders.CreateOrder(ctx, createCommand("client-1"))
	if err != nil {
		t.Fatalf("CreateOrder replay: %v", err)
	}
	if !replay.Idempotent || replay.OrderID != view.OrderID {
		t.Fatalf("expected idempotent replay of %s, got %+v", view.OrderID, replay)
	}
	if got := h.eventsOfType(view.OrderID, domain.EventTypeOrderCreated); got != 1 {
		t.Fatalf("expected replay not to emit, got %d created events", got)
	}

	next, err := h.orders.CreateOrder(ctx, createCommand("client-2"))
	if err != nil {
		t.Fatalf("CreateOrder second: %v", err)
	}
	if next.OrderNo != "ORD-20240501-000002" {
		t.Fatalf("expected sequential order number, got %q", next.OrderNo)
	}
}

func TestOrderCommandServiceCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]func(*CreateOrderCommand){
		"missing client order": func(cmd *CreateOrderCommand) { cmd.ClientOrderNo = " " },
		"unknown biz type":     func(cmd *CreateOrderCommand) { cmd.BizType = "DRIVE_THRU" },
		"bad currency":         func(cmd *CreateOrderCommand) { cmd.Currency = "yen" },
		"no items":             func(cmd *CreateOrderCommand) { cmd.Items = nil },
		"zero quantity":        func(cmd *CreateOrderCommand) { cmd.Items[0].Quantity = 0 },
		"discount too large":   func(cmd *CreateOrderCommand) { cmd.DiscountAmount = 5000 },
		"unknown pay channel":  func(cmd *CreateOrderCommand) { cmd.PayChannel = "CASH" },
	}
	i := 0
	for name, mutate := range cases {
		i++
		cmd := createCommand(fmt.Sprintf("client-invalid-%d", i))
		mutate(&cmd)
		_, err := h.orders.CreateOrder(ctx, cmd)
		if domain.CodeOf(err) != domain.CodeValidation {
			t.Errorf("%s: expected VALIDATION, got %v", name, err)
		}
	}
}

func TestOrderCommandServiceFullPickupLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orders.CreateOrder(ctx, createCommand("client-1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	id := created.OrderID

	if _, err := h.orders.Submit(ctx, command(id, "submit-1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.reconciler.OnPaySuccess(ctx, PaySuccessNotification{OrderRef: ref(id), Amount: 1000, ThirdTradeNo: "pi_1"}); err != nil {
		t.Fatalf("OnPaySuccess: %v", err)
	}
	steps := []struct {
		name string
		run  func() (OrderView, error)
		want domain.OrderStatus
	}{
		{"accept", func() (OrderView, error) { return h.orders.Accept(ctx, command(id, "accept-1")) }, domain.OrderStatusAccepted},
		{"start prepare", func() (OrderView, error) { return h.orders.StartPrepare(ctx, command(id, "prep-1")) }, domain.OrderStatusPreparing},
		{"mark ready", func() (OrderView, error) { return h.orders.MarkReady(ctx, command(id, "ready-1")) }, domain.OrderStatusReady},
		{"complete", func() (OrderView, error) { return h.orders.Complete(ctx, command(id, "complete-1")) }, domain.OrderStatusCompleted},
	}
	for _, step := range steps {
		view, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if view.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.name, step.want, view.Status)
		}
	}

	order := h.order(t, id)
	if order.Version != 7 {
		t.Fatalf("expected version 7 after six mutations, got %d", order.Version)
	}
	if order.CompletedAt == nil || order.AcceptedAt == nil {
		t.Fatalf("expected audit timestamps to be set")
	}
	if got := h.eventCount(id); got != 7 {
		t.Fatalf("expected seven events, got %d", got)
	}
}

func TestOrderCommandServiceAcceptReplayReturnsSameView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid})

	first, err := h.orders.Accept(ctx, command("order-1", "req-1"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	second, err := h.orders.Accept(ctx, command("order-1", "req-1"))
	if err != nil {
		t.Fatalf("Accept replay: %v", err)
	}
	if !second.Idempotent {
		t.Fatalf("expected replay to be flagged idempotent")
	}
	second.Idempotent = false
	if second != first {
		t.Fatalf("expected identical response, got %+v vs %+v", first, second)
	}
	if got := h.eventsOfType("order-1", domain.EventTypeOrderAccepted); got != 1 {
		t.Fatalf("expected exactly one accepted event, got %d", got)
	}
	if h.order(t, "order-1").Version != 2 {
		t.Fatalf("expected single version bump")
	}
}

func TestOrderCommandServiceConcurrentAcceptSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid, version: 4})

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cmd := command("order-1", fmt.Sprintf("req-%d", idx))
			cmd.ExpectedVersion = int64Ptr(4)
			_, err := h.orders.Accept(ctx, cmd)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", workers-1, successes, conflicts)
	}
	order := h.order(t, "order-1")
	if order.Version != 5 || order.Status != domain.OrderStatusAccepted {
		t.Fatalf("expected ACCEPTED at version 5, got %s at %d", order.Status, order.Version)
	}
	if got := h.eventsOfType("order-1", domain.EventTypeOrderAccepted); got != 1 {
		t.Fatalf("expected one accepted event, got %d", got)
	}
}

func TestOrderCommandServiceStaleVersionLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid, version: 4})

	cmd := command("order-1", "req-1")
	cmd.ExpectedVersion = int64Ptr(3)
	_, err := h.orders.Accept(ctx, cmd)
	expectCode(t, err, domain.CodeVersionConflict)

	order := h.order(t, "order-1")
	if order.Version != 4 || order.Status != domain.OrderStatusPendingAccept {
		t.Fatalf("expected untouched order, got %s at %d", order.Status, order.Version)
	}
	if got := h.eventCount("order-1"); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
	entry, _ := h.store.ActionLog(domain.ActionKey(testTenant, testStore, "order-1", domain.ActionAccept, "req-1"))
	if entry.Status != domain.ActionStatusFailed || entry.ErrorCode != string(domain.CodeVersionConflict) {
		t.Fatalf("expected FAILED action with VERSION_CONFLICT, got %s/%s", entry.Status, entry.ErrorCode)
	}
}

func TestOrderCommandServiceRejectRecordsReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid})

	_, err := h.orders.Reject(ctx, RejectCommand{OrderCommand: command("order-1", "req-0")})
	expectCode(t, err, domain.CodeValidation)

	view, err := h.orders.Reject(ctx, RejectCommand{
		OrderCommand: command("order-1", "req-1"),
		ReasonCode:   "OUT_OF_STOCK",
		ReasonDesc:   "<b>sold</b> out<script>alert(1)</script>",
	})
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if view.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", view.Status)
	}

	order := h.order(t, "order-1")
	if order.CancelReasonCode != "OUT_OF_STOCK" {
		t.Fatalf("expected reason code, got %q", order.CancelReasonCode)
	}
	if order.CancelReasonDesc != "sold out" {
		t.Fatalf("expected sanitized description, got %q", order.CancelReasonDesc)
	}

	var rejected []domain.OutboxEvent
	for _, evt := range h.store.Events() {
		if evt.Type == domain.EventTypeOrderRejected {
			rejected = append(rejected, evt)
		}
	}
	if len(rejected) != 1 {
		t.Fatalf("expected one reject event, got %d", len(rejected))
	}
	if !strings.Contains(string(rejected[0].Payload), `"reasonCode":"OUT_OF_STOCK"`) {
		t.Fatalf("expected reasonCode in event payload, got %s", rejected[0].Payload)
	}
}

func TestOrderCommandServiceDineInSkipsAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", bizType: domain.BizTypeDineIn, status: domain.OrderStatusWaitPay})

	view, err := h.reconciler.OnPaySuccess(ctx, PaySuccessNotification{OrderRef: ref("order-1"), Amount: 1000})
	if err != nil {
		t.Fatalf("OnPaySuccess: %v", err)
	}
	if view.Status != domain.OrderStatusAccepted {
		t.Fatalf("expected dine-in order to be ACCEPTED after payment, got %s", view.Status)
	}
	_, err = h.orders.Accept(ctx, command("order-1", "req-1"))
	expectCode(t, err, domain.CodeStateConflict)
}

func TestOrderCommandServiceStoreMismatch(t *testing.T) {
	h := newHarness(t)
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid})

	cmd := command("order-1", "req-1")
	cmd.StoreID = "store-2"
	_, err := h.orders.Accept(context.Background(), cmd)
	expectCode(t, err, domain.CodeStoreMismatch)
}

func TestOrderCommandServiceCommandValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orders.Accept(ctx, command("order-1", ""))
	expectCode(t, err, domain.CodeValidation)

	cmd := command("order-1", "req-1")
	cmd.ExpectedVersion = int64Ptr(0)
	_, err = h.orders.Accept(ctx, cmd)
	expectCode(t, err, domain.CodeValidation)

	_, err = h.orders.Accept(ctx, command("missing", "req-2"))
	expectCode(t, err, domain.CodeNotFound)
}

func TestOrderCommandServiceCancelPaidOrderRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusAccepted, payStatus: domain.PayStatusPaid})

	cmd := CancelCommand{OrderCommand: command("order-1", "req-1"), ReasonCode: "KITCHEN_CLOSED"}
	view, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if view.Status != domain.OrderStatusRefunded || view.PayStatus != domain.PayStatusRefunded {
		t.Fatalf("expected REFUNDED/REFUNDED, got %s/%s", view.Status, view.PayStatus)
	}

	calls := h.gateway.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(calls))
	}
	wantKey := domain.RefundIdemKey(testTenant, testStore, "order-1", "req-1"+cancelRefundSuffix)
	if calls[0].IdempotencyKey != wantKey || calls[0].Amount != 1000 {
		t.Fatalf("unexpected gateway request %+v", calls[0])
	}
	if got := h.eventsOfType("order-1", domain.EventTypeOrderCanceled); got != 1 {
		t.Fatalf("expected one canceled event, got %d", got)
	}
	if got := h.eventsOfType("order-1", domain.EventTypeOrderRefunded); got != 1 {
		t.Fatalf("expected one refunded event, got %d", got)
	}
	entry, _ := h.store.ActionLog(domain.ActionKey(testTenant, testStore, "order-1", domain.ActionCancel, "req-1"))
	if entry.Status != domain.ActionStatusSuccess {
		t.Fatalf("expected SUCCESS action, got %s", entry.Status)
	}

	replay, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("Cancel replay: %v", err)
	}
	if !replay.Idempotent || replay.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected idempotent REFUNDED replay, got %+v", replay)
	}
	if len(h.gateway.Calls()) != 1 {
		t.Fatalf("expected replay not to call the gateway again")
	}
}

func TestOrderCommandServiceCancelPaidOrderRefundFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusPendingAccept, payStatus: domain.PayStatusPaid})
	h.gateway.err = errors.New("psp unavailable")

	cmd := CancelCommand{OrderCommand: command("order-1", "req-1")}
	_, err := h.orders.Cancel(ctx, cmd)
	expectCode(t, err, domain.CodeGatewayFailure)

	entry, _ := h.store.ActionLog(domain.ActionKey(testTenant, testStore, "order-1", domain.ActionCancel, "req-1"))
	if entry.Status != domain.ActionStatusFailed || entry.ErrorCode != string(domain.CodeGatewayFailure) {
		t.Fatalf("expected FAILED action with GATEWAY_FAILURE, got %s/%s", entry.Status, entry.ErrorCode)
	}
	order := h.order(t, "order-1")
	if order.Status != domain.OrderStatusCanceled || order.PayStatus != domain.PayStatusPaid {
		t.Fatalf("expected CANCELED and still PAID, got %s/%s", order.Status, order.PayStatus)
	}
	refunds, err := h.store.Refunds().ListByOrder(ctx, testTenant, "order-1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(refunds) != 1 || refunds[0].Status != domain.RefundStatusFailed {
		t.Fatalf("expected one FAILED refund row, got %+v", refunds)
	}

	_, err = h.orders.Cancel(ctx, cmd)
	expectCode(t, err, domain.CodeIdempotencyConflict)
}

// interruptCancel leaves the cancel row PROCESSING at attempt 1 with the CANCELED commit
// already durable, as a worker that stopped before the refund would.
func interruptCancel(t *testing.T, h *harness, order domain.Order, requestID string) {
	t.Helper()
	ctx := context.Background()
	key := domain.ActionKey(testTenant, testStore, order.ID, domain.ActionCancel, requestID)
	if _, err := h.store.ActionLogs().Reserve(ctx, domain.ActionLog{
		TenantID:   testTenant,
		StoreID:    testStore,
		OrderID:    order.ID,
		ActionType: domain.ActionCancel,
		ActionKey:  key,
		RequestID:  requestID,
	}, h.clock.Now(), defaultActionLease); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	next := order.Clone()
	change, err := next.Cancel("KITCHEN_CLOSED", "", h.clock.Now())
	if err != nil {
		t.Fatalf("cancel transition: %v", err)
	}
	if _, err := h.store.Orders().Commit(ctx, repositories.OrderMutation{
		Order:           next,
		ExpectedVersion: order.Version,
		Events:          []domain.OrderEvent{order.NewEvent("evt-cancel", change, "staff-1", requestID, nil)},
		Action:          &repositories.ActionCommit{Key: key, Attempt: 1},
	}); err != nil {
		t.Fatalf("commit cancel: %v", err)
	}
	h.clock.Advance(defaultActionLease + time.Minute)
}

func TestOrderCommandServiceReclaimedCancelRefundsPaidOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seed(seedOrder{id: "order-1", status: domain.OrderStatusAccepted, payStatus: domain.PayStatusPaid})
	interruptCancel(t, h, order, "req-1")

	view, err := h.orders.Cancel(ctx, CancelCommand{OrderCommand: command("order-1", "req-1"), ReasonCode: "KITCHEN_CLOSED"})
	if err != nil {
		t.Fatalf("Cancel after reclaim: %v", err)
	}
	if view.Status != domain.OrderStatusRefunded || view.PayStatus != domain.PayStatusRefunded {
		t.Fatalf("expected REFUNDED/REFUNDED, got %s/%s", view.Status, view.PayStatus)
	}
	calls := h.gateway.Calls()
	if len(calls) != 1 || calls[0].Amount != 1000 {
		t.Fatalf("expected one full refund at the gateway, got %+v", calls)
	}
	refunds, err := h.store.Refunds().ListByOrder(ctx, testTenant, "order-1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	wantKey := domain.RefundIdemKey(testTenant, testStore, "order-1", "req-1"+cancelRefundSuffix)
	if len(refunds) != 1 || refunds[0].Status != domain.RefundStatusSuccess || refunds[0].IdemKey != wantKey {
		t.Fatalf("expected one SUCCESS refund under the derived key, got %+v", refunds)
	}
	if got := h.eventsOfType("order-1", domain.EventTypeOrderCanceled); got != 1 {
		t.Fatalf("expected the cancellation not to be emitted twice, got %d", got)
	}
	entry, _ := h.store.ActionLog(domain.ActionKey(testTenant, testStore, "order-1", domain.ActionCancel, "req-1"))
	if entry.Status != domain.ActionStatusSuccess || entry.Attempt != 2 {
		t.Fatalf("expected SUCCESS at attempt 2, got %s at attempt %d", entry.Status, entry.Attempt)
	}
	if !h.logs.Has("order.cancel.resumed") {
		t.Fatalf("expected the resumed cancel to be logged")
	}
}

func TestOrderCommandServiceReclaimedCancelAfterSettledRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seed(seedOrder{id: "order-1", status: domain.OrderStatusAccepted, payStatus: domain.PayStatusPaid})
	interruptCancel(t, h, order, "req-1")

	// the interrupted worker got as far as settling the refund
	if _, err := h.refunds.ApplyRefund(ctx, refundCommand("order-1", "req-1"+cancelRefundSuffix, 1000)); err != nil {
		t.Fatalf("ApplyRefund: %v", err)
	}

	view, err := h.orders.Cancel(ctx, CancelCommand{OrderCommand: command("order-1", "req-1")})
	if err != nil {
		t.Fatalf("Cancel after reclaim: %v", err)
	}
	if view.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", view.Status)
	}
	if len(h.gateway.Calls()) != 1 {
		t.Fatalf("expected no second gateway call, got %d", len(h.gateway.Calls()))
	}
}

func TestOrderCommandServiceCancelUnpaidWalletOrderReleasesHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusWaitPay, channel: domain.PayChannelWallet})
	h.wallet.releaseErr = errors.New("wallet offline")

	view, err := h.orders.Cancel(ctx, CancelCommand{OrderCommand: command("order-1", "req-1")})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if view.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", view.Status)
	}
	if len(h.wallet.released) != 1 {
		t.Fatalf("expected one release attempt, got %d", len(h.wallet.released))
	}
	if !h.logs.Has("order.wallet.release_failed") {
		t.Fatalf("expected release failure to be logged")
	}
	if len(h.gateway.Calls()) != 0 {
		t.Fatalf("expected no refund for an unpaid order")
	}
}

func TestOrderCommandServiceCancelOutsideMerchantWindow(t *testing.T) {
	h := newHarness(t)
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusReady, payStatus: domain.PayStatusPaid})

	_, err := h.orders.Cancel(context.Background(), CancelCommand{OrderCommand: command("order-1", "req-1")})
	expectCode(t, err, domain.CodeStateConflict)
	if len(h.gateway.Calls()) != 0 {
		t.Fatalf("expected no refund attempt")
	}
}

func TestOrderCommandServiceUserCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusWaitPay})
	h.seed(seedOrder{id: "order-2", status: domain.OrderStatusAccepted, payStatus: domain.PayStatusPaid})

	cmd := CancelCommand{OrderCommand: command("order-1", "req-1")}
	cmd.OperatorID = "someone-else"
	_, err := h.orders.UserCancel(ctx, cmd)
	expectCode(t, err, domain.CodeOwnerMismatch)

	cmd.RequestID = "req-2"
	cmd.OperatorID = testUser
	view, err := h.orders.UserCancel(ctx, cmd)
	if err != nil {
		t.Fatalf("UserCancel: %v", err)
	}
	if view.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", view.Status)
	}

	late := CancelCommand{OrderCommand: command("order-2", "req-3")}
	late.OperatorID = testUser
	_, err = h.orders.UserCancel(ctx, late)
	expectCode(t, err, domain.CodeStateConflict)
}

func TestOrderCommandServiceGetOrder(t *testing.T) {
	h := newHarness(t)
	h.seed(seedOrder{id: "order-1", status: domain.OrderStatusWaitPay})

	order, err := h.orders.GetOrder(context.Background(), testTenant, testStore, "order-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.ID != "order-1" {
		t.Fatalf("unexpected order %s", order.ID)
	}
	_, err = h.orders.GetOrder(context.Background(), testTenant, "store-2", "order-1")
	expectCode(t, err, domain.CodeStoreMismatch)
}
