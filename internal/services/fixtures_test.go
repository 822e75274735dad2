package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
	"finitefield.org/order-engine/internal/repositories/memory"
)

const (
	testTenant = "tenant-1"
	testStore  = "store-1"
	testUser   = "user-1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	n atomic.Int64
}

func (s *sequenceIDs) Next() string {
	return fmt.Sprintf("id-%04d", s.n.Add(1))
}

type logEntry struct {
	event  string
	fields map[string]any
}

type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *logRecorder) Log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *logRecorder) Has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []RefundRequest
	err      error
	declined string
}

func (g *fakeGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return RefundResult{}, g.err
	}
	if g.declined != "" {
		return RefundResult{Success: false, ErrorMsg: g.declined}, nil
	}
	return RefundResult{Success: true, RefundNo: fmt.Sprintf("re_%d", len(g.requests))}, nil
}

func (g *fakeGateway) Calls() []RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RefundRequest(nil), g.requests...)
}

type fakeWallet struct {
	mu         sync.Mutex
	released   []WalletRequest
	reverted   []WalletRequest
	paid       []WalletRequest
	releaseErr error
	revertErr  error
	payErr     error
	paidAt     time.Time
}

func (w *fakeWallet) ReleaseFreeze(_ context.Context, req WalletRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = append(w.released, req)
	return w.releaseErr
}

func (w *fakeWallet) RevertPayment(_ context.Context, req WalletRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reverted = append(w.reverted, req)
	return w.revertErr
}

func (w *fakeWallet) PayWithWallet(_ context.Context, req WalletRequest) (WalletPayment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paid = append(w.paid, req)
	if w.payErr != nil {
		return WalletPayment{}, w.payErr
	}
	return WalletPayment{TradeNo: "wallet-" + req.RequestID, PaidAt: w.paidAt}, nil
}

// conflictingOrders fails every Commit with a version conflict, simulating a concurrent writer.
type conflictingOrders struct {
	repositories.OrderRepository
}

func (conflictingOrders) Commit(context.Context, repositories.OrderMutation) (domain.Order, error) {
	return domain.Order{}, domain.NewError(domain.CodeVersionConflict, "", errors.New("stored version moved on"))
}

type harness struct {
	store      *memory.Store
	clock      *testClock
	ids        *sequenceIDs
	logs       *logRecorder
	gateway    *fakeGateway
	wallet     *fakeWallet
	executor   *CommandExecutor
	orders     OrderCommandService
	reconciler PaymentReconciler
	refunds    RefundService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	reconcilerOrders func(*memory.Store) repositories.OrderRepository
}

func withReconcilerOrders(fn func(*memory.Store) repositories.OrderRepository) harnessOption {
	return func(cfg *harnessConfig) {
		cfg.reconcilerOrders = fn
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		store:   memory.NewStore(),
		clock:   &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		ids:     &sequenceIDs{},
		logs:    &logRecorder{},
		gateway: &fakeGateway{},
		wallet:  &fakeWallet{},
	}
	cfg := harnessConfig{
		reconcilerOrders: func(store *memory.Store) repositories.OrderRepository { return store.Orders() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	executor, err := NewCommandExecutor(CommandExecutorDeps{
		Actions: h.store.ActionLogs(),
		Clock:   h.clock.Now,
		Logger:  h.logs.Log,
	})
	if err != nil {
		t.Fatalf("NewCommandExecutor: %v", err)
	}
	h.executor = executor

	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:      cfg.reconcilerOrders(h.store),
		Payments:    h.store.Payments(),
		Wallet:      h.wallet,
		Clock:       h.clock.Now,
		IDGenerator: h.ids.Next,
		Logger:      h.logs.Log,
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}
	h.reconciler = reconciler

	refunds, err := NewRefundService(RefundServiceDeps{
		Orders:      h.store.Orders(),
		Payments:    h.store.Payments(),
		Refunds:     h.store.Refunds(),
		Gateway:     h.gateway,
		Wallet:      h.wallet,
		Reconciler:  reconciler,
		Clock:       h.clock.Now,
		IDGenerator: h.ids.Next,
		Logger:      h.logs.Log,
	})
	if err != nil {
		t.Fatalf("NewRefundService: %v", err)
	}
	h.refunds = refunds

	orders, err := NewOrderCommandService(OrderCommandServiceDeps{
		Orders:      h.store.Orders(),
		Payments:    h.store.Payments(),
		Counters:    h.store.Counters(),
		Executor:    executor,
		Refunds:     refunds,
		Wallet:      h.wallet,
		Clock:       h.clock.Now,
		IDGenerator: h.ids.Next,
		Logger:      h.logs.Log,
	})
	if err != nil {
		t.Fatalf("NewOrderCommandService: %v", err)
	}
	h.orders = orders
	return h
}

type seedOrder struct {
	id        string
	bizType   domain.BizType
	status    domain.OrderStatus
	payStatus domain.PayStatus
	channel   domain.PayChannel
	version   int64
	amount    int64
	refunded  int64
}

// seed stores an order directly, bypassing the command path.
func (h *harness) seed(spec seedOrder) domain.Order {
	if spec.bizType == "" {
		spec.bizType = domain.BizTypePickup
	}
	if spec.payStatus == "" {
		spec.payStatus = domain.PayStatusUnpaid
	}
	if spec.channel == "" {
		spec.channel = domain.PayChannelCard
	}
	if spec.version == 0 {
		spec.version = 1
	}
	if spec.amount == 0 {
		spec.amount = 1000
	}
	now := h.clock.Now()
	order := domain.Order{
		TenantID:      testTenant,
		StoreID:       testStore,
		ID:            spec.id,
		OrderNo:       "ORD-20240501-" + spec.id,
		UserID:        testUser,
		Status:        spec.status,
		PayStatus:     spec.payStatus,
		Version:       spec.version,
		BizType:       spec.bizType,
		TotalAmount:   spec.amount,
		PayableAmount: spec.amount,
		Currency:      "JPY",
		Items: []domain.OrderItem{
			{ProductID: "prod-1", SKUID: "sku-1", Name: "Bento", Quantity: 1, UnitPrice: spec.amount, PayableAmount: spec.amount},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	payment := domain.Payment{
		TenantID:       testTenant,
		StoreID:        testStore,
		OrderID:        spec.id,
		PayStatus:      spec.payStatus,
		PayChannel:     spec.channel,
		PayAmount:      spec.amount,
		RefundedAmount: spec.refunded,
		Currency:       "JPY",
		ThirdTradeNo:   "pi_" + spec.id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	h.store.PutOrder(order, payment)
	return order
}

func (h *harness) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := h.store.Orders().FindByID(context.Background(), testTenant, id)
	if err != nil {
		t.Fatalf("load order %s: %v", id, err)
	}
	return order
}

func (h *harness) payment(t *testing.T, id string) domain.Payment {
	t.Helper()
	payment, err := h.store.Payments().FindByOrder(context.Background(), testTenant, id)
	if err != nil {
		t.Fatalf("load payment %s: %v", id, err)
	}
	return payment
}

// eventsOfType counts outbox rows of the given type for an order.
func (h *harness) eventsOfType(orderID, eventType string) int {
	count := 0
	for _, evt := range h.store.Events() {
		if evt.OrderID == orderID && evt.Type == eventType {
			count++
		}
	}
	return count
}

func (h *harness) eventCount(orderID string) int {
	count := 0
	for _, evt := range h.store.Events() {
		if evt.OrderID == orderID {
			count++
		}
	}
	return count
}

func command(orderID, requestID string) OrderCommand {
	return OrderCommand{
		TenantID:   testTenant,
		StoreID:    testStore,
		OrderID:    orderID,
		OperatorID: "staff-1",
		RequestID:  requestID,
	}
}

func ref(orderID string) OrderRef {
	return OrderRef{TenantID: testTenant, StoreID: testStore, OrderID: orderID}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func expectCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := domain.CodeOf(err); got != code {
		t.Fatalf("expected %s error, got %s (%v)", code, got, err)
	}
}
