package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

func seedOrder(store *Store, version int64) domain.Order {
	order := domain.Order{
		TenantID:      "t1",
		StoreID:       "s1",
		ID:            "o1",
		BizType:       domain.BizTypePickup,
		Status:        domain.OrderStatusPendingAccept,
		PayStatus:     domain.PayStatusPaid,
		Version:       version,
		PayableAmount: 1000,
	}
	store.PutOrder(order, domain.Payment{TenantID: "t1", StoreID: "s1", OrderID: "o1", PayStatus: domain.PayStatusPaid, PayAmount: 1000})
	return order
}

func TestCommitIsConditionalOnVersion(t *testing.T) {
	store := NewStore()
	order := seedOrder(store, 4)
	ctx := context.Background()

	order.Status = domain.OrderStatusAccepted
	if _, err := store.Orders().Commit(ctx, repositories.OrderMutation{Order: order, ExpectedVersion: 3}); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	stored, _ := store.Orders().FindByID(ctx, "t1", "o1")
	if stored.Status != domain.OrderStatusPendingAccept || stored.Version != 4 {
		t.Fatalf("stale write leaked: %+v", stored)
	}

	committed, err := store.Orders().Commit(ctx, repositories.OrderMutation{
		Order:           order,
		ExpectedVersion: 4,
		Events:          []domain.OrderEvent{{ID: "e1", Type: domain.EventTypeOrderAccepted, TenantID: "t1", OrderID: "o1"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Version != 5 || committed.Status != domain.OrderStatusAccepted {
		t.Fatalf("unexpected committed order %+v", committed)
	}
	if events := store.Events(); len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("expected one outbox row, got %+v", events)
	}
}

func TestConcurrentCommitsSingleWinner(t *testing.T) {
	store := NewStore()
	order := seedOrder(store, 1)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Orders().Commit(ctx, repositories.OrderMutation{Order: order, ExpectedVersion: 1})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || conflicts.Load() != 15 {
		t.Fatalf("expected 1 success and 15 conflicts, got %d/%d", successes.Load(), conflicts.Load())
	}
	stored, _ := store.Orders().FindByID(ctx, "t1", "o1")
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}
}

func TestReserveIsUniqueUnderContention(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()
	entry := domain.ActionLog{ActionKey: "t1:s1:o1:ACCEPT:r1", ActionType: domain.ActionAccept}

	var (
		wg    sync.WaitGroup
		owned atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.ActionLogs().Reserve(ctx, entry, now, time.Minute)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if res.State.Owned() {
				owned.Add(1)
			}
		}()
	}
	wg.Wait()
	if owned.Load() != 1 {
		t.Fatalf("expected exactly one owner, got %d", owned.Load())
	}
}

func TestCommitRejectsLostActionLease(t *testing.T) {
	store := NewStore()
	order := seedOrder(store, 1)
	ctx := context.Background()
	now := time.Now()
	entry := domain.ActionLog{ActionKey: "t1:s1:o1:ACCEPT:r1"}

	if _, err := store.ActionLogs().Reserve(ctx, entry, now, time.Second); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reclaimed, err := store.ActionLogs().Reserve(ctx, entry, now.Add(2*time.Second), time.Second)
	if err != nil || reclaimed.State != repositories.ReservationReclaimed {
		t.Fatalf("expected reclaim, got %v %v", reclaimed.State, err)
	}

	_, err = store.Orders().Commit(ctx, repositories.OrderMutation{
		Order:           order,
		ExpectedVersion: 1,
		Action:          &repositories.ActionCommit{Key: entry.ActionKey, Attempt: 1, Finalize: true},
	})
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict for zombie attempt, got %v", err)
	}
	stored, _ := store.Orders().FindByID(ctx, "t1", "o1")
	if stored.Version != 1 {
		t.Fatalf("zombie attempt must not write, version %d", stored.Version)
	}

	if _, err := store.Orders().Commit(ctx, repositories.OrderMutation{
		Order:           order,
		ExpectedVersion: 1,
		Action:          &repositories.ActionCommit{Key: entry.ActionKey, Attempt: 2, Result: []byte(`{}`), Finalize: true},
	}); err != nil {
		t.Fatalf("commit with current attempt: %v", err)
	}
	log, _ := store.ActionLog(entry.ActionKey)
	if log.Status != domain.ActionStatusSuccess {
		t.Fatalf("expected action success, got %s", log.Status)
	}
}

func TestRefundCreateIsIdempotent(t *testing.T) {
	store := NewStore()
	seedOrder(store, 1)
	ctx := context.Background()
	refund := domain.RefundOrder{TenantID: "t1", OrderID: "o1", RefundID: "rf1", IdemKey: "refund:t1:s1:o1:r1", RefundAmount: 500, Status: domain.RefundStatusInit}

	first, created, err := store.Refunds().Create(ctx, refund)
	if err != nil || !created || first.Version != 1 {
		t.Fatalf("expected creation, got %+v %v %v", first, created, err)
	}
	refund.RefundID = "rf2"
	second, created, err := store.Refunds().Create(ctx, refund)
	if err != nil || created || second.RefundID != "rf1" {
		t.Fatalf("expected existing row, got %+v %v %v", second, created, err)
	}

	first.Status = domain.RefundStatusSuccess
	if _, err := store.Refunds().Update(ctx, first, 0); err == nil {
		t.Fatalf("expected conflict for stale refund version")
	}
	updated, err := store.Refunds().Update(ctx, first, 1)
	if err != nil || updated.Version != 2 {
		t.Fatalf("update: %+v %v", updated, err)
	}
	list, _ := store.Refunds().ListByOrder(ctx, "t1", "o1")
	if len(list) != 1 {
		t.Fatalf("expected one refund row, got %d", len(list))
	}
}

func TestRefundCreateReservesPaymentAmount(t *testing.T) {
	store := NewStore()
	order := seedOrder(store, 1)
	ctx := context.Background()

	const workers = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refund := domain.RefundOrder{
				TenantID:     "t1",
				OrderID:      "o1",
				RefundID:     "rf" + string(rune('a'+i)),
				IdemKey:      "refund:t1:s1:o1:" + string(rune('a'+i)),
				RefundAmount: 400,
				Status:       domain.RefundStatusInit,
			}
			_, created, err := store.Refunds().Create(ctx, refund)
			switch {
			case err == nil && created:
				accepted.Add(1)
			case !errors.Is(err, domain.ErrValidation):
				t.Errorf("worker %d: expected validation error, got %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if accepted.Load() != 2 {
		t.Fatalf("expected two 400 refunds to fit a 1000 payment, got %d", accepted.Load())
	}

	payment, _ := store.Payments().FindByOrder(ctx, "t1", "o1")
	if payment.RefundReserved != 800 {
		t.Fatalf("expected 800 reserved, got %d", payment.RefundReserved)
	}

	stale := payment
	stale.RefundReserved = 0
	next := order
	next.Status = domain.OrderStatusAccepted
	if _, err := store.Orders().Commit(ctx, repositories.OrderMutation{Order: next, ExpectedVersion: 1, Payment: &stale}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	payment, _ = store.Payments().FindByOrder(ctx, "t1", "o1")
	if payment.RefundReserved != 800 {
		t.Fatalf("order commit must keep the reservation, got %d", payment.RefundReserved)
	}

	list, _ := store.Refunds().ListByOrder(ctx, "t1", "o1")
	failed := list[0]
	failed.Status = domain.RefundStatusFailed
	if _, err := store.Refunds().Update(ctx, failed, failed.Version); err != nil {
		t.Fatalf("fail refund: %v", err)
	}
	payment, _ = store.Payments().FindByOrder(ctx, "t1", "o1")
	if payment.RefundReserved != 400 || payment.RemainingRefundable() != 600 {
		t.Fatalf("expected the failed refund to release its reservation, got %+v", payment)
	}
}

func TestOutboxPendingAndPublished(t *testing.T) {
	store := NewStore()
	order := seedOrder(store, 1)
	ctx := context.Background()
	events := []domain.OrderEvent{{ID: "e1", TenantID: "t1", OrderID: "o1"}, {ID: "e2", TenantID: "t1", OrderID: "o1"}}
	if _, err := store.Orders().Commit(ctx, repositories.OrderMutation{Order: order, ExpectedVersion: 1, Events: events}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	pending, _ := store.Outbox().ListPending(ctx, 1)
	if len(pending) != 1 || pending[0].ID != "e1" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if err := store.Outbox().MarkPublished(ctx, "e1", time.Now()); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, _ = store.Outbox().ListPending(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "e2" {
		t.Fatalf("unexpected pending after publish %+v", pending)
	}
	if err := store.Outbox().MarkPublished(ctx, "missing", time.Now()); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestCounterNext(t *testing.T) {
	counters := NewStore().Counters()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := counters.Next(ctx, "orderNo:t1:s1:20240101", 1)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if _, err := counters.Next(ctx, "", 1); !errors.Is(err, repositories.ErrCounterInvalidInput) {
		t.Fatalf("expected invalid input for blank id, got %v", err)
	}
	if _, err := counters.Next(ctx, "c", -1); !errors.Is(err, repositories.ErrCounterInvalidInput) {
		t.Fatalf("expected invalid input for negative step, got %v", err)
	}
}
