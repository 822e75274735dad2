package repositories

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"finitefield.org/order-engine/internal/domain"
)

// DocumentKey hashes an idempotency key into a fixed-length identifier usable as a document ID.
func DocumentKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// ReleasesRefundReservation reports whether writing next over stored gives back the amount
// the refund reserved on its payment.
func ReleasesRefundReservation(stored, next domain.RefundOrder) bool {
	return stored.Status == domain.RefundStatusInit && next.Status == domain.RefundStatusFailed
}

// CheckVersion enforces the conditional-write precondition.
func CheckVersion(orderID string, stored, expected int64) error {
	if stored != expected {
		return domain.NewError(domain.CodeVersionConflict, "",
			fmt.Errorf("order %s: expected version %d, found %d", orderID, expected, stored))
	}
	return nil
}

// CheckActionOwnership verifies that the caller still owns the PROCESSING action row.
func CheckActionOwnership(entry domain.ActionLog, commit ActionCommit) error {
	if entry.Status != domain.ActionStatusProcessing || entry.Attempt != commit.Attempt {
		return domain.NewError(domain.CodeIdempotencyConflict, "",
			fmt.Errorf("action %s is %s at attempt %d, caller holds attempt %d", entry.ActionKey, entry.Status, entry.Attempt, commit.Attempt))
	}
	return nil
}

// CompleteAction returns entry moved to SUCCESS with result.
func CompleteAction(entry domain.ActionLog, result []byte, now time.Time) domain.ActionLog {
	entry.Status = domain.ActionStatusSuccess
	entry.ResultJSON = append([]byte(nil), result...)
	entry.ErrorCode = ""
	entry.ErrorMsg = ""
	entry.UpdatedAt = now
	return entry
}

// FailAction returns entry moved to FAILED with the supplied error details.
func FailAction(entry domain.ActionLog, code, message string, now time.Time) domain.ActionLog {
	entry.Status = domain.ActionStatusFailed
	entry.ErrorCode = code
	entry.ErrorMsg = message
	entry.UpdatedAt = now
	return entry
}

// ResolveReservation decides the outcome of reserving entry given the stored row, if any.
// When the returned write is non-nil the caller must persist it in the same transaction.
func ResolveReservation(existing *domain.ActionLog, entry domain.ActionLog, now time.Time, lease time.Duration) (ActionReservation, *domain.ActionLog) {
	if existing == nil {
		fresh := entry
		fresh.Status = domain.ActionStatusProcessing
		fresh.Attempt = 1
		fresh.LeaseExpiresAt = now.Add(lease)
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		return ActionReservation{State: ReservationNew, Entry: fresh}, &fresh
	}

	switch existing.Status {
	case domain.ActionStatusSuccess:
		return ActionReservation{State: ReservationCompleted, Entry: *existing}, nil
	case domain.ActionStatusFailed:
		return ActionReservation{State: ReservationFailed, Entry: *existing}, nil
	}

	if now.Before(existing.LeaseExpiresAt) {
		return ActionReservation{State: ReservationInFlight, Entry: *existing}, nil
	}

	// the previous worker lost its lease; bumping the attempt fences off its late writes
	reclaimed := *existing
	reclaimed.Attempt++
	reclaimed.LeaseExpiresAt = now.Add(lease)
	reclaimed.UpdatedAt = now
	return ActionReservation{State: ReservationReclaimed, Entry: reclaimed}, &reclaimed
}

// NewOutboxEvent serialises evt into its durable outbox row.
func NewOutboxEvent(evt domain.OrderEvent) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(eventPayloadFrom(evt))
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("outbox: encode event %s: %w", evt.ID, err)
	}
	return domain.OutboxEvent{
		ID:        evt.ID,
		TenantID:  evt.TenantID,
		StoreID:   evt.StoreID,
		OrderID:   evt.OrderID,
		Type:      evt.Type,
		Payload:   payload,
		CreatedAt: evt.OccurredAt,
	}, nil
}

type eventPayload struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	TenantID       string         `json:"tenantId"`
	StoreID        string         `json:"storeId"`
	OrderID        string         `json:"orderId"`
	OrderNo        string         `json:"orderNo,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	Version        int64          `json:"version"`
	ActorID        string         `json:"actorId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func eventPayloadFrom(evt domain.OrderEvent) eventPayload {
	return eventPayload{
		ID:             evt.ID,
		Type:           evt.Type,
		TenantID:       evt.TenantID,
		StoreID:        evt.StoreID,
		OrderID:        evt.OrderID,
		OrderNo:        evt.OrderNo,
		PreviousStatus: string(evt.PreviousStatus),
		CurrentStatus:  string(evt.CurrentStatus),
		Version:        evt.Version,
		ActorID:        evt.ActorID,
		RequestID:      evt.RequestID,
		OccurredAt:     evt.OccurredAt.UTC(),
		Metadata:       evt.Metadata,
	}
}
