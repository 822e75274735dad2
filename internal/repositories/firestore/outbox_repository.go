package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"finitefield.org/order-engine/internal/domain"
	pfirestore "finitefield.org/order-engine/internal/platform/firestore"
	"finitefield.org/order-engine/internal/repositories"
)

const defaultOutboxBatch = 100

// OutboxRepository exposes undelivered events to the relay.
type OutboxRepository struct {
	outbox *pfirestore.Collection[outboxDocument]
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository constructs a Firestore-backed outbox reader.
func NewOutboxRepository(provider *pfirestore.Provider) (*OutboxRepository, error) {
	if provider == nil {
		return nil, errors.New("outbox repository requires firestore provider")
	}
	return &OutboxRepository{outbox: pfirestore.NewCollection[outboxDocument](provider, outboxCollection)}, nil
}

// ListPending returns unpublished events, oldest first.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	docs, err := r.outbox.List(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("publishedAt", "==", nil).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.OutboxEvent, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeOutbox(doc.Data))
	}
	return out, nil
}

// MarkPublished stamps the event as delivered.
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID string, publishedAt time.Time) error {
	return r.outbox.Patch(ctx, eventID, firestore.Update{Path: "publishedAt", Value: publishedAt.UTC()})
}

// MarkFailed records a failed delivery attempt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID string) error {
	return r.outbox.Patch(ctx, eventID, firestore.Update{Path: "attempts", Value: firestore.Increment(1)})
}
