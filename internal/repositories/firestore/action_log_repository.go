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

// ActionLogRepository stores action log rows keyed by the SHA-256 of their action key.
type ActionLogRepository struct {
	provider *pfirestore.Provider
	actions  *pfirestore.Collection[actionLogDocument]
}

var _ repositories.ActionLogRepository = (*ActionLogRepository)(nil)

// NewActionLogRepository constructs a Firestore-backed action log.
func NewActionLogRepository(provider *pfirestore.Provider) (*ActionLogRepository, error) {
	if provider == nil {
		return nil, errors.New("action log repository requires firestore provider")
	}
	return &ActionLogRepository{
		provider: provider,
		actions:  pfirestore.NewCollection[actionLogDocument](provider, actionLogsCollection),
	}, nil
}

// Reserve inserts a PROCESSING row with Create, or reports the state of the existing row.
// Expired leases are reclaimed by bumping the attempt counter.
func (r *ActionLogRepository) Reserve(ctx context.Context, entry domain.ActionLog, now time.Time, lease time.Duration) (repositories.ActionReservation, error) {
	now = now.UTC()
	id := repositories.DocumentKey(entry.ActionKey)
	var result repositories.ActionReservation

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.actions.Load(ctx, tx, id)
		if err != nil {
			return err
		}
		var existing *domain.ActionLog
		if doc.Exists {
			stored := decodeActionLog(doc.Data)
			existing = &stored
		}

		res, write := repositories.ResolveReservation(existing, entry, now, lease)
		result = res
		if write == nil {
			return nil
		}
		if existing == nil {
			return tx.Create(doc.Ref, encodeActionLog(*write))
		}
		return tx.Set(doc.Ref, encodeActionLog(*write))
	}, pfirestore.WithTxOp("actions.reserve"))
	if err != nil {
		return repositories.ActionReservation{}, pfirestore.WrapError("actions.reserve", err)
	}
	return result, nil
}

// Complete moves an owned PROCESSING row to SUCCESS.
func (r *ActionLogRepository) Complete(ctx context.Context, key string, attempt int, result []byte, now time.Time) error {
	return r.finish(ctx, "actions.complete", key, attempt, func(entry domain.ActionLog) domain.ActionLog {
		return repositories.CompleteAction(entry, result, now.UTC())
	})
}

// Fail moves an owned PROCESSING row to FAILED.
func (r *ActionLogRepository) Fail(ctx context.Context, key string, attempt int, code, message string, now time.Time) error {
	return r.finish(ctx, "actions.fail", key, attempt, func(entry domain.ActionLog) domain.ActionLog {
		return repositories.FailAction(entry, code, message, now.UTC())
	})
}

func (r *ActionLogRepository) finish(ctx context.Context, op, key string, attempt int, fn func(domain.ActionLog) domain.ActionLog) error {
	id := repositories.DocumentKey(key)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.actions.Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !doc.Exists {
			return domain.Errorf(domain.CodeNotFound, "action %s not found", key)
		}
		entry := decodeActionLog(doc.Data)
		if err := repositories.CheckActionOwnership(entry, repositories.ActionCommit{Key: key, Attempt: attempt}); err != nil {
			return err
		}
		return tx.Set(doc.Ref, encodeActionLog(fn(entry)))
	}, pfirestore.WithTxOp(op))
	return pfirestore.WrapError(op, err)
}

// Find loads the action log row for key.
func (r *ActionLogRepository) Find(ctx context.Context, key string) (domain.ActionLog, error) {
	doc, err := r.actions.Get(ctx, repositories.DocumentKey(key))
	if err != nil {
		return domain.ActionLog{}, err
	}
	return decodeActionLog(doc.Data), nil
}
