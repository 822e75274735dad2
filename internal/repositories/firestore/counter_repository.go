package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "finitefield.org/order-engine/internal/platform/firestore"
	"finitefield.org/order-engine/internal/repositories"
)

// counterRetention is how long a sequence document outlives its last increment. Order number
// counters are scoped to a business day, so a Firestore TTL policy on expireAt reclaims them.
const counterRetention = 72 * time.Hour

type counterDocument struct {
	Key       string     `firestore:"key"`
	Value     int64      `firestore:"value"`
	Ceiling   *int64     `firestore:"ceiling,omitempty"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
	ExpireAt  *time.Time `firestore:"expireAt,omitempty"`
}

// CounterRepository hands out gap-free sequence values using one document per counter.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		now:      time.Now,
	}, nil
}

// Next adds step to the counter and returns the new value. Zero is treated as one. A counter
// with a ceiling refuses to pass it and returns repositories.ErrCounterExhausted.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	key := strings.TrimSpace(counterID)
	if key == "" {
		return 0, repositories.InvalidCounterInput("", "counter id is required")
	}
	if step < 0 {
		return 0, repositories.InvalidCounterInput(key, fmt.Sprintf("step must not be negative, got %d", step))
	}
	if step == 0 {
		step = 1
	}

	var value int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.counters.Load(ctx, tx, repositories.DocumentKey(key))
		if err != nil {
			return err
		}
		next := doc.Data
		next.Key = key
		next.Value += step
		if next.Ceiling != nil && next.Value > *next.Ceiling {
			return repositories.CounterExhausted(key, *next.Ceiling)
		}
		now := r.now().UTC()
		expire := now.Add(counterRetention)
		next.UpdatedAt = now
		next.ExpireAt = &expire
		value = next.Value
		if !doc.Exists {
			return tx.Create(doc.Ref, next)
		}
		return tx.Set(doc.Ref, next)
	}, pfirestore.WithTxOp("counters.next"))
	if errors.Is(err, repositories.ErrCounterExhausted) {
		return 0, err
	}
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return value, nil
}
