package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/maplecart/api/internal/platform/firestore"
)

const countersCollection = "counters"

type counterDocument struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository implements repositories.CounterRepository with Firestore
// transactions so allocated sequence values are never reused.
type CounterRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{provider: provider, clock: time.Now}, nil
}

// Next advances the counter by step and returns the resulting value. Missing
// counters start at zero, so the first allocation returns step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	trimmed := strings.TrimSpace(counterID)
	if trimmed == "" {
		return 0, fmt.Errorf("counter id is required")
	}
	if step <= 0 {
		return 0, fmt.Errorf("counter step must be positive, got %d", step)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	ref := client.Collection(countersCollection).Doc(trimmed)
	now := r.clock().UTC()

	var next int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			next = step
			return tx.Create(ref, counterDocument{Value: next, UpdatedAt: now})
		}
		if err != nil {
			return err
		}

		var doc counterDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore counters decode %s: %w", snap.Ref.ID, err)
		}
		next = doc.Value + step
		return tx.Set(ref, counterDocument{Value: next, UpdatedAt: now})
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}
