package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/maplecart/api/internal/domain"
	pfirestore "github.com/maplecart/api/internal/platform/firestore"
)

const statusHistoryCollection = "orderStatusHistory"

type statusHistoryDocument struct {
	OrderID        string    `firestore:"orderId"`
	FromStatus     string    `firestore:"fromStatus,omitempty"`
	ToStatus       string    `firestore:"toStatus"`
	ChangedAt      time.Time `firestore:"changedAt"`
	ChangedByEmail string    `firestore:"changedByEmail"`
	Note           string    `firestore:"note,omitempty"`
}

// StatusHistoryRepository implements repositories.StatusHistoryRepository backed
// by Firestore. Entries are append-only; there is no update or delete path.
type StatusHistoryRepository struct {
	provider *pfirestore.Provider
}

// NewStatusHistoryRepository constructs a Firestore-backed history repository.
func NewStatusHistoryRepository(provider *pfirestore.Provider) (*StatusHistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("status history repository requires firestore provider")
	}
	return &StatusHistoryRepository{provider: provider}, nil
}

// Append stores one immutable history entry, failing when the ID already exists.
func (r *StatusHistoryRepository) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return pfirestore.ConflictError("statusHistory.append", errors.New("history entry id is required"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}

	doc := statusHistoryDocument{
		OrderID:        entry.OrderID,
		ToStatus:       string(entry.ToStatus),
		ChangedAt:      entry.ChangedAt,
		ChangedByEmail: entry.ChangedByEmail,
		Note:           entry.Note,
	}
	if entry.FromStatus != nil {
		doc.FromStatus = string(*entry.FromStatus)
	}

	if _, err := coll.Doc(id).Create(ctx, doc); err != nil {
		return pfirestore.WrapError("statusHistory.append", err)
	}
	return nil
}

// ListByOrder returns all entries for the order, newest first.
func (r *StatusHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, pfirestore.NotFoundError("statusHistory.list", errors.New("order id is required"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where("orderId", "==", trimmed).
		OrderBy("changedAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []domain.StatusHistoryEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("statusHistory.list", err)
		}
		entry, err := decodeStatusHistory(snap)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *StatusHistoryRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(statusHistoryCollection), nil
}

func decodeStatusHistory(snap *firestore.DocumentSnapshot) (domain.StatusHistoryEntry, error) {
	var doc statusHistoryDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.StatusHistoryEntry{}, fmt.Errorf("firestore status history decode %s: %w", snap.Ref.ID, err)
	}
	entry := domain.StatusHistoryEntry{
		ID:             snap.Ref.ID,
		OrderID:        doc.OrderID,
		ToStatus:       domain.OrderStatus(doc.ToStatus),
		ChangedAt:      doc.ChangedAt,
		ChangedByEmail: doc.ChangedByEmail,
		Note:           doc.Note,
	}
	if doc.FromStatus != "" {
		from := domain.OrderStatus(doc.FromStatus)
		entry.FromStatus = &from
	}
	return entry, nil
}
