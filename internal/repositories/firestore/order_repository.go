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
	"github.com/maplecart/api/internal/platform/pagination"
	"github.com/maplecart/api/internal/repositories"
)

const (
	ordersCollection = "orders"

	// Firestore caps the number of values accepted by an "in" filter.
	maxOwnerInValues = 10
)

type orderItemDocument struct {
	ProductRef string  `firestore:"productRef"`
	Name       string  `firestore:"name"`
	UnitPrice  float64 `firestore:"unitPrice"`
	Quantity   int     `firestore:"quantity"`
}

type orderDocument struct {
	Number             string              `firestore:"number"`
	OwnerID            string              `firestore:"ownerId"`
	Status             string              `firestore:"status"`
	Items              []orderItemDocument `firestore:"items"`
	Subtotal           float64             `firestore:"subtotal"`
	Shipping           float64             `firestore:"shipping"`
	Total              float64             `firestore:"total"`
	PaymentIntentID    string              `firestore:"paymentIntentId,omitempty"`
	StatusChangeNote   string              `firestore:"statusChangeNote,omitempty"`
	CancellationReason string              `firestore:"cancellationReason,omitempty"`
	CancellationDate   *time.Time          `firestore:"cancellationDate,omitempty"`
	CreatedAt          time.Time           `firestore:"createdAt"`
	UpdatedAt          time.Time           `firestore:"updatedAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert stores a new order document, failing when the ID already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.docRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.docRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID fetches one order by its document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.docRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

// FindByPaymentIntentID locates the order correlated with a payment-processor charge.
func (r *OrderRepository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	trimmed := strings.TrimSpace(paymentIntentID)
	if trimmed == "" {
		return domain.Order{}, pfirestore.NotFoundError("orders.findByPaymentIntent", errors.New("payment intent id is required"))
	}

	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	iter := coll.Where("paymentIntentId", "==", trimmed).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.NotFoundError("orders.findByPaymentIntent", fmt.Errorf("no order for payment intent %s", trimmed))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentIntent", err)
	}
	return decodeOrder(snap)
}

// List returns a cursor page of orders matching the filter. Listings are
// ordered by creation time descending, except number-prefix searches which
// order by number so the range filter stays on the first sort field.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := coll.Query

	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		query = query.Where("ownerId", "==", owner)
	} else if len(filter.OwnerIDs) > 0 {
		owners := filter.OwnerIDs
		if len(owners) > maxOwnerInValues {
			owners = owners[:maxOwnerInValues]
		}
		query = query.Where("ownerId", "in", owners)
	}

	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status", "in", statuses)
	}

	prefix := strings.TrimSpace(filter.NumberPrefix)
	if prefix != "" {
		query = query.
			Where("number", ">=", prefix).
			Where("number", "<", prefix+"\uf8ff").
			OrderBy("number", firestore.Asc)
	} else {
		if filter.DateRange.From != nil {
			query = query.Where("createdAt", ">=", *filter.DateRange.From)
		}
		if filter.DateRange.To != nil {
			query = query.Where("createdAt", "<=", *filter.DateRange.To)
		}
		query = query.OrderBy("createdAt", firestore.Desc)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc)

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.ConflictError("orders.list", err)
		}
		if len(cursor.StartAfter) > 0 {
			query = query.StartAfter(cursor.StartAfter...)
		}
	}

	iter := query.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	var (
		orders   []domain.Order
		lastSnap *firestore.DocumentSnapshot
	)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		if len(orders) == pageSize {
			// One extra row only signals another page exists.
			break
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
		lastSnap = snap
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if lastSnap != nil && len(orders) == pageSize {
		var sortValue any
		if prefix != "" {
			sortValue = lastSnap.Data()["number"]
		} else {
			sortValue = lastSnap.Data()["createdAt"]
		}
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{sortValue, lastSnap.Ref.ID}})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection), nil
}

func (r *OrderRepository) docRef(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, pfirestore.NotFoundError("orders.doc", errors.New("order id is required"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(trimmed), nil
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}
	return orderDocument{
		Number:             order.Number,
		OwnerID:            order.OwnerID,
		Status:             string(order.Status),
		Items:              items,
		Subtotal:           order.Subtotal,
		Shipping:           order.Shipping,
		Total:              order.Total,
		PaymentIntentID:    order.PaymentIntentID,
		StatusChangeNote:   order.StatusChangeNote,
		CancellationReason: order.CancellationReason,
		CancellationDate:   order.CancellationDate,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("firestore orders decode %s: %w", snap.Ref.ID, err)
	}
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}
	return domain.Order{
		ID:                 snap.Ref.ID,
		Number:             doc.Number,
		OwnerID:            doc.OwnerID,
		Status:             domain.OrderStatus(doc.Status),
		Items:              items,
		Subtotal:           doc.Subtotal,
		Shipping:           doc.Shipping,
		Total:              doc.Total,
		PaymentIntentID:    doc.PaymentIntentID,
		StatusChangeNote:   doc.StatusChangeNote,
		CancellationReason: doc.CancellationReason,
		CancellationDate:   doc.CancellationDate,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}, nil
}
