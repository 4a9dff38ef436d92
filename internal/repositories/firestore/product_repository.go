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

	domain "github.com/maplecart/api/internal/domain"
	pfirestore "github.com/maplecart/api/internal/platform/firestore"
	"github.com/maplecart/api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name      string    `firestore:"name"`
	Stock     int       `firestore:"stock"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ProductRepository implements repositories.ProductRepository backed by Firestore.
// Stock adjustments run inside Firestore transactions so concurrent writers
// cannot lose updates.
type ProductRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{provider: provider, clock: time.Now}, nil
}

// FindByID fetches one product by its document ID.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	ref, err := r.docRef(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Product{}, pfirestore.WrapError("products.get", err)
	}
	return decodeProduct(snap)
}

// AdjustStock applies delta to the product's stock level inside a transaction,
// flooring the result at zero so stock never goes negative. The resulting
// level is returned.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	ref, err := r.docRef(ctx, productID)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC()
	var result int

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore products decode %s: %w", snap.Ref.ID, err)
		}

		next := doc.Stock + delta
		if next < 0 {
			next = 0
		}
		result = next

		return tx.Update(ref, []firestore.Update{
			{Path: "stock", Value: next},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return 0, pfirestore.WrapError("products.adjustStock", err)
	}
	return result, nil
}

// CheckAvailability reports every line item whose requested quantity exceeds
// available stock. Quantities are aggregated per product first so an order
// with two lines of the same product is checked against the combined demand.
// Products that no longer exist are skipped.
func (r *ProductRepository) CheckAvailability(ctx context.Context, items []domain.OrderItem) ([]repositories.StockShortage, error) {
	requested := aggregateQuantities(items)
	if len(requested) == 0 {
		return nil, nil
	}

	var shortages []repositories.StockShortage
	for _, req := range requested {
		ref, err := r.docRef(ctx, req.productRef)
		if err != nil {
			return nil, err
		}
		snap, err := ref.Get(ctx)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return nil, pfirestore.WrapError("products.checkAvailability", err)
		}
		product, err := decodeProduct(snap)
		if err != nil {
			return nil, err
		}
		if req.quantity > product.Stock {
			shortages = append(shortages, repositories.StockShortage{
				ProductRef: req.productRef,
				Name:       product.Name,
				Requested:  req.quantity,
				Available:  product.Stock,
			})
		}
	}
	return shortages, nil
}

type productDemand struct {
	productRef string
	quantity   int
}

// aggregateQuantities folds duplicate product references preserving first-seen order.
func aggregateQuantities(items []domain.OrderItem) []productDemand {
	index := make(map[string]int)
	var demands []productDemand
	for _, item := range items {
		ref := strings.TrimSpace(item.ProductRef)
		if ref == "" || item.Quantity <= 0 {
			continue
		}
		if at, ok := index[ref]; ok {
			demands[at].quantity += item.Quantity
			continue
		}
		index[ref] = len(demands)
		demands = append(demands, productDemand{productRef: ref, quantity: item.Quantity})
	}
	return demands
}

func (r *ProductRepository) docRef(ctx context.Context, productID string) (*firestore.DocumentRef, error) {
	trimmed := strings.TrimSpace(productID)
	if trimmed == "" {
		return nil, pfirestore.NotFoundError("products.doc", errors.New("product id is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(productsCollection).Doc(trimmed), nil
}

func decodeProduct(snap *firestore.DocumentSnapshot) (domain.Product, error) {
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("firestore products decode %s: %w", snap.Ref.ID, err)
	}
	return domain.Product{
		ID:        snap.Ref.ID,
		Name:      doc.Name,
		Stock:     doc.Stock,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}
