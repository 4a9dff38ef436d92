package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/maplecart/api/internal/platform/firestore"
	"github.com/maplecart/api/internal/repositories"
)

// Registry wires all Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders        *OrderRepository
	products      *ProductRepository
	statusHistory *StatusHistoryRepository
	users         *UserRepository
	counters      *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the repository registry on top of a shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	statusHistory, err := NewStatusHistoryRepository(provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		orders:        orders,
		products:      products,
		statusHistory: statusHistory,
		users:         users,
		counters:      counters,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) StatusHistory() repositories.StatusHistoryRepository { return r.statusHistory }

func (r *Registry) Users() repositories.UserRepository { return r.users }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// RunInTx executes fn without an outer transaction. Stock adjustments and
// counter allocations already run their own Firestore transactions, and
// Firestore transactions do not nest.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
