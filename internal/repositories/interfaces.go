package repositories

import (
	"context"
	"time"

	domain "github.com/maplecart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	StatusHistory() StatusHistoryRepository
	Users() UserRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ProductRepository reads catalog stock and applies atomic stock adjustments.
// Stock mutations run inside a storage transaction so concurrent writers never
// lose updates.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// AdjustStock applies delta to the product's stock in one transactional
	// update, flooring the result at zero. It returns the resulting level.
	AdjustStock(ctx context.Context, productID string, delta int) (int, error)
	// CheckAvailability reports every line item whose requested quantity
	// exceeds the available stock. Unknown products are skipped.
	CheckAvailability(ctx context.Context, items []domain.OrderItem) ([]StockShortage, error)
}

// StockShortage itemizes one line whose requested quantity exceeds stock.
type StockShortage struct {
	ProductRef string
	Name       string
	Requested  int
	Available  int
}

// StatusHistoryRepository appends and lists immutable order audit entries.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.StatusHistoryEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// UserRepository stores account profiles used for ownership checks and
// notification addressing.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	// SearchByEmailPrefix matches the case-folded email prefix, used by the
	// admin order search.
	SearchByEmailPrefix(ctx context.Context, emailPrefix string, limit int) ([]domain.UserProfile, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// OrderListFilter narrows order listings. OwnerIDs with multiple entries are
// used by the admin email search; NumberPrefix matches the public order number.
type OrderListFilter struct {
	OwnerID      string
	OwnerIDs     []string
	Status       []domain.OrderStatus
	NumberPrefix string
	DateRange    domain.RangeQuery[time.Time]
	Pagination   domain.Pagination
}
