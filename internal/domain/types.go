package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderItem is the denormalized snapshot of one purchased line at order time.
// Quantities and prices do not follow later product changes.
type OrderItem struct {
	ProductRef string
	Name       string
	UnitPrice  float64
	Quantity   int
}

// Order models one purchase transaction. The document ID is internal; Number is
// the public-facing reference handed to customers and payment collaborators.
type Order struct {
	ID     string
	Number string

	OwnerID string
	Status  OrderStatus

	Items    []OrderItem
	Subtotal float64
	Shipping float64
	Total    float64

	PaymentIntentID string

	// StatusChangeNote mirrors the latest history note for at-a-glance
	// visibility; it is not itself versioned.
	StatusChangeNote string

	CancellationReason string
	CancellationDate   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusHistoryEntry is one immutable audit record per accepted status change.
// FromStatus is nil on the entry written at order creation.
type StatusHistoryEntry struct {
	ID             string
	OrderID        string
	FromStatus     *OrderStatus
	ToStatus       OrderStatus
	ChangedAt      time.Time
	ChangedByEmail string
	Note           string
}

// Product exposes the slice of the catalog the order flow depends on. Stock is
// never negative.
type Product struct {
	ID        string
	Name      string
	Stock     int
	UpdatedAt time.Time
}

// UserProfile carries the account fields needed for ownership checks and
// notification payloads.
type UserProfile struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}
