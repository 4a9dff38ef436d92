package services

import (
	"context"
	"time"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/repositories"
)

// Actor identifies the principal performing an operation. System actors
// represent trusted automation such as payment-processor webhooks.
type Actor struct {
	UserID      string
	Email       string
	DisplayName string
	Admin       bool
	System      bool
}

// SystemActor returns the actor attributed to automated status changes.
func SystemActor() Actor {
	return Actor{Email: systemActorEmail, System: true}
}

// CreateOrderCommand carries the inputs required to place a new order.
// InitialStatus defaults to pending; orders created directly as cancelled
// never reserve stock.
type CreateOrderCommand struct {
	Actor           Actor
	Items           []domain.OrderItem
	Subtotal        float64
	Shipping        float64
	Total           float64
	PaymentIntentID string
	InitialStatus   domain.OrderStatus
}

// UpdateOrderStatusCommand requests a transition of an existing order.
// Authoritative marks trusted system writes, which tolerate transitions the
// state machine would otherwise reject when the target settles a refund.
type UpdateOrderStatusCommand struct {
	Actor              Actor
	OrderID            string
	TargetStatus       domain.OrderStatus
	Note               string
	CancellationReason string
	Authoritative      bool
}

// RequestCancellationCommand captures a customer's cancellation request.
type RequestCancellationCommand struct {
	Actor   Actor
	OrderID string
	Reason  string
}

// ChargeRefundedCommand is derived from a payment-processor refund event.
type ChargeRefundedCommand struct {
	PaymentIntentID string
	Amount          float64
	ReceivedAt      time.Time
}

// OrderListQuery narrows order listings for the caller.
type OrderListQuery struct {
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderSearchQuery drives the admin search across customer email and order number.
type OrderSearchQuery struct {
	EmailQuery  string
	NumberQuery string
	Status      []domain.OrderStatus
	Pagination  domain.Pagination
}

// OrderService exposes the order lifecycle operations.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, actor Actor, query OrderListQuery) (domain.CursorPage[domain.Order], error)
	SearchOrders(ctx context.Context, actor Actor, query OrderSearchQuery) (domain.CursorPage[domain.Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
	RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error)
	HandleChargeRefunded(ctx context.Context, cmd ChargeRefundedCommand) error
	ListStatusHistory(ctx context.Context, actor Actor, orderID string) ([]domain.StatusHistoryEntry, error)
	AvailableTransitions(ctx context.Context, actor Actor, orderID string) ([]domain.OrderStatus, error)
}

// StatusHistoryRecord captures one audit entry to persist.
type StatusHistoryRecord struct {
	OrderID        string
	FromStatus     *domain.OrderStatus
	ToStatus       domain.OrderStatus
	ChangedByEmail string
	Note           string
	OccurredAt     time.Time
}

// StatusHistoryService writes and reads the append-only order audit trail.
type StatusHistoryService interface {
	// Record persists an audit entry. Failures are logged, never returned, so
	// the primary mutation flow is not interrupted.
	Record(ctx context.Context, record StatusHistoryRecord)
	List(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// OrderEmailNotification describes the customer-facing email webhook payload.
type OrderEmailNotification struct {
	OrderID          string
	CustomerEmail    string
	CustomerName     string
	OrderStatus      domain.OrderStatus
	StatusChangeNote string
	Items            []domain.OrderItem
	Subtotal         float64
	Shipping         float64
	Total            float64
	CreatedAt        time.Time
}

// RefundRequest describes the refund webhook payload sent to the storefront.
type RefundRequest struct {
	PaymentIntentID string
	Amount          float64
	OrderID         string
}

// NotificationDispatcher delivers outbound webhooks. Implementations are
// fire-and-forget: delivery failures are logged and never surfaced to callers.
type NotificationDispatcher interface {
	DispatchOrderEmail(ctx context.Context, notification OrderEmailNotification)
	DispatchRefund(ctx context.Context, request RefundRequest)
}

// OrderEventMessage is the payload published to the order events topic.
type OrderEventMessage struct {
	EventID     string    `json:"eventId"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	FromStatus  string    `json:"fromStatus,omitempty"`
	ToStatus    string    `json:"toStatus"`
	OwnerID     string    `json:"ownerId"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// InsufficientStockError reports every line item that exceeds available stock.
type InsufficientStockError struct {
	Shortages []repositories.StockShortage
}

func (e *InsufficientStockError) Error() string {
	return insufficientStockMessage(e.Shortages)
}
