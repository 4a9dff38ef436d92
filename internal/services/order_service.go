package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/repositories"
)

const (
	orderIDPrefix      = "ord_"
	orderEventIDPrefix = "evt_"

	orderNumberCounter = "orders"
	orderNumberFormat  = "MC-%04d-%06d"

	systemActorEmail = "system@example.com"

	maxStatusNoteLength         = 5000
	maxCancellationReasonLength = 1000

	// Firestore caps "in" filters, which bounds how many matched owners an
	// email search can fan out to.
	maxEmailSearchOwners = 10
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or the caller may not see it.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates duplicates or concurrent modification.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the caller lacks the role for the operation.
	ErrOrderForbidden = errors.New("order: forbidden")
)

// Unwrap lets callers match insufficient stock against ErrOrderInvalidInput.
func (e *InsufficientStockError) Unwrap() error {
	return ErrOrderInvalidInput
}

func insufficientStockMessage(shortages []repositories.StockShortage) string {
	if len(shortages) == 0 {
		return "order: insufficient stock"
	}
	parts := make([]string, 0, len(shortages))
	for _, s := range shortages {
		name := s.Name
		if name == "" {
			name = s.ProductRef
		}
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", name, s.Requested, s.Available))
	}
	return "order: insufficient stock for " + strings.Join(parts, ", ")
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Products      repositories.ProductRepository
	Users         repositories.UserRepository
	Counters      repositories.CounterRepository
	History       StatusHistoryService
	Notifications NotificationDispatcher
	Events        OrderEventPublisher
	UnitOfWork    repositories.UnitOfWork
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)

	DisableEmailNotifications bool
}

type orderService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	users         repositories.UserRepository
	counters      repositories.CounterRepository
	history       StatusHistoryService
	notifications NotificationDispatcher
	events        OrderEventPublisher
	unitOfWork    repositories.UnitOfWork
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	sanitizer     *bluemonday.Policy
	emailDisabled bool
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		products:      deps.Products,
		users:         deps.Users,
		counters:      deps.Counters,
		history:       deps.History,
		notifications: deps.Notifications,
		events:        deps.Events,
		unitOfWork:    unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:         idGen,
		logger:        logger,
		sanitizer:     bluemonday.StrictPolicy(),
		emailDisabled: deps.DisableEmailNotifications,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	owner := strings.TrimSpace(cmd.Actor.UserID)
	if owner == "" {
		return domain.Order{}, fmt.Errorf("%w: owner is required", ErrOrderInvalidInput)
	}
	items, err := normalizeItems(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}
	if cmd.Subtotal < 0 || cmd.Shipping < 0 || cmd.Total < 0 {
		return domain.Order{}, fmt.Errorf("%w: amounts must not be negative", ErrOrderInvalidInput)
	}

	initial := cmd.InitialStatus
	if initial == "" {
		initial = domain.OrderStatusPending
	}
	if !initial.Known() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, initial)
	}

	shortages, err := s.products.CheckAvailability(ctx, items)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if len(shortages) > 0 {
		return domain.Order{}, &InsufficientStockError{Shortages: shortages}
	}

	now := s.now()
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		Number:          number,
		OwnerID:         owner,
		Status:          initial,
		Items:           items,
		Subtotal:        cmd.Subtotal,
		Shipping:        cmd.Shipping,
		Total:           cmd.Total,
		PaymentIntentID: strings.TrimSpace(cmd.PaymentIntentID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.recordHistory(ctx, StatusHistoryRecord{
		OrderID:        order.ID,
		FromStatus:     nil,
		ToStatus:       order.Status,
		ChangedByEmail: s.actorEmail(cmd.Actor),
		OccurredAt:     now,
	})
	// An order created directly as cancelled was never going to ship, so
	// there is nothing to reserve.
	if order.Status != domain.OrderStatusCancelled {
		s.adjustStockForItems(ctx, order, -1)
	}
	s.publishEvent(ctx, order, "", now)

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !canReadOrder(actor, order) {
		// Masked as not-found so callers cannot probe other users' orders.
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Actor, query OrderListQuery) (domain.CursorPage[domain.Order], error) {
	filter := repositories.OrderListFilter{
		Status:     query.Status,
		DateRange:  query.DateRange,
		Pagination: query.Pagination,
	}
	if !actor.Admin && !actor.System {
		owner := strings.TrimSpace(actor.UserID)
		if owner == "" {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: owner is required", ErrOrderInvalidInput)
		}
		filter.OwnerID = owner
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) SearchOrders(ctx context.Context, actor Actor, query OrderSearchQuery) (domain.CursorPage[domain.Order], error) {
	if !actor.Admin {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: search requires administrator role", ErrOrderForbidden)
	}

	emailQuery := strings.TrimSpace(query.EmailQuery)
	numberQuery := strings.TrimSpace(query.NumberQuery)
	if emailQuery == "" && numberQuery == "" {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: email or order number query is required", ErrOrderInvalidInput)
	}

	filter := repositories.OrderListFilter{
		Status:       query.Status,
		NumberPrefix: numberQuery,
		Pagination:   query.Pagination,
	}

	if emailQuery != "" {
		if s.users == nil {
			return domain.CursorPage[domain.Order]{}, errors.New("order service: user repository not configured")
		}
		profiles, err := s.users.SearchByEmailPrefix(ctx, emailQuery, maxEmailSearchOwners)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
		}
		if len(profiles) == 0 {
			return domain.CursorPage[domain.Order]{}, nil
		}
		owners := make([]string, 0, len(profiles))
		for _, profile := range profiles {
			owners = append(owners, profile.ID)
		}
		filter.OwnerIDs = owners
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	if !cmd.Actor.Admin && !cmd.Actor.System {
		return domain.Order{}, fmt.Errorf("%w: status updates require administrator role", ErrOrderForbidden)
	}
	target := cmd.TargetStatus
	if !target.Known() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, target)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	prev := order.Status
	if prev == target {
		// Same-status writes are idempotent no-ops: no history entry, no
		// stock movement, no notifications.
		return order, nil
	}

	if err := domain.ValidateTransition(prev, target); err != nil {
		if cmd.Authoritative && target.RefundClass() {
			s.logger(ctx, "order.status.transition.overridden", map[string]any{
				"order": order.ID,
				"from":  string(prev),
				"to":    string(target),
			})
		} else {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}
	}

	now := s.now()
	note := s.sanitizeText(cmd.Note, maxStatusNoteLength)

	order.Status = target
	order.StatusChangeNote = note
	if reason := s.sanitizeText(cmd.CancellationReason, maxCancellationReasonLength); reason != "" {
		order.CancellationReason = reason
	}
	if target == domain.OrderStatusCancelled && order.CancellationDate == nil {
		order.CancellationDate = &now
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.recordHistory(ctx, StatusHistoryRecord{
		OrderID:        order.ID,
		FromStatus:     &prev,
		ToStatus:       target,
		ChangedByEmail: s.actorEmail(cmd.Actor),
		Note:           note,
		OccurredAt:     now,
	})

	if target.RefundClass() && !prev.RefundClass() {
		s.adjustStockForItems(ctx, order, 1)
	}

	s.notifyOrderEmail(ctx, order, note)

	// A refund request is only dispatched for operator-initiated refunds; an
	// authoritative write means the payment provider already settled it.
	if target == domain.OrderStatusRefunded && !cmd.Authoritative {
		switch {
		case order.PaymentIntentID == "":
			s.logger(ctx, "order.refund.dispatch.skipped", map[string]any{
				"order":  order.ID,
				"reason": "missing payment intent",
			})
		case order.Total <= 0:
			s.logger(ctx, "order.refund.dispatch.skipped", map[string]any{
				"order":  order.ID,
				"reason": "missing total",
			})
		default:
			s.dispatchRefund(ctx, order)
		}
	}

	s.publishEvent(ctx, order, string(prev), now)

	return order, nil
}

func (s *orderService) RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error) {
	reason := s.sanitizeText(cmd.Reason, maxCancellationReasonLength)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: cancellation reason is required", ErrOrderInvalidInput)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !canReadOrder(cmd.Actor, order) {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, cmd.OrderID)
	}

	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusProcessing:
	default:
		return domain.Order{}, fmt.Errorf("%w: cancellation cannot be requested for status %q", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	prev := order.Status
	note := truncateRunes("Cancellation requested: "+reason, maxStatusNoteLength)

	order.Status = domain.OrderStatusCancellationRequested
	order.StatusChangeNote = note
	order.CancellationReason = reason
	order.CancellationDate = &now
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.recordHistory(ctx, StatusHistoryRecord{
		OrderID:        order.ID,
		FromStatus:     &prev,
		ToStatus:       order.Status,
		ChangedByEmail: s.actorEmail(cmd.Actor),
		Note:           note,
		OccurredAt:     now,
	})
	s.notifyOrderEmail(ctx, order, note)
	s.publishEvent(ctx, order, string(prev), now)

	return order, nil
}

func (s *orderService) HandleChargeRefunded(ctx context.Context, cmd ChargeRefundedCommand) error {
	paymentIntentID := strings.TrimSpace(cmd.PaymentIntentID)
	if paymentIntentID == "" {
		return fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderNotFound) {
			s.logger(ctx, "order.refund.unmatched", map[string]any{
				"paymentIntent": paymentIntentID,
			})
			return nil
		}
		return mapped
	}

	if order.Status == domain.OrderStatusRefunded {
		s.logger(ctx, "order.refund.duplicate", map[string]any{
			"order":         order.ID,
			"paymentIntent": paymentIntentID,
		})
		return nil
	}

	receivedAt := cmd.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	s.logger(ctx, "order.refund.received", map[string]any{
		"order":         order.ID,
		"paymentIntent": paymentIntentID,
		"amount":        cmd.Amount,
		"receivedAt":    receivedAt.UTC().Format(time.RFC3339),
	})

	note := "Refund processed by payment provider"
	if cmd.Amount > 0 {
		note = fmt.Sprintf("Refund of %.2f processed by payment provider", cmd.Amount)
	}

	_, err = s.UpdateStatus(ctx, UpdateOrderStatusCommand{
		Actor:         SystemActor(),
		OrderID:       order.ID,
		TargetStatus:  domain.OrderStatusRefunded,
		Note:          note,
		Authoritative: true,
	})
	return err
}

func (s *orderService) ListStatusHistory(ctx context.Context, actor Actor, orderID string) ([]domain.StatusHistoryEntry, error) {
	if s.history == nil {
		return nil, errors.New("order service: status history service not configured")
	}
	order, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return s.history.List(ctx, order.ID)
}

func (s *orderService) AvailableTransitions(ctx context.Context, actor Actor, orderID string) ([]domain.OrderStatus, error) {
	order, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return domain.NextStatuses(order.Status), nil
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func canReadOrder(actor Actor, order domain.Order) bool {
	if actor.Admin || actor.System {
		return true
	}
	owner := strings.TrimSpace(actor.UserID)
	return owner != "" && owner == order.OwnerID
}

func normalizeItems(items []domain.OrderItem) ([]domain.OrderItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	normalized := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		ref := strings.TrimSpace(item.ProductRef)
		if ref == "" {
			return nil, fmt.Errorf("%w: item product reference is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item quantity must be positive", ErrOrderInvalidInput)
		}
		if item.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: item unit price must not be negative", ErrOrderInvalidInput)
		}
		normalized = append(normalized, domain.OrderItem{
			ProductRef: ref,
			Name:       strings.TrimSpace(item.Name),
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}
	return normalized, nil
}

// adjustStockForItems moves stock by sign*quantity for each line item. Failures
// are logged per product and never interrupt the order flow.
func (s *orderService) adjustStockForItems(ctx context.Context, order domain.Order, sign int) {
	for _, item := range order.Items {
		level, err := s.products.AdjustStock(ctx, item.ProductRef, sign*item.Quantity)
		if err != nil {
			s.logger(ctx, "order.stock.adjust.failed", map[string]any{
				"order":   order.ID,
				"product": item.ProductRef,
				"delta":   sign * item.Quantity,
				"error":   err.Error(),
			})
			continue
		}
		s.logger(ctx, "order.stock.adjusted", map[string]any{
			"order":   order.ID,
			"product": item.ProductRef,
			"delta":   sign * item.Quantity,
			"level":   level,
		})
	}
}

func (s *orderService) recordHistory(ctx context.Context, record StatusHistoryRecord) {
	if s.history == nil {
		return
	}
	s.history.Record(ctx, record)
}

func (s *orderService) notifyOrderEmail(ctx context.Context, order domain.Order, note string) {
	if s.notifications == nil || s.emailDisabled {
		return
	}
	email, name := s.resolveOwnerContact(ctx, order)
	if email == "" {
		s.logger(ctx, "order.notification.skipped", map[string]any{
			"order":  order.ID,
			"reason": "owner email unknown",
		})
		return
	}
	s.notifications.DispatchOrderEmail(ctx, OrderEmailNotification{
		OrderID:          order.ID,
		CustomerEmail:    email,
		CustomerName:     name,
		OrderStatus:      order.Status,
		StatusChangeNote: note,
		Items:            order.Items,
		Subtotal:         order.Subtotal,
		Shipping:         order.Shipping,
		Total:            order.Total,
		CreatedAt:        order.CreatedAt,
	})
}

func (s *orderService) dispatchRefund(ctx context.Context, order domain.Order) {
	if s.notifications == nil {
		return
	}
	s.notifications.DispatchRefund(ctx, RefundRequest{
		PaymentIntentID: order.PaymentIntentID,
		Amount:          order.Total,
		OrderID:         order.ID,
	})
}

// resolveOwnerContact looks up the order owner's email and display name. The
// display name falls back to the local part of the email address.
func (s *orderService) resolveOwnerContact(ctx context.Context, order domain.Order) (string, string) {
	if s.users == nil {
		return "", ""
	}
	profile, err := s.users.FindByID(ctx, order.OwnerID)
	if err != nil {
		s.logger(ctx, "order.owner.lookup.failed", map[string]any{
			"order": order.ID,
			"owner": order.OwnerID,
			"error": err.Error(),
		})
		return "", ""
	}
	name := strings.TrimSpace(profile.DisplayName)
	if name == "" {
		if at := strings.Index(profile.Email, "@"); at > 0 {
			name = profile.Email[:at]
		}
	}
	return strings.TrimSpace(profile.Email), name
}

func (s *orderService) actorEmail(actor Actor) string {
	if email := strings.TrimSpace(actor.Email); email != "" {
		return email
	}
	return systemActorEmail
}

func (s *orderService) publishEvent(ctx context.Context, order domain.Order, fromStatus string, occurredAt time.Time) {
	if s.events == nil {
		return
	}
	message := OrderEventMessage{
		EventID:     orderEventIDPrefix + s.newID(),
		OrderID:     order.ID,
		OrderNumber: order.Number,
		FromStatus:  fromStatus,
		ToStatus:    string(order.Status),
		OwnerID:     order.OwnerID,
		OccurredAt:  occurredAt,
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"order": order.ID,
			"to":    message.ToStatus,
			"error": err.Error(),
		})
	}
}

// sanitizeText strips markup from user-supplied text but stores the result
// verbatim otherwise: bluemonday entity-escapes its output, so the escape is
// reversed before persisting. Truncation counts runes, not bytes.
func (s *orderService) sanitizeText(value string, limit int) string {
	value = strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(strings.TrimSpace(value))))
	return truncateRunes(value, limit)
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(orderNumberFormat, now.Year(), seq), nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
