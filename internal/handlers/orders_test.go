package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/repositories"
	"github.com/maplecart/api/internal/services"
)

type stubOrderService struct {
	createFn      func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error)
	getFn         func(ctx context.Context, actor services.Actor, orderID string) (domain.Order, error)
	listFn        func(ctx context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[domain.Order], error)
	searchFn      func(ctx context.Context, actor services.Actor, query services.OrderSearchQuery) (domain.CursorPage[domain.Order], error)
	updateFn      func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error)
	cancelFn      func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error)
	refundFn      func(ctx context.Context, cmd services.ChargeRefundedCommand) error
	historyFn     func(ctx context.Context, actor services.Actor, orderID string) ([]domain.StatusHistoryEntry, error)
	transitionsFn func(ctx context.Context, actor services.Actor, orderID string) ([]domain.OrderStatus, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, actor services.Actor, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, orderID)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, actor, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) SearchOrders(ctx context.Context, actor services.Actor, query services.OrderSearchQuery) (domain.CursorPage[domain.Order], error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, actor, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) RequestCancellation(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) HandleChargeRefunded(ctx context.Context, cmd services.ChargeRefundedCommand) error {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return nil
}

func (s *stubOrderService) ListStatusHistory(ctx context.Context, actor services.Actor, orderID string) ([]domain.StatusHistoryEntry, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, actor, orderID)
	}
	return nil, nil
}

func (s *stubOrderService) AvailableTransitions(ctx context.Context, actor services.Actor, orderID string) ([]domain.OrderStatus, error) {
	if s.transitionsFn != nil {
		return s.transitionsFn(ctx, actor, orderID)
	}
	return nil, nil
}

func identityMiddleware(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newOrdersTestRouter(svc services.OrderService, identity *auth.Identity) http.Handler {
	handler := NewOrderHandlers(nil, svc)
	r := chi.NewRouter()
	r.Use(identityMiddleware(identity))
	r.Route("/orders", handler.Routes)
	return r
}

func customerIdentity() *auth.Identity {
	return &auth.Identity{UID: "user-1", Email: "jamie@example.com", Roles: []string{auth.RoleAuthenticated}}
}

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "admin-1", Email: "ops@example.com", Roles: []string{auth.RoleAuthenticated, auth.RoleAdmin}}
}

func sampleOrder() domain.Order {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:      "ord_1",
		Number:  "MC-2026-000042",
		OwnerID: "user-1",
		Status:  domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{ProductRef: "prod-1", Name: "Maple Mug", UnitPrice: 12.50, Quantity: 3},
		},
		Subtotal:        37.50,
		Shipping:        5,
		Total:           42.50,
		PaymentIntentID: "pi_123",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestCreateOrderReturnsCreated(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	body := `{"items":[{"productRef":"prod-1","name":"Maple Mug","unitPrice":12.5,"quantity":3}],"subtotal":37.5,"shipping":5,"total":42.5,"paymentIntentId":"pi_123"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Actor.UserID != "user-1" || captured.Actor.Admin {
		t.Errorf("unexpected actor: %+v", captured.Actor)
	}
	if len(captured.Items) != 1 || captured.Items[0].Quantity != 3 {
		t.Errorf("unexpected items: %+v", captured.Items)
	}
	if captured.PaymentIntentID != "pi_123" {
		t.Errorf("unexpected payment intent: %s", captured.PaymentIntentID)
	}

	var payload struct {
		Order struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			Total       float64
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Order.OrderID != "MC-2026-000042" {
		t.Errorf("unexpected order number: %s", payload.Order.OrderID)
	}
	if payload.Order.OrderStatus != "pending" {
		t.Errorf("unexpected status: %s", payload.Order.OrderStatus)
	}
}

func TestCreateOrderInsufficientStockDetails(t *testing.T) {
	svc := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			return domain.Order{}, &services.InsufficientStockError{
				Shortages: []repositories.StockShortage{{ProductRef: "prod-1", Name: "Maple Mug", Requested: 5, Available: 2}},
			}
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"items":[{"productRef":"prod-1","quantity":5}]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != "insufficient_stock" {
		t.Errorf("unexpected error code: %v", payload["error"])
	}
	shortages, ok := payload["shortages"].([]any)
	if !ok || len(shortages) != 1 {
		t.Fatalf("expected itemized shortages, got %v", payload["shortages"])
	}
	shortage := shortages[0].(map[string]any)
	if shortage["productRef"] != "prod-1" || shortage["available"] != float64(2) {
		t.Errorf("unexpected shortage payload: %v", shortage)
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(ctx context.Context, actor services.Actor, orderID string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListOrdersForwardsQuery(t *testing.T) {
	var captured services.OrderListQuery
	svc := &stubOrderService{
		listFn: func(ctx context.Context, actor services.Actor, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
			captured = query
			return domain.CursorPage[domain.Order]{Items: []domain.Order{sampleOrder()}, NextPageToken: "tok"}, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/?status=paid,processing&pageSize=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPaid {
		t.Errorf("unexpected status filter: %v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 {
		t.Errorf("unexpected page size: %d", captured.Pagination.PageSize)
	}

	var payload struct {
		Items         []json.RawMessage `json:"items"`
		NextPageToken string            `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.NextPageToken != "tok" {
		t.Errorf("unexpected list payload: %s", rec.Body.String())
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	router := newOrdersTestRouter(&stubOrderService{}, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/?status=bogus", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateOrderNonAdminCancellationRequest(t *testing.T) {
	var captured services.RequestCancellationCommand
	svc := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancellationRequested
			return order, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	body := `{"orderStatus":"cancellation_requested","cancellationReason":"ordered by mistake"}`
	req := httptest.NewRequest(http.MethodPut, "/orders/ord_1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "ordered by mistake" {
		t.Errorf("unexpected cancellation command: %+v", captured)
	}
}

func TestUpdateOrderNonAdminOtherStatusForbidden(t *testing.T) {
	updateCalled := false
	svc := &stubOrderService{
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
			updateCalled = true
			return domain.Order{}, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodPut, "/orders/ord_1", strings.NewReader(`{"orderStatus":"shipped"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if updateCalled {
		t.Error("expected no status update for non-admin caller")
	}
}

func TestUpdateOrderAdminUpdatesStatus(t *testing.T) {
	var captured services.UpdateOrderStatusCommand
	svc := &stubOrderService{
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}
	router := newOrdersTestRouter(svc, adminIdentity())

	body := `{"orderStatus":"processing","statusChangeNote":"Packing started"}`
	req := httptest.NewRequest(http.MethodPut, "/orders/ord_1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.TargetStatus != domain.OrderStatusProcessing {
		t.Errorf("unexpected target status: %s", captured.TargetStatus)
	}
	if captured.Note != "Packing started" {
		t.Errorf("unexpected note: %q", captured.Note)
	}
	if !captured.Actor.Admin {
		t.Error("expected admin actor")
	}
	if captured.Authoritative {
		t.Error("operator updates must not be marked authoritative")
	}
}

func TestUpdateOrderInvalidTransitionConflict(t *testing.T) {
	svc := &stubOrderService{
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidState
		},
	}
	router := newOrdersTestRouter(svc, adminIdentity())

	req := httptest.NewRequest(http.MethodPut, "/orders/ord_1", strings.NewReader(`{"orderStatus":"paid"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestSearchOrdersForwardsQueries(t *testing.T) {
	var captured services.OrderSearchQuery
	svc := &stubOrderService{
		searchFn: func(ctx context.Context, actor services.Actor, query services.OrderSearchQuery) (domain.CursorPage[domain.Order], error) {
			captured = query
			return domain.CursorPage[domain.Order]{}, nil
		},
	}
	router := newOrdersTestRouter(svc, adminIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/search?email=jamie&orderId=MC-2026", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.EmailQuery != "jamie" || captured.NumberQuery != "MC-2026" {
		t.Errorf("unexpected search query: %+v", captured)
	}
}

func TestSearchOrdersForbidden(t *testing.T) {
	svc := &stubOrderService{
		searchFn: func(ctx context.Context, actor services.Actor, query services.OrderSearchQuery) (domain.CursorPage[domain.Order], error) {
			return domain.CursorPage[domain.Order]{}, services.ErrOrderForbidden
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/search?email=jamie", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequestCancellationEndpoint(t *testing.T) {
	var captured services.RequestCancellationCommand
	svc := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.RequestCancellationCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancellationRequested
			return order, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/request-cancellation", strings.NewReader(`{"reason":"changed my mind"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Reason != "changed my mind" {
		t.Errorf("unexpected reason: %q", captured.Reason)
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	svc := &stubOrderService{
		transitionsFn: func(ctx context.Context, actor services.Actor, orderID string) ([]domain.OrderStatus, error) {
			return []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusCancelled}, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1/transitions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Transitions []string `json:"transitions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Transitions) != 2 || payload.Transitions[0] != "processing" {
		t.Errorf("unexpected transitions: %v", payload.Transitions)
	}
}

func TestStatusHistoryEndpoint(t *testing.T) {
	from := domain.OrderStatusPending
	svc := &stubOrderService{
		historyFn: func(ctx context.Context, actor services.Actor, orderID string) ([]domain.StatusHistoryEntry, error) {
			return []domain.StatusHistoryEntry{
				{
					ID:             "osh_2",
					OrderID:        "ord_1",
					FromStatus:     &from,
					ToStatus:       domain.OrderStatusPaid,
					ChangedAt:      time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
					ChangedByEmail: "ops@example.com",
					Note:           "payment confirmed",
				},
				{
					ID:             "osh_1",
					OrderID:        "ord_1",
					ToStatus:       domain.OrderStatusPending,
					ChangedAt:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
					ChangedByEmail: "jamie@example.com",
				},
			}, nil
		},
	}
	router := newOrdersTestRouter(svc, customerIdentity())

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1/status-history", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []struct {
			FromStatus *string `json:"fromStatus"`
			ToStatus   string  `json:"toStatus"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Items))
	}
	if payload.Items[0].FromStatus == nil || *payload.Items[0].FromStatus != "pending" {
		t.Errorf("unexpected from status: %v", payload.Items[0].FromStatus)
	}
	if payload.Items[1].FromStatus != nil {
		t.Error("expected null fromStatus on the initial entry")
	}
}

func TestOrdersRequireAuthentication(t *testing.T) {
	router := newOrdersTestRouter(&stubOrderService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
