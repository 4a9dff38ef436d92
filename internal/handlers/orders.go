package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/platform/pagination"
	"github.com/maplecart/api/internal/services"
)

const (
	maxOrderBodySize = 64 * 1024

	maxStatusNoteLength         = 5000
	maxCancellationReasonLength = 1000
)

var errBodyTooLarge = errors.New("request body too large")

// OrderHandlers exposes the order lifecycle endpoints for authenticated users
// and administrators.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the authenticated /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/search", h.searchOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}", h.updateOrder)
	r.Post("/{orderID}/request-cancellation", h.requestCancellation)
	r.Get("/{orderID}/transitions", h.listTransitions)
	r.Get("/{orderID}/status-history", h.listStatusHistory)
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	Subtotal        float64            `json:"subtotal"`
	Shipping        float64            `json:"shipping"`
	Total           float64            `json:"total"`
	PaymentIntentID string             `json:"paymentIntentId"`
	OrderStatus     string             `json:"orderStatus"`
}

type orderItemRequest struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
}

type updateOrderRequest struct {
	OrderStatus        *string `json:"orderStatus"`
	StatusChangeNote   *string `json:"statusChangeNote"`
	CancellationReason *string `json:"cancellationReason"`
	CancellationDate   *string `json:"cancellationDate"`
}

type cancellationRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		Actor:           actor,
		Items:           items,
		Subtotal:        req.Subtotal,
		Shipping:        req.Shipping,
		Total:           req.Total,
		PaymentIntentID: req.PaymentIntentID,
		InitialStatus:   domain.OrderStatus(strings.TrimSpace(req.OrderStatus)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	statuses, err := parseStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("createdAfter")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdAfter must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("createdBefore")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "createdBefore must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	params, err := pagination.Parse(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, actor, services.OrderListQuery{
		Status:    statuses,
		DateRange: dateRange,
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) searchOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	statuses, err := parseStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	params, err := pagination.Parse(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.SearchOrders(ctx, actor, services.OrderSearchQuery{
		EmailQuery:  query.Get("email"),
		NumberQuery: query.Get("orderId"),
		Status:      statuses,
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, actor, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}
	if req.OrderStatus == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderStatus is required", http.StatusBadRequest))
		return
	}

	target := domain.OrderStatus(strings.TrimSpace(*req.OrderStatus))
	note := truncate(stringValue(req.StatusChangeNote), maxStatusNoteLength)
	reason := truncate(stringValue(req.CancellationReason), maxCancellationReasonLength)

	// Customers may only use the update surface to request a cancellation;
	// every other status change requires the administrator role.
	if !actor.Admin {
		if target != domain.OrderStatusCancellationRequested {
			httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "only cancellation requests are permitted", http.StatusForbidden))
			return
		}
		if reason == "" {
			reason = note
		}
		order, err := h.orders.RequestCancellation(ctx, services.RequestCancellationCommand{
			Actor:   actor,
			OrderID: orderID,
			Reason:  reason,
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		Actor:              actor,
		OrderID:            orderID,
		TargetStatus:       target,
		Note:               note,
		CancellationReason: reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requestCancellation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	var req cancellationRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.RequestCancellation(ctx, services.RequestCancellationCommand{
		Actor:   actor,
		OrderID: orderID,
		Reason:  truncate(req.Reason, maxCancellationReasonLength),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	transitions, err := h.orders.AvailableTransitions(ctx, actor, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	statuses := make([]string, 0, len(transitions))
	for _, status := range transitions {
		statuses = append(statuses, string(status))
	}
	writeJSONResponse(w, http.StatusOK, transitionsResponse{Transitions: statuses})
}

func (h *OrderHandlers) listStatusHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	entries, err := h.orders.ListStatusHistory(ctx, actor, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]statusHistoryPayload, 0, len(entries))
	for _, entry := range entries {
		item := statusHistoryPayload{
			ID:             entry.ID,
			OrderID:        entry.OrderID,
			ToStatus:       string(entry.ToStatus),
			ChangedAt:      entry.ChangedAt.Format(time.RFC3339),
			ChangedByEmail: entry.ChangedByEmail,
			Note:           entry.Note,
		}
		if entry.FromStatus != nil {
			from := string(*entry.FromStatus)
			item.FromStatus = &from
		}
		items = append(items, item)
	}
	writeJSONResponse(w, http.StatusOK, statusHistoryListResponse{Items: items})
}

// requireActor resolves the authenticated caller into a service actor. A
// missing identity writes a 401 and reports false.
func (h *OrderHandlers) requireActor(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return services.Actor{}, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{
		UserID: strings.TrimSpace(identity.UID),
		Email:  strings.TrimSpace(identity.Email),
		Admin:  identity.IsAdmin(),
	}, true
}

func requireOrderID(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderID            string             `json:"orderId"`
	Status             string             `json:"orderStatus"`
	Items              []orderItemPayload `json:"items"`
	Subtotal           float64            `json:"subtotal"`
	Shipping           float64            `json:"shipping"`
	Total              float64            `json:"total"`
	PaymentIntentID    string             `json:"paymentIntentId,omitempty"`
	StatusChangeNote   string             `json:"statusChangeNote,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
	CancellationDate   string             `json:"cancellationDate,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

type orderItemPayload struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
}

type transitionsResponse struct {
	Transitions []string `json:"transitions"`
}

type statusHistoryListResponse struct {
	Items []statusHistoryPayload `json:"items"`
}

type statusHistoryPayload struct {
	ID             string  `json:"id"`
	OrderID        string  `json:"orderId"`
	FromStatus     *string `json:"fromStatus"`
	ToStatus       string  `json:"toStatus"`
	ChangedAt      string  `json:"changedAt"`
	ChangedByEmail string  `json:"changedByEmail"`
	Note           string  `json:"note,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:                 order.ID,
		OrderID:            order.Number,
		Status:             string(order.Status),
		Items:              make([]orderItemPayload, 0, len(order.Items)),
		Subtotal:           order.Subtotal,
		Shipping:           order.Shipping,
		Total:              order.Total,
		PaymentIntentID:    order.PaymentIntentID,
		StatusChangeNote:   order.StatusChangeNote,
		CancellationReason: order.CancellationReason,
		CreatedAt:          order.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          order.UpdatedAt.Format(time.RFC3339),
	}
	if order.CancellationDate != nil {
		payload.CancellationDate = order.CancellationDate.Format(time.RFC3339)
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}
	return payload
}

func parseStatusFilters(values []string) ([]domain.OrderStatus, error) {
	var statuses []domain.OrderStatus
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := domain.OrderStatus(part)
			if !status.Known() {
				return nil, errors.New("unknown order status " + part)
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stockErr *services.InsufficientStockError
	if errors.As(err, &stockErr) {
		shortages := make([]map[string]any, 0, len(stockErr.Shortages))
		for _, s := range stockErr.Shortages {
			shortages = append(shortages, map[string]any{
				"productRef": s.ProductRef,
				"name":       s.Name,
				"requested":  s.Requested,
				"available":  s.Available,
			})
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"shortages": shortages}))
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

// truncate caps the value at limit runes so a multi-byte character is never
// split mid-sequence.
func truncate(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
