package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/maplecart/api/internal/domain"
)

const (
	orderEmailPath  = "/api/send-order-email"
	refundOrderPath = "/api/refund-order"

	emailSecretHeader  = "X-Webhook-Secret"
	refundSecretHeader = "x-strapi-secret"

	defaultDispatchTimeout = 10 * time.Second
)

// HTTPDoer abstracts the HTTP client so tests can intercept outbound requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookDispatcherDeps bundles constructor inputs for the webhook dispatcher.
type WebhookDispatcherDeps struct {
	BaseURL      string
	EmailSecret  string
	RefundSecret string
	Client       HTTPDoer
	Timeout      time.Duration
	Logger       *zap.Logger

	// Async controls whether deliveries run on their own goroutine. Tests
	// disable it to observe requests synchronously.
	Async bool
}

type WebhookDispatcher struct {
	baseURL      string
	emailSecret  string
	refundSecret string
	client       HTTPDoer
	timeout      time.Duration
	logger       *zap.Logger
	async        bool

	wg sync.WaitGroup
}

// NewWebhookDispatcher constructs the storefront webhook dispatcher.
func NewWebhookDispatcher(deps WebhookDispatcherDeps) (*WebhookDispatcher, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("webhook dispatcher: base url is required")
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookDispatcher{
		baseURL:      baseURL,
		emailSecret:  deps.EmailSecret,
		refundSecret: deps.RefundSecret,
		client:       client,
		timeout:      timeout,
		logger:       logger,
		async:        deps.Async,
	}, nil
}

type orderEmailPayload struct {
	OrderID          string         `json:"orderId"`
	CustomerEmail    string         `json:"customerEmail"`
	CustomerName     string         `json:"customerName"`
	OrderStatus      string         `json:"orderStatus"`
	StatusChangeNote string         `json:"statusChangeNote,omitempty"`
	OrderData        orderDataBlock `json:"orderData"`
}

type orderDataBlock struct {
	Items     []orderItemPayload `json:"items"`
	Subtotal  float64            `json:"subtotal"`
	Shipping  float64            `json:"shipping"`
	Total     float64            `json:"total"`
	CreatedAt time.Time          `json:"createdAt"`
}

type orderItemPayload struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
}

type refundPayload struct {
	PaymentIntentID string  `json:"paymentIntentId"`
	Amount          float64 `json:"amount"`
	OrderID         string  `json:"orderId"`
}

// DispatchOrderEmail posts the customer email webhook. Delivery failures are
// logged and never propagated.
func (d *WebhookDispatcher) DispatchOrderEmail(ctx context.Context, notification OrderEmailNotification) {
	payload := orderEmailPayload{
		OrderID:          notification.OrderID,
		CustomerEmail:    notification.CustomerEmail,
		CustomerName:     notification.CustomerName,
		OrderStatus:      string(notification.OrderStatus),
		StatusChangeNote: notification.StatusChangeNote,
		OrderData: orderDataBlock{
			Items:     buildItemPayloads(notification.Items),
			Subtotal:  notification.Subtotal,
			Shipping:  notification.Shipping,
			Total:     notification.Total,
			CreatedAt: notification.CreatedAt,
		},
	}
	d.dispatch("order_email", orderEmailPath, emailSecretHeader, d.emailSecret, payload,
		zap.String("order_id", notification.OrderID),
		zap.String("status", string(notification.OrderStatus)),
	)
}

// DispatchRefund posts the refund request webhook. Delivery failures are
// logged and never propagated.
func (d *WebhookDispatcher) DispatchRefund(ctx context.Context, request RefundRequest) {
	payload := refundPayload{
		PaymentIntentID: request.PaymentIntentID,
		Amount:          request.Amount,
		OrderID:         request.OrderID,
	}
	d.dispatch("refund", refundOrderPath, refundSecretHeader, d.refundSecret, payload,
		zap.String("order_id", request.OrderID),
	)
}

// Wait blocks until all in-flight deliveries complete. Used during shutdown.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

func (d *WebhookDispatcher) dispatch(kind, path, secretHeader, secret string, payload any, fields ...zap.Field) {
	deliver := func() {
		if err := d.post(path, secretHeader, secret, payload); err != nil {
			d.logger.Warn("webhook delivery failed",
				append([]zap.Field{zap.String("webhook", kind), zap.Error(err)}, fields...)...)
			return
		}
		d.logger.Debug("webhook delivered",
			append([]zap.Field{zap.String("webhook", kind)}, fields...)...)
	}

	if !d.async {
		deliver()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		deliver()
	}()
}

func (d *WebhookDispatcher) post(path, secretHeader, secret string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// Deliveries outlive the request that triggered them, so they get their
	// own deadline instead of inheriting the request context.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func buildItemPayloads(items []domain.OrderItem) []orderItemPayload {
	payloads := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
		})
	}
	return payloads
}
