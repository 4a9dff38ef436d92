package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"

	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/services"
)

// Stripe caps event payloads well below this; anything larger is not a
// legitimate webhook call.
const maxStripeEventBodySize = 64 * 1024

// StripeWebhookHandlers verifies and processes inbound payment-provider events.
type StripeWebhookHandlers struct {
	secret string
	orders services.OrderService
	logger *zap.Logger
}

// NewStripeWebhookHandlers constructs the inbound webhook handler.
func NewStripeWebhookHandlers(secret string, orders services.OrderService, logger *zap.Logger) *StripeWebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeWebhookHandlers{
		secret: secret,
		orders: orders,
		logger: logger,
	}
}

// Routes registers the unauthenticated webhook endpoint. Callers are verified
// by signature, not by bearer token.
func (h *StripeWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe-webhook", h.handleStripeEvent)
}

func (h *StripeWebhookHandlers) handleStripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.secret == "" || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unconfigured", "stripe webhook secret not configured", http.StatusInternalServerError))
		return
	}

	payload, err := readLimitedBody(r, maxStripeEventBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	// The account's pinned API version rarely matches the SDK's; the charge
	// fields read here are stable across versions.
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook signature verification failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	// Everything past the signature check acknowledges with 200 so the
	// provider does not retry events we have chosen to ignore.
	if event.Type == stripe.EventTypeChargeRefunded {
		h.processChargeRefunded(r, event)
	} else {
		h.logger.Debug("stripe webhook event ignored", zap.String("type", string(event.Type)))
	}

	writeJSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeWebhookHandlers) processChargeRefunded(r *http.Request, event stripe.Event) {
	ctx := r.Context()

	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		h.logger.Warn("stripe webhook charge decode failed",
			zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	paymentIntentID := ""
	if charge.PaymentIntent != nil {
		paymentIntentID = charge.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		h.logger.Info("stripe refund event without payment intent", zap.String("event_id", event.ID))
		return
	}

	var receivedAt time.Time
	if event.Created > 0 {
		receivedAt = time.Unix(event.Created, 0).UTC()
	}
	err := h.orders.HandleChargeRefunded(ctx, services.ChargeRefundedCommand{
		PaymentIntentID: paymentIntentID,
		Amount:          float64(charge.AmountRefunded) / 100,
		ReceivedAt:      receivedAt,
	})
	if err != nil {
		h.logger.Error("stripe refund event processing failed",
			zap.String("event_id", event.ID),
			zap.String("payment_intent", paymentIntentID),
			zap.Error(err))
		return
	}
	h.logger.Info("stripe refund event processed",
		zap.String("event_id", event.ID),
		zap.String("payment_intent", paymentIntentID))
}
