package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maplecart/api/internal/services"
)

const testStripeSecret = "whsec_test"

func stripeSignature(secret, payload string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newWebhookTestRouter(svc services.OrderService, secret string) http.Handler {
	handler := NewStripeWebhookHandlers(secret, svc, nil)
	r := chi.NewRouter()
	r.Route("/orders", handler.Routes)
	return r
}

func chargeRefundedEvent(paymentIntentID string, amountRefunded int64) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": "charge.refunded",
		"created": 1773468000,
		"data": {
			"object": {
				"id": "ch_1",
				"object": "charge",
				"amount_refunded": %d,
				"payment_intent": %q
			}
		}
	}`, amountRefunded, paymentIntentID)
}

func TestStripeWebhookProcessesChargeRefunded(t *testing.T) {
	var captured services.ChargeRefundedCommand
	svc := &stubOrderService{
		refundFn: func(ctx context.Context, cmd services.ChargeRefundedCommand) error {
			captured = cmd
			return nil
		},
	}
	router := newWebhookTestRouter(svc, testStripeSecret)

	payload := chargeRefundedEvent("pi_123", 4250)
	req := httptest.NewRequest(http.MethodPost, "/orders/stripe-webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(testStripeSecret, payload, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var response map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response["received"] {
		t.Errorf("expected received acknowledgement, got %v", response)
	}
	if captured.PaymentIntentID != "pi_123" {
		t.Errorf("unexpected payment intent: %s", captured.PaymentIntentID)
	}
	if captured.Amount != 42.50 {
		t.Errorf("unexpected refund amount: %v", captured.Amount)
	}
	if got := captured.ReceivedAt; !got.Equal(time.Unix(1773468000, 0)) {
		t.Errorf("unexpected received time: %v", got)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	refundCalled := false
	svc := &stubOrderService{
		refundFn: func(ctx context.Context, cmd services.ChargeRefundedCommand) error {
			refundCalled = true
			return nil
		},
	}
	router := newWebhookTestRouter(svc, testStripeSecret)

	payload := chargeRefundedEvent("pi_123", 4250)
	req := httptest.NewRequest(http.MethodPost, "/orders/stripe-webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature("whsec_wrong", payload, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if refundCalled {
		t.Error("expected no refund processing on signature failure")
	}
}

func TestStripeWebhookIgnoresOtherEventTypes(t *testing.T) {
	refundCalled := false
	svc := &stubOrderService{
		refundFn: func(ctx context.Context, cmd services.ChargeRefundedCommand) error {
			refundCalled = true
			return nil
		},
	}
	router := newWebhookTestRouter(svc, testStripeSecret)

	payload := `{"id":"evt_2","object":"event","type":"charge.succeeded","data":{"object":{"id":"ch_2","object":"charge"}}}`
	req := httptest.NewRequest(http.MethodPost, "/orders/stripe-webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(testStripeSecret, payload, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if refundCalled {
		t.Error("expected non-refund events to be ignored")
	}
}

func TestStripeWebhookAcknowledgesProcessingFailures(t *testing.T) {
	svc := &stubOrderService{
		refundFn: func(ctx context.Context, cmd services.ChargeRefundedCommand) error {
			return services.ErrOrderConflict
		},
	}
	router := newWebhookTestRouter(svc, testStripeSecret)

	payload := chargeRefundedEvent("pi_123", 4250)
	req := httptest.NewRequest(http.MethodPost, "/orders/stripe-webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripeSignature(testStripeSecret, payload, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Post-signature failures are logged, not surfaced, so the provider does
	// not retry indefinitely.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStripeWebhookMissingSecret(t *testing.T) {
	router := newWebhookTestRouter(&stubOrderService{}, "")

	req := httptest.NewRequest(http.MethodPost, "/orders/stripe-webhook", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
