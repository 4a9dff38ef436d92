package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "maplecart-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "maplecart-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "maplecart-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected default order events topic: %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Notifications.DisableEmail {
		t.Error("expected email notifications enabled by default")
	}
	if cfg.Webhooks.Timeout != defaultWebhookTimeout {
		t.Errorf("unexpected default webhook timeout: %s", cfg.Webhooks.Timeout)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                 "9090",
		"API_SERVER_READ_TIMEOUT":         "20s",
		"API_FIREBASE_PROJECT_ID":         "maplecart-prod",
		"API_FIRESTORE_PROJECT_ID":        "maplecart-fire",
		"API_FRONTEND_BASE_URL":           "https://shop.example.com/",
		"API_WEBHOOK_EMAIL_SECRET":        "secret://webhooks/email",
		"API_STRIPE_WEBHOOK_SECRET":       "secret://stripe/webhook",
		"API_DISABLE_EMAIL_NOTIFICATIONS": "true",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":   "orders-prod",
		"API_SECURITY_ENVIRONMENT":        "PROD",
	}

	secrets := map[string]string{
		"secret://webhooks/email": "email-secret",
		"secret://stripe/webhook": "whsec_test",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "maplecart-fire" {
		t.Errorf("unexpected firestore project: %s", cfg.Firestore.ProjectID)
	}
	if cfg.Webhooks.FrontendBaseURL != "https://shop.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Webhooks.FrontendBaseURL)
	}
	if cfg.Webhooks.EmailSecret != "email-secret" {
		t.Errorf("unexpected email secret: %s", cfg.Webhooks.EmailSecret)
	}
	if cfg.Webhooks.RefundSecret != "email-secret" {
		t.Errorf("expected refund secret to fall back to email secret, got %s", cfg.Webhooks.RefundSecret)
	}
	if cfg.Stripe.WebhookSecret != "whsec_test" {
		t.Errorf("unexpected stripe webhook secret: %s", cfg.Stripe.WebhookSecret)
	}
	if !cfg.Notifications.DisableEmail {
		t.Error("expected email notifications disabled")
	}
	if cfg.PubSub.OrderEventsTopic != "orders-prod" {
		t.Errorf("unexpected order events topic: %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected environment folded to lower case, got %s", cfg.Security.Environment)
	}
}

func TestLoadDedicatedRefundSecret(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "maplecart-dev",
		"API_WEBHOOK_EMAIL_SECRET": "email-secret",
		"API_WEBHOOK_REFUND_SECRET": "refund-secret",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Webhooks.RefundSecret != "refund-secret" {
		t.Errorf("expected dedicated refund secret, got %s", cfg.Webhooks.RefundSecret)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Firebase.ProjectID": false, "Firestore.ProjectID": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, fields)
		}
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "maplecart-dev",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Stripe.WebhookSecret"))
	if err == nil {
		t.Fatal("expected missing secrets error")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if len(missing.RedactedNames()) != 1 {
		t.Fatalf("unexpected redacted names: %v", missing.RedactedNames())
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport API_FIREBASE_PROJECT_ID=maplecart-local\nAPI_SERVER_PORT=\"7070\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "maplecart-local" {
		t.Errorf("unexpected firebase project: %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
}
