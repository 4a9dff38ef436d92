package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/maplecart/api/internal/di"
	"github.com/maplecart/api/internal/handlers"
	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/platform/config"
	pfirestore "github.com/maplecart/api/internal/platform/firestore"
	"github.com/maplecart/api/internal/platform/jobs"
	"github.com/maplecart/api/internal/platform/observability"
	"github.com/maplecart/api/internal/platform/secrets"
	firestoreRepo "github.com/maplecart/api/internal/repositories/firestore"
	"github.com/maplecart/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Stripe.WebhookSecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	var events services.OrderEventPublisher
	var eventsTopic *pubsub.Topic
	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		eventsTopic = pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer eventsTopic.Stop()

		publisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
	} else {
		logger.Warn("pubsub project not configured; order events disabled")
	}

	container, err := di.NewContainer(ctx, di.Deps{
		Config:   cfg,
		Registry: registry,
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	webhookHandlers := handlers.NewStripeWebhookHandlers(cfg.Stripe.WebhookSecret, container.Services.Orders, logger.Named("stripe"))

	healthChecks := []handlers.ReadinessCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
				defer cancel()
				iter := firestoreClient.Collections(checkCtx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		},
	}
	if eventsTopic != nil {
		topic := eventsTopic
		healthChecks = append(healthChecks, handlers.ReadinessCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				ok, err := topic.Exists(checkCtx)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("order events topic does not exist")
				}
				return nil
			},
		})
	}
	healthHandlers := handlers.NewHealthHandlers(handlers.WithReadinessChecks(healthChecks...))

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("maplecart api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
