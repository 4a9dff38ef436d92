package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maplecart/api/internal/platform/config"
	"github.com/maplecart/api/internal/repositories"
	"github.com/maplecart/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders  services.OrderService
	History services.StatusHistoryService
}

// Deps carries the externally constructed collaborators for NewContainer.
type Deps struct {
	Config   config.Config
	Registry repositories.Registry
	Events   services.OrderEventPublisher
	Logger   *zap.Logger
}

// Container wires repositories, services, and outbound infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	// Dispatcher is nil when no frontend base URL is configured; in that case
	// the order service runs without outbound webhooks.
	Dispatcher *services.WebhookDispatcher
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory
// registries and a nil event publisher.
func NewContainer(ctx context.Context, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var dispatcher *services.WebhookDispatcher
	if deps.Config.Webhooks.FrontendBaseURL != "" {
		var err error
		dispatcher, err = services.NewWebhookDispatcher(services.WebhookDispatcherDeps{
			BaseURL:      deps.Config.Webhooks.FrontendBaseURL,
			EmailSecret:  deps.Config.Webhooks.EmailSecret,
			RefundSecret: deps.Config.Webhooks.RefundSecret,
			Timeout:      deps.Config.Webhooks.Timeout,
			Logger:       logger.Named("webhooks"),
			Async:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("build webhook dispatcher: %w", err)
		}
	} else {
		logger.Warn("frontend base url not configured; outbound webhooks disabled")
	}

	svc, err := buildServices(deps, dispatcher, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Registry,
		Services:     svc,
		Dispatcher:   dispatcher,
	}, nil
}

// Close drains in-flight webhook deliveries and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Wait()
	}
	if c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps Deps, dispatcher *services.WebhookDispatcher, logger *zap.Logger) (Services, error) {
	reg := deps.Registry

	historySvc, err := services.NewStatusHistoryService(services.StatusHistoryServiceDeps{
		Repository: reg.StatusHistory(),
		Clock:      time.Now,
		Logger:     logger.Named("history").Sugar(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status history service: %w", err)
	}

	orderLogger := logger.Named("orders")
	var notifications services.NotificationDispatcher
	if dispatcher != nil {
		notifications = dispatcher
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Products:      reg.Products(),
		Users:         reg.Users(),
		Counters:      reg.Counters(),
		History:       historySvc,
		Notifications: notifications,
		Events:        deps.Events,
		UnitOfWork:    reg,
		Clock:         time.Now,
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			orderLogger.Info("order log", zFields...)
		},
		DisableEmailNotifications: deps.Config.Notifications.DisableEmail,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	return Services{
		Orders:  orderSvc,
		History: historySvc,
	}, nil
}
