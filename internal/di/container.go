package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/platform/config"
	"github.com/darmolhimon/api/internal/platform/storage"
	"github.com/darmolhimon/api/internal/repositories"
	"github.com/darmolhimon/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Payments  services.PaymentService
	Shipping  services.ShippingService
	Settings  services.StoreSettingsService
	Books     services.BookService
	Reviews   services.ReviewService
	Downloads services.DownloadService
	System    services.SystemService
	Audit     services.AuditLogService
}

// Dependencies carries the externally constructed collaborators the service
// layer is built around: payment gateways, the signed-URL storage client, and
// the order event publisher.
type Dependencies struct {
	Gateways *payments.Manager
	Storage  *storage.Client
	Events   services.OrderEventPublisher
	Build    services.BuildInfo
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	settingsSvc, err := services.NewStoreSettingsService(ctx, services.StoreSettingsServiceDeps{
		Settings: reg.Settings(),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settings service: %w", err)
	}
	svc.Settings = settingsSvc

	pricing, err := services.NewCostCalculator(services.CostCalculatorDeps{
		Settings: settingsSvc,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cost calculator: %w", err)
	}

	bookSvc, err := services.NewBookService(services.BookServiceDeps{
		Books:  reg.Books(),
		Logger: logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build book service: %w", err)
	}
	svc.Books = bookSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	if deps.Storage != nil {
		downloadSvc, err := services.NewDownloadService(services.DownloadServiceDeps{
			Storage:     deps.Storage,
			Bucket:      cfg.Storage.EbooksBucket,
			TokenSecret: []byte(cfg.Downloads.TokenSecret),
			BaseURL:     cfg.Downloads.BaseURL,
			Logger:      logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build download service: %w", err)
		}
		svc.Downloads = downloadSvc
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Items:     reg.OrderItems(),
		Books:     reg.Books(),
		Payments:  reg.Payments(),
		Shipping:  reg.Shipping(),
		Gateways:  deps.Gateways,
		Pricing:   pricing,
		Settings:  settingsSvc,
		Downloads: svc.Downloads,
		Events:    deps.Events,
		LinkTTL:   cfg.Downloads.LinkTTL,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	shippingSvc, err := services.NewShippingService(services.ShippingServiceDeps{
		Shipping: reg.Shipping(),
		Orders:   reg.Orders(),
		Settings: settingsSvc,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping service: %w", err)
	}
	svc.Shipping = shippingSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:  reg.Payments(),
		OrderRepo: reg.Orders(),
		Orders:    orderSvc,
		Gateways:  deps.Gateways,
		Settings:  settingsSvc,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:   reg.Orders(),
		Books:    reg.Books(),
		Shipping: reg.Shipping(),
		Payments: reg.Payments(),
		Gateways: deps.Gateways,
		Pricing:  pricing,
		Settings: settingsSvc,
		Events:   deps.Events,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	reviewSvc, err := services.NewReviewService(services.ReviewServiceDeps{
		Reviews: reg.Reviews(),
		Orders:  reg.Orders(),
		Stages:  orderSvc,
		Logger:  logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build review service: %w", err)
	}
	svc.Reviews = reviewSvc

	return svc, nil
}
