package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/repositories"
)

// ErrSettingsInvalidInput signals a malformed settings update.
var ErrSettingsInvalidInput = errors.New("settings: invalid input")

// DefaultStoreSettings is the configuration used until the settings
// document exists. Amounts are minor units (halalas).
func DefaultStoreSettings(now time.Time) domain.StoreSettings {
	return domain.StoreSettings{
		Currency:              "SAR",
		TaxRate:               0.15,
		FreeShippingThreshold: 20000,
		CODMaxAmount:          100000,
		CODFee:                1500,
		ShippingMethods: []domain.ShippingMethodConfig{
			{ID: "standard", Name: "Standard Shipping", Family: "standard", BaseCost: 1500, EstimatedDays: 5, Enabled: true},
			{ID: "express", Name: "Express Shipping", Family: "express", BaseCost: 2500, EstimatedDays: 2, Enabled: true},
			{ID: "overnight", Name: "Overnight Shipping", Family: "overnight", BaseCost: 5000, EstimatedDays: 1, Enabled: true,
				Conditions: domain.ShippingCondition{Countries: []string{"SA"}}},
			{ID: "pickup", Name: "استلام من المتجر", Family: "pickup", BaseCost: 0, EstimatedDays: 0, Enabled: true,
				Conditions: domain.ShippingCondition{Countries: []string{"SA"}}},
		},
		PaymentGateways: map[string]domain.PaymentGatewayConfig{
			"stripe": {Enabled: true},
			"paypal": {Enabled: true},
			"tabby":  {Enabled: true},
			"cod":    {Enabled: true},
		},
		UpdatedAt: now,
	}
}

// storeSettingsService caches the settings document in memory. Reads
// never hit Firestore; Reload and Update refresh the cache explicitly.
type storeSettingsService struct {
	repo   repositories.SettingsRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)

	mu      sync.RWMutex
	current domain.StoreSettings
}

// StoreSettingsServiceDeps lists dependencies for NewStoreSettingsService.
type StoreSettingsServiceDeps struct {
	Settings repositories.SettingsRepository
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// NewStoreSettingsService constructs the cached settings service and
// performs the initial load. A missing document falls back to defaults.
func NewStoreSettingsService(ctx context.Context, deps StoreSettingsServiceDeps) (StoreSettingsService, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	svc := &storeSettingsService{
		repo:   deps.Settings,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}
	if err := svc.Reload(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Current returns the cached settings snapshot.
func (s *storeSettingsService) Current() domain.StoreSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the settings document into the cache. A not-found
// document resets the cache to defaults rather than failing.
func (s *storeSettingsService) Reload(ctx context.Context) error {
	settings, err := s.repo.Get(ctx)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			s.logger(ctx, "settings.reload.defaulted", nil)
			settings = DefaultStoreSettings(s.clock())
		} else {
			return fmt.Errorf("settings service: reload: %w", err)
		}
	}
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	s.logger(ctx, "settings.reloaded", map[string]any{
		"methods":  len(settings.ShippingMethods),
		"gateways": len(settings.PaymentGateways),
	})
	return nil
}

// Update validates, persists, and re-caches the settings document.
func (s *storeSettingsService) Update(ctx context.Context, settings domain.StoreSettings) (domain.StoreSettings, error) {
	if err := validateSettings(settings); err != nil {
		return domain.StoreSettings{}, err
	}
	settings.Currency = strings.ToUpper(strings.TrimSpace(settings.Currency))
	settings.UpdatedAt = s.clock()

	saved, err := s.repo.Save(ctx, settings)
	if err != nil {
		return domain.StoreSettings{}, fmt.Errorf("settings service: update: %w", err)
	}
	s.mu.Lock()
	s.current = saved
	s.mu.Unlock()
	s.logger(ctx, "settings.updated", map[string]any{
		"methods":  len(saved.ShippingMethods),
		"gateways": len(saved.PaymentGateways),
	})
	return saved, nil
}

func validateSettings(settings domain.StoreSettings) error {
	if strings.TrimSpace(settings.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrSettingsInvalidInput)
	}
	if settings.TaxRate < 0 || settings.TaxRate >= 1 {
		return fmt.Errorf("%w: tax rate must be in [0,1)", ErrSettingsInvalidInput)
	}
	if settings.FreeShippingThreshold < 0 {
		return fmt.Errorf("%w: free shipping threshold must be >= 0", ErrSettingsInvalidInput)
	}
	if settings.CODMaxAmount < 0 || settings.CODFee < 0 {
		return fmt.Errorf("%w: cash on delivery limits must be >= 0", ErrSettingsInvalidInput)
	}
	seen := make(map[string]struct{}, len(settings.ShippingMethods))
	for _, method := range settings.ShippingMethods {
		id := strings.TrimSpace(method.ID)
		if id == "" {
			return fmt.Errorf("%w: shipping method id is required", ErrSettingsInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate shipping method %s", ErrSettingsInvalidInput, id)
		}
		seen[id] = struct{}{}
		if method.BaseCost < 0 {
			return fmt.Errorf("%w: shipping method %s cost must be >= 0", ErrSettingsInvalidInput, id)
		}
	}
	return nil
}
