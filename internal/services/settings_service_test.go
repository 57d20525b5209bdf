package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/darmolhimon/api/internal/domain"
)

// memSettingsRepo stores at most one settings document.
type memSettingsRepo struct {
	stored  *domain.StoreSettings
	getErr  error
	saveErr error
	saves   int
}

func (r *memSettingsRepo) Get(context.Context) (domain.StoreSettings, error) {
	if r.getErr != nil {
		return domain.StoreSettings{}, r.getErr
	}
	if r.stored == nil {
		return domain.StoreSettings{}, notFoundError{msg: "settings document not found"}
	}
	return *r.stored, nil
}

func (r *memSettingsRepo) Save(_ context.Context, settings domain.StoreSettings) (domain.StoreSettings, error) {
	if r.saveErr != nil {
		return domain.StoreSettings{}, r.saveErr
	}
	r.saves++
	r.stored = &settings
	return settings, nil
}

func TestSettingsServiceDefaultsWhenDocumentMissing(t *testing.T) {
	svc, err := NewStoreSettingsService(context.Background(), StoreSettingsServiceDeps{
		Settings: &memSettingsRepo{},
		Clock:    testClock(),
	})
	if err != nil {
		t.Fatalf("NewStoreSettingsService: %v", err)
	}

	settings := svc.Current()
	if settings.Currency != "SAR" {
		t.Fatalf("currency = %q, want SAR", settings.Currency)
	}
	if settings.TaxRate != 0.15 {
		t.Fatalf("tax rate = %v, want 0.15", settings.TaxRate)
	}
	if settings.FreeShippingThreshold != 20000 {
		t.Fatalf("free shipping threshold = %d, want 20000", settings.FreeShippingThreshold)
	}
	if len(settings.ShippingMethods) != 4 {
		t.Fatalf("shipping methods = %d, want 4", len(settings.ShippingMethods))
	}
	if len(settings.PaymentGateways) != 4 {
		t.Fatalf("payment gateways = %d, want 4", len(settings.PaymentGateways))
	}
}

func TestSettingsServiceLoadsPersistedDocument(t *testing.T) {
	stored := DefaultStoreSettings(testClock()())
	stored.Currency = "USD"
	stored.TaxRate = 0.05
	svc, err := NewStoreSettingsService(context.Background(), StoreSettingsServiceDeps{
		Settings: &memSettingsRepo{stored: &stored},
		Clock:    testClock(),
	})
	if err != nil {
		t.Fatalf("NewStoreSettingsService: %v", err)
	}

	settings := svc.Current()
	if settings.Currency != "USD" || settings.TaxRate != 0.05 {
		t.Fatalf("settings = %q/%v, want persisted USD/0.05", settings.Currency, settings.TaxRate)
	}
}

func TestSettingsServiceReloadFailsOnRepositoryError(t *testing.T) {
	repo := &memSettingsRepo{getErr: errors.New("firestore unavailable")}
	if _, err := NewStoreSettingsService(context.Background(), StoreSettingsServiceDeps{
		Settings: repo,
		Clock:    testClock(),
	}); err == nil {
		t.Fatalf("expected construction to fail when the initial load errors")
	}
}

func TestSettingsServiceUpdatePersistsAndRecaches(t *testing.T) {
	repo := &memSettingsRepo{}
	svc, err := NewStoreSettingsService(context.Background(), StoreSettingsServiceDeps{
		Settings: repo,
		Clock:    testClock(),
	})
	if err != nil {
		t.Fatalf("NewStoreSettingsService: %v", err)
	}

	next := DefaultStoreSettings(testClock()())
	next.Currency = " usd "
	next.FreeShippingThreshold = 30000

	saved, err := svc.Update(context.Background(), next)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if saved.Currency != "USD" {
		t.Fatalf("currency = %q, want normalized USD", saved.Currency)
	}
	if repo.saves != 1 {
		t.Fatalf("saves = %d, want 1", repo.saves)
	}
	if current := svc.Current(); current.FreeShippingThreshold != 30000 {
		t.Fatalf("cache threshold = %d, want 30000", current.FreeShippingThreshold)
	}
	if !saved.UpdatedAt.Equal(testClock()()) {
		t.Fatalf("updatedAt = %v, want clock time", saved.UpdatedAt)
	}
}

func TestSettingsServiceUpdateValidation(t *testing.T) {
	repo := &memSettingsRepo{}
	svc, err := NewStoreSettingsService(context.Background(), StoreSettingsServiceDeps{
		Settings: repo,
		Clock:    testClock(),
	})
	if err != nil {
		t.Fatalf("NewStoreSettingsService: %v", err)
	}

	cases := map[string]func(*domain.StoreSettings){
		"empty currency":   func(s *domain.StoreSettings) { s.Currency = " " },
		"tax rate too big": func(s *domain.StoreSettings) { s.TaxRate = 1 },
		"negative tax":     func(s *domain.StoreSettings) { s.TaxRate = -0.1 },
		"negative threshold": func(s *domain.StoreSettings) {
			s.FreeShippingThreshold = -1
		},
		"negative cod fee": func(s *domain.StoreSettings) { s.CODFee = -1 },
		"blank method id": func(s *domain.StoreSettings) {
			s.ShippingMethods[0].ID = " "
		},
		"duplicate method id": func(s *domain.StoreSettings) {
			s.ShippingMethods[1].ID = s.ShippingMethods[0].ID
		},
		"negative method cost": func(s *domain.StoreSettings) {
			s.ShippingMethods[0].BaseCost = -1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			settings := DefaultStoreSettings(testClock()())
			mutate(&settings)
			if _, err := svc.Update(context.Background(), settings); !errors.Is(err, ErrSettingsInvalidInput) {
				t.Fatalf("err = %v, want ErrSettingsInvalidInput", err)
			}
		})
	}
	if repo.saves != 0 {
		t.Fatalf("saves = %d, want no writes on validation failure", repo.saves)
	}
}
