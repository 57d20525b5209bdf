package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
)

const (
	settingsCollection = "store_settings"
	settingsDocumentID = "default"
)

// SettingsRepository reads and writes the store settings singleton
// document.
type SettingsRepository struct {
	settings *pfirestore.BaseRepository[settingsDocument]
}

// NewSettingsRepository constructs the repository bound to the
// store_settings collection.
func NewSettingsRepository(provider *pfirestore.Provider) (*SettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("settings repository requires firestore provider")
	}
	return &SettingsRepository{
		settings: pfirestore.NewBaseRepository[settingsDocument](provider, settingsCollection, nil, nil),
	}, nil
}

// Get loads the singleton settings document.
func (r *SettingsRepository) Get(ctx context.Context) (domain.StoreSettings, error) {
	if r == nil || r.settings == nil {
		return domain.StoreSettings{}, errors.New("settings repository not initialised")
	}
	doc, err := r.settings.Get(ctx, settingsDocumentID)
	if err != nil {
		return domain.StoreSettings{}, pfirestore.WrapError("settings.get", err)
	}
	return doc.Data.toDomain(), nil
}

// Save rewrites the singleton settings document. Last write wins.
func (r *SettingsRepository) Save(ctx context.Context, settings domain.StoreSettings) (domain.StoreSettings, error) {
	if r == nil || r.settings == nil {
		return domain.StoreSettings{}, errors.New("settings repository not initialised")
	}
	doc := newSettingsDocument(settings)
	if _, err := r.settings.Set(ctx, settingsDocumentID, doc); err != nil {
		return domain.StoreSettings{}, pfirestore.WrapError("settings.save", err)
	}
	return doc.toDomain(), nil
}

type settingsDocument struct {
	Currency              string                       `firestore:"currency"`
	TaxRate               float64                      `firestore:"taxRate"`
	FreeShippingThreshold int64                        `firestore:"freeShippingThreshold"`
	CODMaxAmount          int64                        `firestore:"codMaxAmount"`
	CODFee                int64                        `firestore:"codFee"`
	ShippingMethods       []shippingMethodDocument     `firestore:"shippingMethods"`
	PaymentGateways       map[string]paymentGatewayDoc `firestore:"paymentGateways"`
	UpdatedAt             time.Time                    `firestore:"updatedAt"`
}

type shippingMethodDocument struct {
	ID             string   `firestore:"id"`
	Name           string   `firestore:"name"`
	Family         string   `firestore:"family,omitempty"`
	BaseCost       int64    `firestore:"cost"`
	EstimatedDays  int      `firestore:"estimatedDays"`
	Enabled        bool     `firestore:"enabled"`
	MinOrderAmount *int64   `firestore:"minOrderAmount,omitempty"`
	MaxWeightGrams *int     `firestore:"maxWeightGrams,omitempty"`
	Countries      []string `firestore:"countries,omitempty"`
}

type paymentGatewayDoc struct {
	Enabled  bool              `firestore:"enabled"`
	TestMode bool              `firestore:"testMode"`
	Options  map[string]string `firestore:"options,omitempty"`
}

func newSettingsDocument(settings domain.StoreSettings) settingsDocument {
	methods := make([]shippingMethodDocument, len(settings.ShippingMethods))
	for i, method := range settings.ShippingMethods {
		methods[i] = shippingMethodDocument{
			ID:             strings.TrimSpace(method.ID),
			Name:           strings.TrimSpace(method.Name),
			Family:         strings.TrimSpace(method.Family),
			BaseCost:       method.BaseCost,
			EstimatedDays:  method.EstimatedDays,
			Enabled:        method.Enabled,
			MinOrderAmount: method.Conditions.MinOrderAmount,
			MaxWeightGrams: method.Conditions.MaxWeightGrams,
			Countries:      method.Conditions.Countries,
		}
	}
	gateways := make(map[string]paymentGatewayDoc, len(settings.PaymentGateways))
	for name, gw := range settings.PaymentGateways {
		gateways[strings.ToLower(strings.TrimSpace(name))] = paymentGatewayDoc{
			Enabled:  gw.Enabled,
			TestMode: gw.TestMode,
			Options:  gw.Options,
		}
	}
	return settingsDocument{
		Currency:              strings.ToUpper(strings.TrimSpace(settings.Currency)),
		TaxRate:               settings.TaxRate,
		FreeShippingThreshold: settings.FreeShippingThreshold,
		CODMaxAmount:          settings.CODMaxAmount,
		CODFee:                settings.CODFee,
		ShippingMethods:       methods,
		PaymentGateways:       gateways,
		UpdatedAt:             settings.UpdatedAt.UTC(),
	}
}

func (d settingsDocument) toDomain() domain.StoreSettings {
	methods := make([]domain.ShippingMethodConfig, len(d.ShippingMethods))
	for i, method := range d.ShippingMethods {
		methods[i] = domain.ShippingMethodConfig{
			ID:            method.ID,
			Name:          method.Name,
			Family:        method.Family,
			BaseCost:      method.BaseCost,
			EstimatedDays: method.EstimatedDays,
			Enabled:       method.Enabled,
			Conditions: domain.ShippingCondition{
				MinOrderAmount: method.MinOrderAmount,
				MaxWeightGrams: method.MaxWeightGrams,
				Countries:      method.Countries,
			},
		}
	}
	gateways := make(map[string]domain.PaymentGatewayConfig, len(d.PaymentGateways))
	for name, gw := range d.PaymentGateways {
		gateways[name] = domain.PaymentGatewayConfig{
			Enabled:  gw.Enabled,
			TestMode: gw.TestMode,
			Options:  gw.Options,
		}
	}
	return domain.StoreSettings{
		Currency:              d.Currency,
		TaxRate:               d.TaxRate,
		FreeShippingThreshold: d.FreeShippingThreshold,
		CODMaxAmount:          d.CODMaxAmount,
		CODFee:                d.CODFee,
		ShippingMethods:       methods,
		PaymentGateways:       gateways,
		UpdatedAt:             d.UpdatedAt,
	}
}
