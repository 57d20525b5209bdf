package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as missing items or negative prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCurrencyMismatch is returned when items use multiple currencies.
	ErrPricingCurrencyMismatch = errors.New("pricing: currency mismatch")
)

// PricedItemInput is one line presented to the cost calculator. Unit
// prices are in the smallest currency unit.
type PricedItemInput struct {
	ProductID   string
	ProductType domain.ProductType
	Currency    string
	UnitPrice   int64
	Quantity    int
	WeightGrams int
}

// PriceOrderCommand carries everything the calculator needs: the lines,
// the chosen shipping method, and the destination country. Method may
// be nil for digital-only orders.
type PriceOrderCommand struct {
	Items    []PricedItemInput
	Method   *domain.ShippingMethodConfig
	Country  string
	Discount int64
}

// CostCalculator prices an order: per-line totals, package weight,
// shipping via the configured rate cards, tax on the taxable base, and
// the clamped grand total.
type CostCalculator struct {
	settings StoreSettingsService
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// CostCalculatorDeps bundles collaborators required to construct the calculator.
type CostCalculatorDeps struct {
	Settings StoreSettingsService
	Now      func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// NewCostCalculator wires dependencies into a cost calculator.
func NewCostCalculator(deps CostCalculatorDeps) (*CostCalculator, error) {
	if deps.Settings == nil {
		return nil, errors.New("cost calculator: settings service is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CostCalculator{
		settings: deps.Settings,
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

// CalculateOrderCost prices the command. Shipping is zero for pickup
// methods and for orders containing no physical item; tax applies to
// the undiscounted subtotal plus shipping; the discount only reduces
// the grand total, which never goes below zero.
func (c *CostCalculator) CalculateOrderCost(ctx context.Context, cmd PriceOrderCommand) (domain.CostBreakdown, error) {
	if len(cmd.Items) == 0 {
		return domain.CostBreakdown{}, fmt.Errorf("%w: at least one item is required", ErrPricingInvalidInput)
	}
	if cmd.Discount < 0 {
		return domain.CostBreakdown{}, fmt.Errorf("%w: discount must be >= 0", ErrPricingInvalidInput)
	}

	settings := c.settings.Current()
	currency := strings.ToUpper(strings.TrimSpace(settings.Currency))

	breakdown := domain.CostBreakdown{
		Currency: currency,
		Discount: cmd.Discount,
		TaxRate:  settings.TaxRate,
		Items:    make([]domain.ItemCost, 0, len(cmd.Items)),
	}

	for _, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.CostBreakdown{}, fmt.Errorf("%w: item product id is required", ErrPricingInvalidInput)
		}
		if item.Quantity <= 0 {
			return domain.CostBreakdown{}, fmt.Errorf("%w: item %s quantity must be > 0", ErrPricingInvalidInput, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return domain.CostBreakdown{}, fmt.Errorf("%w: item %s price must be >= 0", ErrPricingInvalidInput, item.ProductID)
		}
		if itemCurrency := strings.ToUpper(strings.TrimSpace(item.Currency)); itemCurrency != "" && itemCurrency != currency {
			return domain.CostBreakdown{}, fmt.Errorf("%w: item %s priced in %s, store uses %s",
				ErrPricingCurrencyMismatch, item.ProductID, itemCurrency, currency)
		}

		lineTotal := item.UnitPrice * int64(item.Quantity)
		breakdown.Subtotal += lineTotal
		breakdown.ItemCount += item.Quantity
		if item.ProductType.IsDigital() {
			breakdown.HasDigital = true
		} else {
			breakdown.HasPhysical = true
			breakdown.WeightGrams += item.WeightGrams * item.Quantity
		}
		breakdown.Items = append(breakdown.Items, domain.ItemCost{
			ProductID:   item.ProductID,
			ProductType: item.ProductType,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Total:       lineTotal,
			WeightGrams: item.WeightGrams * item.Quantity,
		})
	}

	if breakdown.HasPhysical && cmd.Method != nil {
		breakdown.IsPickup = IsPickupMethod(*cmd.Method)
		if !breakdown.IsPickup {
			query := ShippingMethodQuery{
				Country:     cmd.Country,
				OrderTotal:  breakdown.Subtotal,
				WeightGrams: breakdown.WeightGrams,
			}
			breakdown.Shipping = shippingCostFor(*cmd.Method, query, settings.FreeShippingThreshold)
		}
		breakdown.ShippingInfo = &domain.ShippingOption{
			ID:            cmd.Method.ID,
			Name:          cmd.Method.Name,
			Cost:          breakdown.Shipping,
			EstimatedDays: cmd.Method.EstimatedDays,
		}
	}

	// Tax applies before the discount; only the grand total is reduced.
	breakdown.Tax = roundTax(float64(breakdown.Subtotal+breakdown.Shipping) * settings.TaxRate)
	breakdown.Total = breakdown.Subtotal - breakdown.Discount + breakdown.Shipping + breakdown.Tax
	if breakdown.Total < 0 {
		breakdown.Total = 0
	}

	c.logger(ctx, "pricing.calculated", map[string]any{
		"subtotal": breakdown.Subtotal,
		"shipping": breakdown.Shipping,
		"tax":      breakdown.Tax,
		"total":    breakdown.Total,
		"pickup":   breakdown.IsPickup,
	})
	return breakdown, nil
}

// roundTax rounds half away from zero to the nearest minor unit.
func roundTax(amount float64) int64 {
	return int64(math.Round(amount))
}
