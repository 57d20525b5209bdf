package services

import (
	"strings"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/textutil"
)

// countryTier groups destinations for surcharge purposes: domestic
// Saudi Arabia, the neighbouring Gulf states, and everywhere else.
type countryTier int

const (
	tierDomestic countryTier = iota
	tierGulf
	tierInternational
)

var gulfCountries = map[string]struct{}{
	"AE": {}, "KW": {}, "BH": {}, "OM": {}, "QA": {},
}

// supportedShippingCountries are the destinations carriers quote
// directly. Anything else ships through the fallback rates.
var supportedShippingCountries = map[string]struct{}{
	"SA": {}, "AE": {}, "KW": {}, "BH": {}, "OM": {}, "QA": {},
	"EG": {}, "JO": {}, "LB": {}, "SY": {}, "IQ": {}, "IR": {}, "TR": {},
}

// isUnsupportedShippingCountry reports whether the destination has no
// direct carrier coverage. An empty code defaults to domestic.
func isUnsupportedShippingCountry(country string) bool {
	code := strings.ToUpper(strings.TrimSpace(country))
	if code == "" {
		return false
	}
	if code == "OTHER" {
		return true
	}
	_, ok := supportedShippingCountries[code]
	return !ok
}

func tierForCountry(country string) countryTier {
	code := strings.ToUpper(strings.TrimSpace(country))
	switch {
	case code == "" || code == "SA":
		return tierDomestic
	default:
		if _, ok := gulfCountries[code]; ok {
			return tierGulf
		}
		return tierInternational
	}
}

// familyRates is the rate card for one shipping family. Amounts are in
// the smallest currency unit; weight charges apply per started kilogram
// above the free allowance.
type familyRates struct {
	PerExtraKg    int64
	TierSurcharge [3]int64
	MaxCost       int64
	DomesticOnly  bool
	FreeEligible  bool
}

// shippingFamilies maps a configured method family to its rate card.
// The free-shipping threshold waives cost only for the standard family.
var shippingFamilies = map[string]familyRates{
	"standard":  {PerExtraKg: 500, TierSurcharge: [3]int64{0, 2000, 5000}, MaxCost: 10000, FreeEligible: true},
	"express":   {PerExtraKg: 700, TierSurcharge: [3]int64{0, 3000, 8000}, MaxCost: 15000},
	"overnight": {PerExtraKg: 1000, MaxCost: 20000, DomesticOnly: true},
}

// freeWeightGrams is the weight allowance included in every base rate.
const freeWeightGrams = 1000

// pickupFamily marks methods fulfilled at the store counter.
const pickupFamily = "pickup"

// pickupLabels are normalized method names treated as store pickup even
// when the family field is missing from older settings documents.
var pickupLabels = map[string]struct{}{
	textutil.NormalizeLabel("pickup"):            {},
	textutil.NormalizeLabel("store pickup"):      {},
	textutil.NormalizeLabel("استلام من المتجر"):  {},
	textutil.NormalizeLabel("الاستلام من الفرع"): {},
}

// IsPickupMethod reports whether the configured method means the
// customer collects the order in person. Pickup methods always cost
// zero and never produce a shipping record weight charge.
func IsPickupMethod(method domain.ShippingMethodConfig) bool {
	if strings.EqualFold(strings.TrimSpace(method.Family), pickupFamily) {
		return true
	}
	_, ok := pickupLabels[textutil.NormalizeLabel(method.Name)]
	return ok
}

// methodMatchesQuery applies the configured eligibility conditions:
// the method must be enabled, meet its minimum order amount, stay under
// its maximum weight, and serve the destination country.
func methodMatchesQuery(method domain.ShippingMethodConfig, query ShippingMethodQuery) bool {
	if !method.Enabled {
		return false
	}
	if min := method.Conditions.MinOrderAmount; min != nil && query.OrderTotal < *min {
		return false
	}
	if max := method.Conditions.MaxWeightGrams; max != nil && query.WeightGrams > *max {
		return false
	}
	if rates, ok := shippingFamilies[strings.ToLower(method.Family)]; ok && rates.DomesticOnly {
		if tierForCountry(query.Country) != tierDomestic {
			return false
		}
	}
	if len(method.Conditions.Countries) == 0 {
		return true
	}
	code := strings.ToUpper(strings.TrimSpace(query.Country))
	for _, allowed := range method.Conditions.Countries {
		if strings.ToUpper(strings.TrimSpace(allowed)) == code {
			return true
		}
	}
	return false
}

// shippingCostFor prices one method for a destination, weight, and
// order total. The formula is base cost plus a per-kilogram charge for
// weight above the allowance plus the destination tier surcharge,
// capped by the family ceiling. Crossing the free-shipping threshold
// zeroes the cost for families marked free-eligible; pickup is always
// free.
func shippingCostFor(method domain.ShippingMethodConfig, query ShippingMethodQuery, freeThreshold int64) int64 {
	if IsPickupMethod(method) {
		return 0
	}
	rates, ok := shippingFamilies[strings.ToLower(method.Family)]
	if !ok {
		// Unknown family: charge the configured base cost as-is.
		return method.BaseCost
	}
	if rates.FreeEligible && freeThreshold > 0 && query.OrderTotal >= freeThreshold {
		return 0
	}

	cost := method.BaseCost
	if query.WeightGrams > freeWeightGrams {
		extraKg := int64((query.WeightGrams - freeWeightGrams + 999) / 1000)
		cost += extraKg * rates.PerExtraKg
	}
	cost += rates.TierSurcharge[tierForCountry(query.Country)]
	if rates.MaxCost > 0 && cost > rates.MaxCost {
		cost = rates.MaxCost
	}
	return cost
}

// fallbackShippingOptions synthesizes carrier-of-last-resort rates: a
// standard option whenever nothing matched, plus an express variant for
// destinations outside the supported country list. The offered set is
// therefore never empty.
func fallbackShippingOptions(query ShippingMethodQuery, freeThreshold int64) []domain.ShippingOption {
	standard := domain.ShippingMethodConfig{
		ID:            "standard-fallback",
		Name:          "Standard Shipping",
		Family:        "standard",
		BaseCost:      1500,
		EstimatedDays: estimatedDaysForTier(tierForCountry(query.Country)),
		Enabled:       true,
	}
	options := []domain.ShippingOption{{
		ID:            standard.ID,
		Name:          standard.Name,
		Cost:          shippingCostFor(standard, query, freeThreshold),
		EstimatedDays: standard.EstimatedDays,
		Description:   "Default carrier rate",
		IsFallback:    true,
	}}

	if isUnsupportedShippingCountry(query.Country) {
		express := domain.ShippingMethodConfig{
			ID:            "express-fallback",
			Name:          "Express Shipping",
			Family:        "express",
			BaseCost:      2500,
			EstimatedDays: estimatedDaysForTier(tierForCountry(query.Country)) / 2,
			Enabled:       true,
		}
		options = append(options, domain.ShippingOption{
			ID:            express.ID,
			Name:          express.Name,
			Cost:          shippingCostFor(express, query, freeThreshold),
			EstimatedDays: express.EstimatedDays,
			Description:   "Expedited carrier rate",
			IsFallback:    true,
		})
	}
	return options
}

func estimatedDaysForTier(tier countryTier) int {
	switch tier {
	case tierDomestic:
		return 5
	case tierGulf:
		return 8
	default:
		return 14
	}
}
