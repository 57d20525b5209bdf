package domain

// CostBreakdown captures the monetary results of pricing a checkout.
// All amounts are in the smallest currency unit. Total is recomputed
// from the final shipping cost and clamped to be non-negative.
type CostBreakdown struct {
	Currency     string
	Subtotal     int64
	Discount     int64
	Shipping     int64
	Tax          int64
	Total        int64
	TaxRate      float64
	IsPickup     bool
	WeightGrams  int
	HasPhysical  bool
	HasDigital   bool
	ItemCount    int
	Items        []ItemCost
	ShippingInfo *ShippingOption
}

// ItemCost stores the per-line pricing outputs.
type ItemCost struct {
	ProductID   string
	ProductType ProductType
	UnitPrice   int64
	Quantity    int
	Total       int64
	WeightGrams int
}
