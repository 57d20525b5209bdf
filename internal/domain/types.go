package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// ProductType distinguishes fulfilment paths for a line item.
type ProductType string

const (
	// ProductTypePhysical is a printed book shipped to the customer.
	ProductTypePhysical ProductType = "physical"
	// ProductTypeEbook is a downloadable ebook delivered after payment.
	ProductTypeEbook ProductType = "ebook"
	// ProductTypeAudiobook is a downloadable audiobook delivered after payment.
	ProductTypeAudiobook ProductType = "audiobook"
)

// IsDigital reports whether the product type is delivered electronically.
func (t ProductType) IsDigital() bool {
	return t == ProductTypeEbook || t == ProductTypeAudiobook
}

// Book is the catalog record whose stock counter the reservation
// transaction mutates. Prices are stored in the smallest currency unit.
type Book struct {
	ID          string
	Title       string
	Author      string
	Type        ProductType
	Price       int64
	Currency    string
	Stock       int
	WeightGrams int
	AssetPath   string
	IsPublished bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stage is the canonical order lifecycle stage. Orders move through the
// five stages strictly forward, one step at a time.
type Stage string

const (
	// StageOrdered is the initial stage assigned at checkout.
	StageOrdered Stage = "ordered"
	// StagePaid indicates the payment was captured; digital delivery runs here.
	StagePaid Stage = "paid"
	// StageShipped indicates the physical package left the warehouse.
	StageShipped Stage = "shipped"
	// StageDelivered indicates the customer received the package.
	StageDelivered Stage = "delivered"
	// StageReviewed is the terminal stage after the customer left a review.
	StageReviewed Stage = "reviewed"
)

// StageSequence is the fixed forward order of lifecycle stages.
var StageSequence = []Stage{StageOrdered, StagePaid, StageShipped, StageDelivered, StageReviewed}

// OrderStatus is the coarse display status derived from the canonical
// stage plus any side state. Used for filtering and back-office views.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment succeeded.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been shipped.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order has been delivered.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCompleted indicates the order finished its lifecycle.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the payment was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusOnHold indicates the order needs operator attention.
	OrderStatusOnHold OrderStatus = "on_hold"
	// OrderStatusPaymentFailed indicates the payment attempt failed.
	// Reserved stock is intentionally NOT released in this state; see
	// the admin stock release operation for reconciliation.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

// StageTransition is one append-only entry in an order's stage history.
type StageTransition struct {
	Stage         Stage
	PreviousStage Stage
	Notes         string
	At            time.Time
}

// OrderTotals holds the rolled-up monetary fields in the smallest
// currency unit. Total is always clamped to be non-negative.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderContact stores the customer contact snapshot for notifications.
type OrderContact struct {
	Name  string
	Email string
	Phone string
}

// Order is the central aggregate. Items are owned conceptually but
// persisted as separate documents keyed by OrderID; ShippingID and
// PaymentID are weak references into sibling collections.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Stage           Stage
	Status          OrderStatus
	PaymentStatus   string
	ShippingStatus  string
	Currency        string
	Totals          OrderTotals
	ItemCount       int
	Items           []OrderItem
	ShippingAddress *Address
	ShippingMethod  string
	Contact         OrderContact
	ShippingID      *string
	PaymentID       *string
	StageHistory    []StageTransition
	Notes           string
	CancelReason    *string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
}

// OrderItem is a line item persisted independently under the order.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductType ProductType
	Title       string
	UnitPrice   int64
	Quantity    int
	TotalPrice  int64
	WeightGrams int
	// Digital delivery fields, populated when the order enters the paid
	// stage. IsDelivered flips to true exactly once.
	DownloadURL  *string
	AccessExpiry *time.Time
	IsDelivered  bool
	DeliveredAt  *time.Time
}

// PaymentStatus enumerates the lifecycle of a payment record.
type PaymentStatus string

const (
	// PaymentStatusPending indicates the intent exists but is unconfirmed.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing indicates confirmation is in flight.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusCompleted indicates funds were captured.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates a full refund. Terminal.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusPartiallyRefunded indicates a partial refund.
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Payment is one payment attempt for an order. The owning provider name
// is stored alongside the intent id so lookups never depend on id
// prefix conventions alone.
type Payment struct {
	ID              string
	OrderID         string
	Provider        string
	IntentID        string
	Method          string
	Status          PaymentStatus
	Amount          int64
	Currency        string
	TransactionID   string
	GatewayResponse map[string]any
	FeeAmount       int64
	RefundedAmount  int64
	RefundReason    *string
	RefundedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ShippingStatus enumerates fulfilment states for a shipping record.
type ShippingStatus string

const (
	// ShippingStatusPending indicates the shipment awaits carrier handoff.
	ShippingStatusPending ShippingStatus = "pending"
	// ShippingStatusConfirmed indicates the carrier accepted the shipment.
	ShippingStatusConfirmed ShippingStatus = "confirmed"
	// ShippingStatusPickedUp indicates the carrier collected the package.
	ShippingStatusPickedUp ShippingStatus = "picked_up"
	// ShippingStatusInTransit indicates the package is moving.
	ShippingStatusInTransit ShippingStatus = "in_transit"
	// ShippingStatusOutForDelivery indicates last-mile delivery started.
	ShippingStatusOutForDelivery ShippingStatus = "out_for_delivery"
	// ShippingStatusDelivered indicates the package reached the customer.
	ShippingStatusDelivered ShippingStatus = "delivered"
	// ShippingStatusFailed indicates delivery failed.
	ShippingStatusFailed ShippingStatus = "failed"
	// ShippingStatusReturned indicates the package was returned.
	ShippingStatusReturned ShippingStatus = "returned"
)

// ShippingEvent stores one timestamped status change for a shipment.
type ShippingEvent struct {
	Status     ShippingStatus
	Notes      string
	OccurredAt time.Time
}

// Shipping is the physical fulfilment record, created only for orders
// containing physical items.
type Shipping struct {
	ID                 string
	OrderID            string
	Address            Address
	Method             string
	Cost               int64
	PackageWeightGrams int
	PackageDimensions  *PackageDimensions
	TrackingNumber     string
	TrackingURL        string
	Status             ShippingStatus
	StatusHistory      []ShippingEvent
	EstimatedDays      int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PackageDimensions stores parcel measurements in centimetres.
type PackageDimensions struct {
	LengthCm float64
	WidthCm  float64
	HeightCm float64
}

// Address represents postal addresses shared by order and shipping layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// ShippingCondition restricts when a configured shipping method applies.
type ShippingCondition struct {
	MinOrderAmount *int64
	MaxWeightGrams *int
	Countries      []string
}

// ShippingMethodConfig is one configured shipping method from the store
// settings document.
type ShippingMethodConfig struct {
	ID            string
	Name          string
	Family        string
	BaseCost      int64
	EstimatedDays int
	Enabled       bool
	Conditions    ShippingCondition
}

// ShippingOption is a shipping method offered for a specific
// country/amount/weight combination. Fallback options are synthesized
// when no configured method matches, so the offered set is never empty.
type ShippingOption struct {
	ID            string
	Name          string
	Cost          int64
	EstimatedDays int
	Description   string
	IsFallback    bool
}

// PaymentGatewayConfig holds per-provider settings from the store
// settings document. Secret material is resolved separately at boot.
type PaymentGatewayConfig struct {
	Enabled  bool
	TestMode bool
	Options  map[string]string
}

// StoreSettings is the read-mostly configuration document. It is loaded
// at boot, cached per instance, and refreshed only through an explicit
// reload.
type StoreSettings struct {
	Currency              string
	TaxRate               float64
	FreeShippingThreshold int64
	CODMaxAmount          int64
	CODFee                int64
	ShippingMethods       []ShippingMethodConfig
	PaymentGateways       map[string]PaymentGatewayConfig
	UpdatedAt             time.Time
}

// OrderStats aggregates counts and revenue for back-office dashboards.
type OrderStats struct {
	TotalOrders   int
	TotalRevenue  int64
	CountByStatus map[OrderStatus]int
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// ReviewStatus captures the moderation state of a customer review.
type ReviewStatus string

const (
	// ReviewStatusPending marks a freshly submitted review awaiting moderation.
	ReviewStatusPending ReviewStatus = "pending"
	// ReviewStatusApproved marks a review cleared for public display.
	ReviewStatusApproved ReviewStatus = "approved"
	// ReviewStatusRejected marks a review hidden by moderation.
	ReviewStatusRejected ReviewStatus = "rejected"
)

// Review is a per-order customer review. One review per order; it only
// becomes valid once the order has been delivered or completed.
type Review struct {
	ID          string
	OrderRef    string
	UserRef     string
	Rating      int
	Comment     string
	Status      ReviewStatus
	Reply       *ReviewReply
	ModeratedBy *string
	ModeratedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReviewReply is the store's response attached to an approved review.
type ReviewReply struct {
	Message   string
	AuthorRef string
	Visible   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin actions.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
