package services

import (
	"context"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Book               = domain.Book
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	Payment            = domain.Payment
	Shipping           = domain.Shipping
	Address            = domain.Address
	OrderContact       = domain.OrderContact
	Stage              = domain.Stage
	OrderStatus        = domain.OrderStatus
	CostBreakdown      = domain.CostBreakdown
	StoreSettings      = domain.StoreSettings
	ShippingOption     = domain.ShippingOption
	OrderStats         = domain.OrderStats
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
	Pagination         = domain.Pagination
	Review             = domain.Review
)

// CheckoutService orchestrates the full checkout flow: validation, stock
// precheck, pricing, reservation, shipping and payment record creation,
// and the provider call.
type CheckoutService interface {
	ProcessCheckout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// OrderService owns the order lifecycle state machine and order reads.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderDetails(ctx context.Context, orderID string) (OrderDetails, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	OrderStats(ctx context.Context, filter OrderStatsFilter) (OrderStats, error)
	AdvanceStage(ctx context.Context, cmd AdvanceStageCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AddItem(ctx context.Context, cmd ModifyItemCommand) (OrderDetails, error)
	RemoveItem(ctx context.Context, cmd ModifyItemCommand) (OrderDetails, error)
	ReleaseOrderStock(ctx context.Context, cmd ReleaseStockCommand) error
	DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error
	ExpireUnpaidOrders(ctx context.Context, cmd ExpireUnpaidOrdersCommand) (ExpireUnpaidOrdersResult, error)
}

// PaymentService manages payment records and brokers provider webhooks.
type PaymentService interface {
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	GetPaymentForOrder(ctx context.Context, orderID string) (Payment, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error)
	CancelPayment(ctx context.Context, cmd CancelPaymentCommand) (Payment, error)
	RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (Payment, error)
	HandleWebhook(ctx context.Context, provider string, body []byte, headers map[string][]string) error
	AvailableProviders(ctx context.Context) []ProviderDescriptor
}

// ShippingService exposes the eligibility engine and the shipment
// status pipeline.
type ShippingService interface {
	AvailableMethods(ctx context.Context, query ShippingMethodQuery) ([]ShippingOption, error)
	GetShippingForOrder(ctx context.Context, orderID string) (Shipping, error)
	UpdateShippingStatus(ctx context.Context, cmd UpdateShippingStatusCommand) (Shipping, error)
	SetTracking(ctx context.Context, cmd SetTrackingCommand) (Shipping, error)
}

// StoreSettingsService caches the store settings document and reloads it
// on demand.
type StoreSettingsService interface {
	Current() StoreSettings
	Reload(ctx context.Context) error
	Update(ctx context.Context, settings StoreSettings) (StoreSettings, error)
}

// BookService reads the published catalog used by checkout validation.
type BookService interface {
	GetBook(ctx context.Context, bookID string) (Book, error)
	ListBooks(ctx context.Context, filter BookListFilter) (domain.CursorPage[Book], error)
}

// ReviewService manages per-order customer reviews: submission against
// completed orders, moderation, and store replies.
type ReviewService interface {
	Create(ctx context.Context, cmd CreateReviewCommand) (Review, error)
	GetByOrder(ctx context.Context, cmd GetReviewByOrderCommand) (Review, error)
	ListByUser(ctx context.Context, cmd ListUserReviewsCommand) (domain.CursorPage[Review], error)
	Moderate(ctx context.Context, cmd ModerateReviewCommand) (Review, error)
	StoreReply(ctx context.Context, cmd StoreReviewReplyCommand) (Review, error)
}

// SystemService aggregates operational health and version metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// OrderEventPublisher emits lifecycle notifications for downstream
// consumers (email, push, analytics).
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// DownloadLinkIssuer mints access for purchased digital items: a signed,
// time-scoped token plus a signed storage URL.
type DownloadLinkIssuer interface {
	IssueDownloadLink(ctx context.Context, cmd DownloadLinkCommand) (DownloadLink, error)
}

// DownloadService issues and redeems digital access. Redeeming a valid
// token yields a fresh short-lived storage URL, so the stored link stays
// usable for the whole access window.
type DownloadService interface {
	DownloadLinkIssuer
	RedeemDownloadToken(ctx context.Context, token string) (DownloadLink, error)
}

// Commands and results -------------------------------------------------------

// CheckoutItemInput is one requested line in a checkout.
type CheckoutItemInput struct {
	ProductID string
	Quantity  int
}

// CheckoutCommand carries the full checkout request.
type CheckoutCommand struct {
	UserID           string
	Items            []CheckoutItemInput
	Contact          OrderContact
	ShippingAddress  *Address
	ShippingMethodID string
	PaymentProvider  string
	PaymentMethod    string
	Discount         int64
	Notes            string
	SuccessURL       string
	CancelURL        string
	IdempotencyKey   string
}

// CheckoutResult is the orchestrator's aggregate answer.
type CheckoutResult struct {
	Order        Order
	Items        []OrderItem
	Shipping     *Shipping
	Payment      Payment
	Cost         CostBreakdown
	RedirectURL  string
	ClientSecret string
}

// OrderDetails bundles an order with its related records for detail views.
type OrderDetails struct {
	Order    Order
	Items    []OrderItem
	Shipping *Shipping
	Payment  *Payment
}

type OrderListFilter struct {
	UserID     string
	Status     []OrderStatus
	Stage      *Stage
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

type OrderStatsFilter struct {
	DateRange domain.RangeQuery[time.Time]
}

// AdvanceStageCommand moves an order to the next pipeline stage.
type AdvanceStageCommand struct {
	OrderID string
	Stage   Stage
	Notes   string
	ActorID string
}

type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// ExpireUnpaidOrdersCommand sweeps orders that never completed payment.
// OlderThan bounds how stale an order must be before it is cancelled;
// Limit caps how many orders a single run touches.
type ExpireUnpaidOrdersCommand struct {
	OlderThan time.Duration
	Limit     int
	ActorID   string
}

// ExpireUnpaidOrdersResult reports the outcome of one sweep run.
type ExpireUnpaidOrdersResult struct {
	Expired int
	Failed  int
}

// ModifyItemCommand adds or removes a line on a pending order. For adds,
// ProductID and Quantity name the addition; for removals, ItemID names
// the existing line.
type ModifyItemCommand struct {
	OrderID   string
	ItemID    string
	ProductID string
	Quantity  int
	ActorID   string
}

type ReleaseStockCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

type DeleteOrderCommand struct {
	OrderID string
	ActorID string
}

// ConfirmPaymentCommand drives a synchronous confirmation attempt
// against the owning gateway. PaymentMethod is optional; providers that
// need one reject the attempt without it.
type ConfirmPaymentCommand struct {
	PaymentID     string
	PaymentMethod string
	ActorID       string
}

// CancelPaymentCommand voids a not-yet-captured intent at the gateway.
type CancelPaymentCommand struct {
	PaymentID string
	Reason    string
	ActorID   string
}

type RefundPaymentCommand struct {
	PaymentID string
	Amount    *int64
	Reason    string
	ActorID   string
}

// ProviderDescriptor is the storefront-facing summary of a payment method.
type ProviderDescriptor struct {
	Name                 string
	DisplayName          string
	MinAmount            int64
	MaxAmount            int64
	FeeFixed             int64
	FeePercent           float64
	RequiresRedirect     bool
	SupportsInstallments bool
}

// ShippingMethodQuery filters the eligibility engine.
type ShippingMethodQuery struct {
	Country     string
	City        string
	OrderTotal  int64
	WeightGrams int
}

type UpdateShippingStatusCommand struct {
	OrderID string
	Status  domain.ShippingStatus
	Notes   string
	ActorID string
}

type SetTrackingCommand struct {
	OrderID        string
	TrackingNumber string
	TrackingURL    string
	ActorID        string
}

// CreateReviewCommand submits a review for a delivered or completed order.
type CreateReviewCommand struct {
	OrderID string
	UserID  string
	Rating  int
	Comment string
	ActorID string
}

// GetReviewByOrderCommand fetches the review attached to one order.
// AllowStaff bypasses the owner check for back-office reads.
type GetReviewByOrderCommand struct {
	OrderID    string
	ActorID    string
	AllowStaff bool
}

type ListUserReviewsCommand struct {
	UserID     string
	Pagination Pagination
}

// ModerateReviewCommand approves or rejects a pending review.
type ModerateReviewCommand struct {
	ReviewID string
	Status   domain.ReviewStatus
	ActorID  string
}

// StoreReviewReplyCommand sets or clears the store reply on an approved
// review. An empty message clears the reply.
type StoreReviewReplyCommand struct {
	ReviewID string
	Message  string
	Visible  bool
	ActorID  string
}

type BookListFilter struct {
	Types         []domain.ProductType
	OnlyPublished bool
	Pagination    Pagination
}

// AuditLogRecord is the write-side shape for audit entries. Keys listed
// as sensitive are persisted as salted hashes rather than raw values.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Metadata              map[string]any
	SensitiveMetadataKeys []string
	Diff                  map[string]AuditLogDiff
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
}

// AuditLogDiff captures a before/after pair for one mutated field.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// OrderEventMessage is the payload published on stage transitions.
type OrderEventMessage struct {
	OrderID     string
	OrderNumber string
	UserID      string
	Event       string
	Stage       string
	Status      string
	OccurredAt  time.Time
	Metadata    map[string]string
}

// DownloadLinkCommand asks for digital delivery of one order item.
type DownloadLinkCommand struct {
	OrderID   string
	OrderItem OrderItem
	UserID    string
	AssetPath string
	Expiry    time.Duration
}

// DownloadLink is the issued access: the signed URL grants the storage
// read; the token can be re-presented to the download endpoint until it
// expires.
type DownloadLink struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}
