package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusAuthorized indicates funds are held but not yet captured.
	StatusAuthorized Status = "authorized"
	// StatusCaptured indicates the PSP reports the payment as successfully captured.
	StatusCaptured Status = "captured"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the intent was voided before capture.
	StatusCancelled Status = "cancelled"
	// StatusRefunded indicates the full captured amount has been returned.
	StatusRefunded Status = "refunded"
	// StatusPartiallyRefunded indicates part of the captured amount has been returned.
	StatusPartiallyRefunded Status = "partially_refunded"
	// StatusExpired indicates the intent lapsed before the customer completed it.
	StatusExpired Status = "expired"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrNotSupported is returned by providers for operations outside their
// capability set, such as customer vaulting on cash on delivery.
var ErrNotSupported = errors.New("payments: operation not supported by provider")

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// ErrNoEligibleProvider is returned when scoring rejects every registered provider.
var ErrNoEligibleProvider = errors.New("payments: no provider can take this payment")

// Logger receives structured provider events. A nil logger is replaced
// with a no-op.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Customer identifies the paying customer for providers that require
// contact details (Tabby mandates email and phone, COD mandates phone).
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// ShippingDetails carries the destination data providers validate against.
type ShippingDetails struct {
	Line1      string
	City       string
	Country    string
	PostalCode string
}

// CreateIntentRequest captures the payload required to open a payment intent.
type CreateIntentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	Description    string
	Customer       Customer
	Shipping       *ShippingDetails
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the provider-neutral view of a freshly created payment intent.
type Intent struct {
	Provider     string
	IntentID     string
	ClientSecret string
	RedirectURL  string
	Status       Status
	Amount       int64
	Currency     string
	ExpiresAt    time.Time
	Raw          map[string]any
}

// ConfirmRequest contains the data required to confirm an intent when applicable.
type ConfirmRequest struct {
	IntentID       string
	PaymentMethod  string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundRequest defines a provider refund attempt. A nil Amount refunds in full.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Details normalises provider specific payment fields for storage.
type Details struct {
	Provider       string
	IntentID       string
	TransactionID  string
	Status         Status
	Amount         int64
	AmountRefunded int64
	Currency       string
	CapturedAt     *time.Time
	RefundedAt     *time.Time
	Raw            map[string]any
}

// WebhookEvent is the normalised form of an inbound provider notification.
type WebhookEvent struct {
	Provider  string
	Type      string
	IntentID  string
	Status    Status
	Amount    int64
	Currency  string
	Raw       map[string]any
	Timestamp time.Time
}

// SavedPaymentMethod describes a vaulted instrument for returning customers.
type SavedPaymentMethod struct {
	Token    string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Info describes a provider's routing characteristics used for selection
// scoring and fee computation.
type Info struct {
	Name                 string
	DisplayName          string
	Priority             int
	SupportedCurrencies  []string
	SupportedCountries   []string
	MinAmount            int64
	MaxAmount            int64
	FeePercent           float64
	FeeFixed             int64
	RequiresRedirect     bool
	SupportsInstallments bool
	TestMode             bool
}

// SupportsCurrency reports whether the provider accepts the currency. An
// empty currency list means no restriction.
func (i Info) SupportsCurrency(currency string) bool {
	if len(i.SupportedCurrencies) == 0 {
		return true
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, c := range i.SupportedCurrencies {
		if strings.ToUpper(c) == currency {
			return true
		}
	}
	return false
}

// SupportsCountry reports whether the provider accepts the country. An
// empty country list means no restriction.
func (i Info) SupportsCountry(country string) bool {
	if len(i.SupportedCountries) == 0 {
		return true
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	for _, c := range i.SupportedCountries {
		if strings.ToUpper(c) == country {
			return true
		}
	}
	return false
}

// Fee computes the provider's processing fee for the given amount in
// minor units, rounding half up.
func (i Info) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	percent := int64(float64(amount)*i.FeePercent/100 + 0.5)
	return percent + i.FeeFixed
}

// Provider defines the uniform contract every payment gateway adapter
// implements. Adapters without a capability return ErrNotSupported.
type Provider interface {
	// Initialize applies gateway options from store settings. Called at
	// boot and after settings reload.
	Initialize(ctx context.Context, options map[string]string) error
	// TestConnection performs a cheap end-to-end credential check.
	TestConnection(ctx context.Context) error

	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	Confirm(ctx context.Context, req ConfirmRequest) (Details, error)
	Cancel(ctx context.Context, intentID string) (Details, error)
	Refund(ctx context.Context, req RefundRequest) (Details, error)
	GetStatus(ctx context.Context, intentID string) (Details, error)

	// HandleWebhook verifies and decodes an inbound notification. The
	// raw body and headers are passed so each adapter can apply its own
	// signature scheme.
	HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error)
	// VerifySignature checks a detached signature without decoding.
	VerifySignature(body []byte, signature string) error

	CreateCustomer(ctx context.Context, customer Customer) (string, error)
	SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, customerID, token string) error

	// ValidatePaymentData returns human-readable problems that make the
	// request unacceptable for this provider. Empty means acceptable.
	ValidatePaymentData(req CreateIntentRequest) []string

	Info() Info
}

// OwnsIntent reports whether the intent id carries the prefix convention
// of the named provider. Used only as a fallback for records written
// before the provider name was stored alongside the intent.
func OwnsIntent(provider, intentID string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		return strings.HasPrefix(intentID, "pi_")
	case "paypal":
		return strings.HasPrefix(intentID, "PAY-") || strings.HasPrefix(intentID, "PAYID-")
	case "tabby":
		return strings.HasPrefix(intentID, "tabby_")
	case "cod":
		return strings.HasPrefix(intentID, "cod_")
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// formatMinorAmount renders a minor-unit amount as the decimal string the
// PayPal and Tabby REST APIs expect, assuming two-decimal currencies.
func formatMinorAmount(amount int64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	units := amount / 100
	cents := amount % 100
	if negative {
		return fmt.Sprintf("-%d.%02d", units, cents)
	}
	return fmt.Sprintf("%d.%02d", units, cents)
}

// parseMinorAmount parses a two-decimal string back into minor units.
func parseMinorAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("payments: empty amount")
	}
	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")
	whole, frac, _ := strings.Cut(value, ".")
	var total int64
	for _, ch := range whole {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("payments: invalid amount %q", value)
		}
		total = total*10 + int64(ch-'0')
	}
	total *= 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		for _, ch := range frac {
			if ch < '0' || ch > '9' {
				return 0, fmt.Errorf("payments: invalid amount %q", value)
			}
		}
		total += int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	}
	if negative {
		total = -total
	}
	return total, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
