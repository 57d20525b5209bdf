package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultCODMaxAmount int64 = 100000
	defaultCODFee       int64 = 1500
)

// CODProviderConfig configures the CODProvider.
type CODProviderConfig struct {
	MaxAmount   int64
	Fee         int64
	IDGenerator func() string
	Logger      Logger
	Clock       func() time.Time
}

// CODProvider implements the Provider interface for cash on delivery.
// No external gateway is involved; intents are synthesized locally and
// settled when the courier reports the cash collected.
//
// Intent state lives in process memory only and is lost on restart.
// That is acceptable because the payment record is the durable source
// of truth: a COD payment that outlives the process is resolved from
// its stored status, and GetStatus on a forgotten intent simply errors,
// which resolver probes treat as "not mine".
type CODProvider struct {
	idGen  func() string
	logger Logger
	clock  func() time.Time

	mu        sync.RWMutex
	maxAmount int64
	fee       int64
	intents   map[string]*Details
}

// NewCODProvider constructs a cash on delivery Provider.
func NewCODProvider(cfg CODProviderConfig) (*CODProvider, error) {
	if cfg.IDGenerator == nil {
		return nil, errors.New("cod: id generator is required")
	}
	maxAmount := cfg.MaxAmount
	if maxAmount <= 0 {
		maxAmount = defaultCODMaxAmount
	}
	fee := cfg.Fee
	if fee < 0 {
		fee = defaultCODFee
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CODProvider{
		idGen:     cfg.IDGenerator,
		logger:    logger,
		clock:     func() time.Time { return clock().UTC() },
		maxAmount: maxAmount,
		fee:       fee,
		intents:   make(map[string]*Details),
	}, nil
}

// Initialize applies the COD ceiling and fee from store settings.
func (p *CODProvider) Initialize(ctx context.Context, options map[string]string) error {
	if p == nil {
		return errors.New("cod: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if raw := strings.TrimSpace(options["max_amount"]); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			return fmt.Errorf("cod: invalid max_amount %q", raw)
		}
		p.maxAmount = value
	}
	if raw := strings.TrimSpace(options["fee"]); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			return fmt.Errorf("cod: invalid fee %q", raw)
		}
		p.fee = value
	}
	return nil
}

// TestConnection always succeeds; there is no gateway behind COD.
func (p *CODProvider) TestConnection(ctx context.Context) error {
	if p == nil {
		return errors.New("cod: provider is nil")
	}
	return nil
}

// CreateIntent synthesizes a cod_ intent after validating the request.
func (p *CODProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("cod: provider is nil")
	}
	if problems := p.ValidatePaymentData(req); len(problems) > 0 {
		return Intent{}, fmt.Errorf("cod: invalid payment data: %s", strings.Join(problems, "; "))
	}

	intentID := "cod_" + p.idGen()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	details := &Details{
		Provider: "cod",
		IntentID: intentID,
		Status:   StatusPending,
		Amount:   req.Amount,
		Currency: currency,
	}
	p.mu.Lock()
	p.intents[intentID] = details
	p.mu.Unlock()

	p.logger(ctx, "payments.cod.intent.created", map[string]any{
		"intentId": intentID,
		"orderId":  req.OrderID,
		"amount":   req.Amount,
	})

	return Intent{
		Provider: "cod",
		IntentID: intentID,
		Status:   StatusPending,
		Amount:   req.Amount,
		Currency: currency,
		// The intent stays open until the courier settles or the order
		// is cancelled.
		ExpiresAt: p.clock().Add(30 * 24 * time.Hour),
	}, nil
}

// Confirm records the cash as collected on delivery.
func (p *CODProvider) Confirm(ctx context.Context, req ConfirmRequest) (Details, error) {
	return p.transition(ctx, req.IntentID, StatusCaptured, "payments.cod.intent.captured")
}

// Cancel voids an uncollected intent.
func (p *CODProvider) Cancel(ctx context.Context, intentID string) (Details, error) {
	return p.transition(ctx, intentID, StatusCancelled, "payments.cod.intent.cancelled")
}

// Refund records the cash as returned to the customer.
func (p *CODProvider) Refund(ctx context.Context, req RefundRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("cod: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	details, ok := p.intents[req.IntentID]
	if !ok {
		return Details{}, fmt.Errorf("cod: unknown intent %s", req.IntentID)
	}
	if details.Status != StatusCaptured && details.Status != StatusPartiallyRefunded {
		return Details{}, fmt.Errorf("cod: intent %s is not captured", req.IntentID)
	}
	amount := details.Amount - details.AmountRefunded
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 || details.AmountRefunded+amount > details.Amount {
		return Details{}, fmt.Errorf("cod: invalid refund amount for intent %s", req.IntentID)
	}
	details.AmountRefunded += amount
	now := p.clock()
	details.RefundedAt = &now
	if details.AmountRefunded >= details.Amount {
		details.Status = StatusRefunded
	} else {
		details.Status = StatusPartiallyRefunded
	}
	p.logger(ctx, "payments.cod.intent.refunded", map[string]any{
		"intentId": req.IntentID,
		"amount":   amount,
	})
	return *details, nil
}

// GetStatus returns the locally tracked intent state.
func (p *CODProvider) GetStatus(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("cod: provider is nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	details, ok := p.intents[intentID]
	if !ok {
		return Details{}, fmt.Errorf("cod: unknown intent %s", intentID)
	}
	return *details, nil
}

func (p *CODProvider) transition(ctx context.Context, intentID string, to Status, event string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("cod: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	details, ok := p.intents[intentID]
	if !ok {
		return Details{}, fmt.Errorf("cod: unknown intent %s", intentID)
	}
	if details.Status == StatusRefunded || details.Status == StatusCancelled {
		return Details{}, fmt.Errorf("cod: intent %s is already %s", intentID, details.Status)
	}
	details.Status = to
	if to == StatusCaptured {
		now := p.clock()
		details.CapturedAt = &now
	}
	p.logger(ctx, event, map[string]any{"intentId": intentID})
	return *details, nil
}

// HandleWebhook is not supported; COD has no gateway to notify us.
func (p *CODProvider) HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error) {
	return WebhookEvent{}, ErrNotSupported
}

// VerifySignature is not supported; COD has no gateway to notify us.
func (p *CODProvider) VerifySignature(body []byte, signature string) error {
	return ErrNotSupported
}

// CreateCustomer is not supported by the COD adapter.
func (p *CODProvider) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	return "", ErrNotSupported
}

// SavePaymentMethod is not supported by the COD adapter.
func (p *CODProvider) SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error) {
	return SavedPaymentMethod{}, ErrNotSupported
}

// ListPaymentMethods is not supported by the COD adapter.
func (p *CODProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error) {
	return nil, ErrNotSupported
}

// DeletePaymentMethod is not supported by the COD adapter.
func (p *CODProvider) DeletePaymentMethod(ctx context.Context, customerID, token string) error {
	return ErrNotSupported
}

// ValidatePaymentData enforces the COD ceiling and required delivery
// contact details.
func (p *CODProvider) ValidatePaymentData(req CreateIntentRequest) []string {
	var problems []string
	if req.Amount <= 0 {
		problems = append(problems, "amount must be greater than zero")
	}
	p.mu.RLock()
	maxAmount := p.maxAmount
	p.mu.RUnlock()
	if req.Amount > maxAmount {
		problems = append(problems, "amount exceeds the cash on delivery ceiling")
	}
	if strings.TrimSpace(req.Customer.Phone) == "" {
		problems = append(problems, "customer phone is required for cash on delivery")
	}
	if req.Shipping == nil || strings.TrimSpace(req.Shipping.Line1) == "" || strings.TrimSpace(req.Shipping.Country) == "" {
		problems = append(problems, "shipping address is required for cash on delivery")
	}
	return problems
}

// Info describes the COD adapter for selection scoring.
func (p *CODProvider) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		Name:                "cod",
		DisplayName:         "Cash on Delivery",
		Priority:            70,
		SupportedCurrencies: []string{"SAR"},
		SupportedCountries:  []string{"SA"},
		MaxAmount:           p.maxAmount,
		FeeFixed:            p.fee,
	}
}
