package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/paymentmethod"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
	Attach(id string, params *stripe.PaymentMethodAttachParams) (*stripe.PaymentMethod, error)
	Detach(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
	List(params *stripe.PaymentMethodListParams) *paymentmethod.Iter
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	refunds        stripeRefundAPI
	customers      stripeCustomerAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	TestMode      bool
	Logger        Logger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface for card payments
// through Stripe payment intents.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  Logger

	mu            sync.RWMutex
	webhookSecret string
	testMode      bool
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			refunds:        sc.Refunds,
			customers:      sc.Customers,
			paymentMethods: sc.PaymentMethods,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:        logger,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		testMode:      cfg.TestMode,
	}, nil
}

// Initialize applies gateway options from store settings.
func (p *StripeProvider) Initialize(ctx context.Context, options map[string]string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if secret := strings.TrimSpace(options["webhook_secret"]); secret != "" {
		p.webhookSecret = secret
	}
	if mode := strings.TrimSpace(options["test_mode"]); mode != "" {
		p.testMode = mode == "true"
	}
	return nil
}

// TestConnection verifies the API key by fetching a deliberately missing
// intent. Authentication failures surface, not-found proves the key works.
func (p *StripeProvider) TestConnection(ctx context.Context) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	_, err := p.api.intents.Get("pi_connection_probe", params)
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden {
			return fmt.Errorf("stripe: credentials rejected: %w", err)
		}
		return nil
	}
	return err
}

// CreateIntent opens a Stripe payment intent for the order amount.
func (p *StripeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if problems := p.ValidatePaymentData(req); len(problems) > 0 {
		return Intent{}, fmt.Errorf("stripe: invalid payment data: %s", strings.Join(problems, "; "))
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if req.Customer.ID != "" {
		params.Customer = stripe.String(req.Customer.ID)
	}
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	metadata := cloneMetadata(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	metadata["order_id"] = req.OrderID
	if req.OrderNumber != "" {
		metadata["order_number"] = req.OrderNumber
	}
	params.Metadata = metadata

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        intent.Amount,
	})

	details := stripeDetails(intent)
	return Intent{
		Provider:     "stripe",
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       details.Status,
		Amount:       intent.Amount,
		Currency:     details.Currency,
		ExpiresAt:    p.clock().Add(30 * time.Minute),
		Raw:          details.Raw,
	}, nil
}

// Confirm confirms a Stripe payment intent.
func (p *StripeProvider) Confirm(ctx context.Context, req ConfirmRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if method := strings.TrimSpace(req.PaymentMethod); method != "" {
		params.PaymentMethod = stripe.String(method)
	}
	intent, err := p.api.intents.Confirm(req.IntentID, params)
	if err != nil {
		return Details{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeDetails(intent), nil
}

// Cancel voids a Stripe payment intent before capture.
func (p *StripeProvider) Cancel(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Cancel(intentID, params)
	if err != nil {
		return Details{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.cancelled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return stripeDetails(intent), nil
}

// Refund creates a refund for the provided payment intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if metadata := cloneMetadata(req.Metadata); metadata != nil {
		params.Metadata = metadata
	}
	if _, err := p.api.refunds.New(params); err != nil {
		return Details{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
	})
	return p.GetStatus(ctx, req.IntentID)
}

// GetStatus retrieves and normalises a Stripe payment intent.
func (p *StripeProvider) GetStatus(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(intentID, params)
	if err != nil {
		return Details{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeDetails(intent), nil
}

// HandleWebhook verifies the Stripe-Signature header and decodes the event.
func (p *StripeProvider) HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	p.mu.RLock()
	secret := p.webhookSecret
	p.mu.RUnlock()
	if secret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret is not configured")
	}

	event, err := webhook.ConstructEvent(body, header.Get("Stripe-Signature"), secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	raw := map[string]any{}
	_ = json.Unmarshal(event.Data.Raw, &raw)

	out := WebhookEvent{
		Provider:  "stripe",
		Type:      string(event.Type),
		Raw:       raw,
		Timestamp: time.Unix(event.Created, 0).UTC(),
	}

	// Charge events wrap a Charge object, everything else a PaymentIntent.
	// The intent ID is what payment records are keyed by, so charges must
	// be resolved to their parent intent.
	partialRefund := false
	if strings.HasPrefix(string(event.Type), "charge.") {
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode webhook object: %w", err)
		}
		if charge.PaymentIntent != nil {
			out.IntentID = charge.PaymentIntent.ID
		}
		out.Amount = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
		partialRefund = charge.AmountRefunded > 0 && charge.AmountRefunded < charge.Amount
	} else {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode webhook object: %w", err)
		}
		out.IntentID = intent.ID
		out.Amount = intent.Amount
		out.Currency = strings.ToUpper(string(intent.Currency))
	}

	switch event.Type {
	case "payment_intent.succeeded":
		out.Status = StatusCaptured
	case "payment_intent.payment_failed":
		out.Status = StatusFailed
	case "payment_intent.canceled":
		out.Status = StatusCancelled
	case "payment_intent.amount_capturable_updated":
		out.Status = StatusAuthorized
	case "charge.refunded":
		out.Status = StatusRefunded
		if partialRefund {
			out.Status = StatusPartiallyRefunded
		}
	default:
		out.Status = StatusPending
		p.logger(ctx, "payments.stripe.webhook.unmapped", map[string]any{
			"type": string(event.Type),
		})
	}
	return out, nil
}

// VerifySignature checks the Stripe-Signature value against the payload.
func (p *StripeProvider) VerifySignature(body []byte, signature string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	p.mu.RLock()
	secret := p.webhookSecret
	p.mu.RUnlock()
	if secret == "" {
		return errors.New("stripe: webhook secret is not configured")
	}
	if _, err := webhook.ConstructEvent(body, signature, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// CreateCustomer registers the customer with Stripe and returns its id.
func (p *StripeProvider) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	if p == nil || p.api.customers == nil {
		return "", errors.New("stripe: customers client is not configured")
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if customer.Name != "" {
		params.Name = stripe.String(customer.Name)
	}
	if customer.Email != "" {
		params.Email = stripe.String(customer.Email)
	}
	if customer.Phone != "" {
		params.Phone = stripe.String(customer.Phone)
	}
	created, err := p.api.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return created.ID, nil
}

// SavePaymentMethod attaches a tokenized card to the Stripe customer.
func (p *StripeProvider) SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error) {
	if p == nil || p.api.paymentMethods == nil {
		return SavedPaymentMethod{}, errors.New("stripe: payment methods client is not configured")
	}
	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	pm, err := p.api.paymentMethods.Attach(token, params)
	if err != nil {
		return SavedPaymentMethod{}, fmt.Errorf("stripe: attach payment method: %w", err)
	}
	return savedStripeMethod(pm), nil
}

// ListPaymentMethods returns the customer's vaulted cards.
func (p *StripeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error) {
	if p == nil || p.api.paymentMethods == nil {
		return nil, errors.New("stripe: payment methods client is not configured")
	}
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	iter := p.api.paymentMethods.List(params)
	var methods []SavedPaymentMethod
	for iter.Next() {
		methods = append(methods, savedStripeMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list payment methods: %w", err)
	}
	return methods, nil
}

// DeletePaymentMethod detaches a vaulted card.
func (p *StripeProvider) DeletePaymentMethod(ctx context.Context, customerID, token string) error {
	if p == nil || p.api.paymentMethods == nil {
		return errors.New("stripe: payment methods client is not configured")
	}
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.api.paymentMethods.Detach(token, params); err != nil {
		return fmt.Errorf("stripe: detach payment method: %w", err)
	}
	return nil
}

// ValidatePaymentData reports problems that make the request unacceptable.
func (p *StripeProvider) ValidatePaymentData(req CreateIntentRequest) []string {
	var problems []string
	if req.Amount <= 0 {
		problems = append(problems, "amount must be greater than zero")
	}
	if strings.TrimSpace(req.Currency) == "" {
		problems = append(problems, "currency is required")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		problems = append(problems, "order id is required")
	}
	return problems
}

// Info describes the Stripe adapter for selection scoring.
func (p *StripeProvider) Info() Info {
	p.mu.RLock()
	testMode := p.testMode
	p.mu.RUnlock()
	return Info{
		Name:                "stripe",
		DisplayName:         "Credit / Debit Card",
		Priority:            100,
		SupportedCurrencies: []string{"SAR", "USD", "EUR", "AED", "KWD"},
		MinAmount:           100,
		FeePercent:          2.9,
		FeeFixed:            100,
		TestMode:            testMode,
	}
}

func stripeDetails(intent *stripe.PaymentIntent) Details {
	if intent == nil {
		return Details{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusCaptured
	case stripe.PaymentIntentStatusRequiresCapture:
		status = StatusAuthorized
	case stripe.PaymentIntentStatusCanceled:
		status = StatusCancelled
		switch intent.CancellationReason {
		case stripe.PaymentIntentCancellationReasonAbandoned, stripe.PaymentIntentCancellationReasonAutomatic:
			status = StatusExpired
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusProcessing:
		status = StatusPending
	}

	var capturedAt, refundedAt *time.Time
	var amountRefunded int64
	transactionID := ""

	if charge := intent.LatestCharge; charge != nil {
		transactionID = charge.ID
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
		}
		if charge.AmountRefunded > 0 {
			amountRefunded = charge.AmountRefunded
			t := time.Unix(charge.Created, 0).UTC()
			refundedAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			} else if status == StatusCaptured {
				status = StatusPartiallyRefunded
			}
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return Details{
		Provider:       "stripe",
		IntentID:       intent.ID,
		TransactionID:  transactionID,
		Status:         status,
		Amount:         intent.Amount,
		AmountRefunded: amountRefunded,
		Currency:       currency,
		CapturedAt:     capturedAt,
		RefundedAt:     refundedAt,
		Raw:            raw,
	}
}

func savedStripeMethod(pm *stripe.PaymentMethod) SavedPaymentMethod {
	if pm == nil {
		return SavedPaymentMethod{}
	}
	method := SavedPaymentMethod{Token: pm.ID}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		method.Brand = strings.ToLower(string(pm.Card.Brand))
		method.Last4 = strings.TrimSpace(pm.Card.Last4)
		method.ExpMonth = int(pm.Card.ExpMonth)
		method.ExpYear = int(pm.Card.ExpYear)
	}
	return method
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
