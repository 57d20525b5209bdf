package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const tabbyDefaultBase = "https://api.tabby.ai"

// TabbyProviderConfig configures the TabbyProvider.
type TabbyProviderConfig struct {
	SecretKey     string
	MerchantCode  string
	WebhookSecret string
	BaseURL       string
	TestMode      bool
	HTTPClient    *http.Client
	Logger        Logger
	Clock         func() time.Time
}

// TabbyProvider implements the Provider interface for pay-in-installments
// checkout through the Tabby REST API.
type TabbyProvider struct {
	secretKey    string
	merchantCode string
	baseURL      string
	http         *http.Client
	logger       Logger
	clock        func() time.Time

	mu            sync.RWMutex
	webhookSecret string
	testMode      bool
}

// NewTabbyProvider constructs a Tabby Provider using the given configuration.
func NewTabbyProvider(cfg TabbyProviderConfig) (*TabbyProvider, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, errors.New("tabby: secret key is required")
	}
	merchantCode := strings.TrimSpace(cfg.MerchantCode)
	if merchantCode == "" {
		return nil, errors.New("tabby: merchant code is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = tabbyDefaultBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &TabbyProvider{
		secretKey:     secretKey,
		merchantCode:  merchantCode,
		baseURL:       base,
		http:          httpClient,
		logger:        logger,
		clock:         func() time.Time { return clock().UTC() },
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		testMode:      cfg.TestMode,
	}, nil
}

// Initialize applies gateway options from store settings.
func (p *TabbyProvider) Initialize(ctx context.Context, options map[string]string) error {
	if p == nil {
		return errors.New("tabby: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if secret := strings.TrimSpace(options["webhook_secret"]); secret != "" {
		p.webhookSecret = secret
	}
	if code := strings.TrimSpace(options["merchant_code"]); code != "" {
		p.merchantCode = code
	}
	if mode := strings.TrimSpace(options["test_mode"]); mode != "" {
		p.testMode = mode == "true"
	}
	return nil
}

// TestConnection exercises the payments listing endpoint with the
// configured key.
func (p *TabbyProvider) TestConnection(ctx context.Context) error {
	if p == nil {
		return errors.New("tabby: provider is nil")
	}
	status, err := p.do(ctx, http.MethodGet, "/api/v2/payments?limit=1", nil, nil)
	if err != nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		return fmt.Errorf("tabby: credentials rejected: %w", err)
	}
	return err
}

func (p *TabbyProvider) do(ctx context.Context, method, path string, in any, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("tabby: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("tabby: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tabby: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("tabby: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("tabby: %s %s returned %d: %s", method, path, resp.StatusCode, truncateBody(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("tabby: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type tabbyPayment struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Captures []struct {
		ID     string `json:"id"`
		Amount string `json:"amount"`
	} `json:"captures"`
	Refunds []struct {
		ID     string `json:"id"`
		Amount string `json:"amount"`
	} `json:"refunds"`
}

// CreateIntent opens a Tabby checkout session.
func (p *TabbyProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("tabby: provider is nil")
	}
	if problems := p.ValidatePaymentData(req); len(problems) > 0 {
		return Intent{}, fmt.Errorf("tabby: invalid payment data: %s", strings.Join(problems, "; "))
	}

	p.mu.RLock()
	merchantCode := p.merchantCode
	p.mu.RUnlock()

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	payload := map[string]any{
		"lang":          "ar",
		"merchant_code": merchantCode,
		"payment": map[string]any{
			"amount":   formatMinorAmount(req.Amount),
			"currency": currency,
			"buyer": map[string]any{
				"name":  req.Customer.Name,
				"email": req.Customer.Email,
				"phone": req.Customer.Phone,
			},
			"order": map[string]any{
				"reference_id": defaultString(req.OrderNumber, req.OrderID),
			},
		},
		"merchant_urls": map[string]any{
			"success": req.ReturnURL,
			"cancel":  req.CancelURL,
			"failure": req.CancelURL,
		},
	}

	var response struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		Payment       tabbyPayment
		Configuration struct {
			AvailableProducts struct {
				Installments []struct {
					WebURL string `json:"web_url"`
				} `json:"installments"`
			} `json:"available_products"`
		} `json:"configuration"`
	}
	if _, err := p.do(ctx, http.MethodPost, "/api/v2/checkout", payload, &response); err != nil {
		return Intent{}, err
	}

	intentID := response.Payment.ID
	if intentID == "" {
		intentID = response.ID
	}
	redirectURL := ""
	if installments := response.Configuration.AvailableProducts.Installments; len(installments) > 0 {
		redirectURL = installments[0].WebURL
	}
	if strings.EqualFold(response.Status, "rejected") {
		return Intent{}, errors.New("tabby: checkout rejected for this buyer")
	}

	p.logger(ctx, "payments.tabby.checkout.created", map[string]any{
		"tabbyPayment": intentID,
		"orderId":      req.OrderID,
		"status":       response.Status,
	})

	return Intent{
		Provider:    "tabby",
		IntentID:    intentID,
		RedirectURL: redirectURL,
		Status:      tabbyStatus(defaultString(response.Payment.Status, response.Status)),
		Amount:      req.Amount,
		Currency:    currency,
		ExpiresAt:   p.clock().Add(time.Hour),
	}, nil
}

// Confirm captures an authorized Tabby payment.
func (p *TabbyProvider) Confirm(ctx context.Context, req ConfirmRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("tabby: provider is nil")
	}
	current, err := p.GetStatus(ctx, req.IntentID)
	if err != nil {
		return Details{}, err
	}
	payload := map[string]any{
		"amount": formatMinorAmount(current.Amount),
	}
	path := fmt.Sprintf("/api/v2/payments/%s/captures", req.IntentID)
	if _, err := p.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return Details{}, err
	}
	p.logger(ctx, "payments.tabby.payment.captured", map[string]any{
		"tabbyPayment": req.IntentID,
	})
	return p.GetStatus(ctx, req.IntentID)
}

// Cancel closes an uncaptured Tabby payment.
func (p *TabbyProvider) Cancel(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("tabby: provider is nil")
	}
	path := fmt.Sprintf("/api/v2/payments/%s/close", intentID)
	if _, err := p.do(ctx, http.MethodPut, path, struct{}{}, nil); err != nil {
		return Details{}, err
	}
	p.logger(ctx, "payments.tabby.payment.closed", map[string]any{
		"tabbyPayment": intentID,
	})
	details, err := p.GetStatus(ctx, intentID)
	if err != nil {
		return Details{}, err
	}
	if details.Status != StatusCaptured && details.Status != StatusRefunded {
		details.Status = StatusCancelled
	}
	return details, nil
}

// Refund refunds a captured Tabby payment, fully or partially.
func (p *TabbyProvider) Refund(ctx context.Context, req RefundRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("tabby: provider is nil")
	}
	amount := req.Amount
	if amount == nil {
		current, err := p.GetStatus(ctx, req.IntentID)
		if err != nil {
			return Details{}, err
		}
		amount = &current.Amount
	}
	payload := map[string]any{
		"amount": formatMinorAmount(*amount),
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		payload["comment"] = reason
	}
	path := fmt.Sprintf("/api/v2/payments/%s/refunds", req.IntentID)
	if _, err := p.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return Details{}, err
	}
	p.logger(ctx, "payments.tabby.payment.refunded", map[string]any{
		"tabbyPayment": req.IntentID,
	})
	return p.GetStatus(ctx, req.IntentID)
}

// GetStatus retrieves and normalises a Tabby payment.
func (p *TabbyProvider) GetStatus(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("tabby: provider is nil")
	}
	var payment tabbyPayment
	path := fmt.Sprintf("/api/v2/payments/%s", intentID)
	if _, err := p.do(ctx, http.MethodGet, path, nil, &payment); err != nil {
		return Details{}, err
	}
	return tabbyDetails(payment), nil
}

func tabbyDetails(payment tabbyPayment) Details {
	details := Details{
		Provider: "tabby",
		IntentID: payment.ID,
		Status:   tabbyStatus(payment.Status),
		Currency: strings.ToUpper(payment.Currency),
	}
	if amount, err := parseMinorAmount(payment.Amount); err == nil {
		details.Amount = amount
	}
	for _, capture := range payment.Captures {
		details.TransactionID = capture.ID
	}
	for _, refund := range payment.Refunds {
		if amount, err := parseMinorAmount(refund.Amount); err == nil {
			details.AmountRefunded += amount
		}
	}
	if details.AmountRefunded > 0 {
		if details.Amount > 0 && details.AmountRefunded >= details.Amount {
			details.Status = StatusRefunded
		} else {
			details.Status = StatusPartiallyRefunded
		}
	}
	return details
}

// HandleWebhook verifies the HMAC signature header and normalises the event.
func (p *TabbyProvider) HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("tabby: provider is nil")
	}
	if err := p.VerifySignature(body, header.Get("X-Tabby-Signature")); err != nil {
		return WebhookEvent{}, err
	}

	var payment tabbyPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return WebhookEvent{}, fmt.Errorf("tabby: decode webhook: %w", err)
	}
	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)

	details := tabbyDetails(payment)
	if details.Status == StatusPending {
		p.logger(ctx, "payments.tabby.webhook.unmapped", map[string]any{
			"status": payment.Status,
		})
	}
	return WebhookEvent{
		Provider:  "tabby",
		Type:      "payment." + strings.ToLower(defaultString(payment.Status, "unknown")),
		IntentID:  payment.ID,
		Status:    details.Status,
		Amount:    details.Amount,
		Currency:  details.Currency,
		Raw:       raw,
		Timestamp: p.clock(),
	}, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the payload.
func (p *TabbyProvider) VerifySignature(body []byte, signature string) error {
	if p == nil {
		return errors.New("tabby: provider is nil")
	}
	p.mu.RLock()
	secret := p.webhookSecret
	p.mu.RUnlock()
	if secret == "" {
		return errors.New("tabby: webhook secret is not configured")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// CreateCustomer is not supported by the Tabby adapter.
func (p *TabbyProvider) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	return "", ErrNotSupported
}

// SavePaymentMethod is not supported by the Tabby adapter.
func (p *TabbyProvider) SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error) {
	return SavedPaymentMethod{}, ErrNotSupported
}

// ListPaymentMethods is not supported by the Tabby adapter.
func (p *TabbyProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error) {
	return nil, ErrNotSupported
}

// DeletePaymentMethod is not supported by the Tabby adapter.
func (p *TabbyProvider) DeletePaymentMethod(ctx context.Context, customerID, token string) error {
	return ErrNotSupported
}

// ValidatePaymentData reports problems that make the request unacceptable.
// Tabby requires buyer contact details and its installment floor.
func (p *TabbyProvider) ValidatePaymentData(req CreateIntentRequest) []string {
	var problems []string
	if req.Amount <= 0 {
		problems = append(problems, "amount must be greater than zero")
	}
	if req.Amount > 0 && req.Amount < p.Info().MinAmount {
		problems = append(problems, "amount is below the installment minimum")
	}
	if strings.TrimSpace(req.Currency) == "" {
		problems = append(problems, "currency is required")
	}
	if strings.TrimSpace(req.Customer.Email) == "" {
		problems = append(problems, "customer email is required for installments")
	}
	if strings.TrimSpace(req.Customer.Phone) == "" {
		problems = append(problems, "customer phone is required for installments")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		problems = append(problems, "order id is required")
	}
	return problems
}

// Info describes the Tabby adapter for selection scoring.
func (p *TabbyProvider) Info() Info {
	p.mu.RLock()
	testMode := p.testMode
	p.mu.RUnlock()
	return Info{
		Name:                 "tabby",
		DisplayName:          "Pay in Installments",
		Priority:             80,
		SupportedCurrencies:  []string{"SAR", "AED", "KWD", "BHD"},
		SupportedCountries:   []string{"SA", "AE", "KW", "BH"},
		MinAmount:            10000,
		FeePercent:           5.0,
		RequiresRedirect:     true,
		SupportsInstallments: true,
		TestMode:             testMode,
	}
}

func tabbyStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CREATED", "NEW":
		return StatusPending
	case "AUTHORIZED":
		return StatusAuthorized
	case "CLOSED":
		return StatusCaptured
	case "REJECTED":
		return StatusFailed
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusPending
	}
}
