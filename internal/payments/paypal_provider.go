package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	paypalLiveBase    = "https://api-m.paypal.com"
	paypalSandboxBase = "https://api-m.sandbox.paypal.com"
)

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	ClientID   string
	Secret     string
	WebhookID  string
	BaseURL    string
	TestMode   bool
	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// PayPalProvider implements the Provider interface over the PayPal
// Orders v2 REST API.
type PayPalProvider struct {
	clientID string
	secret   string
	baseURL  string
	http     *http.Client
	logger   Logger
	clock    func() time.Time

	mu        sync.Mutex
	webhookID string
	testMode  bool
	token     string
	tokenExp  time.Time
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	secret := strings.TrimSpace(cfg.Secret)
	if clientID == "" || secret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = paypalLiveBase
		if cfg.TestMode {
			base = paypalSandboxBase
		}
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

	return &PayPalProvider{
		clientID:  clientID,
		secret:    secret,
		baseURL:   base,
		http:      httpClient,
		logger:    logger,
		clock:     func() time.Time { return clock().UTC() },
		webhookID: strings.TrimSpace(cfg.WebhookID),
		testMode:  cfg.TestMode,
	}, nil
}

// Initialize applies gateway options from store settings.
func (p *PayPalProvider) Initialize(ctx context.Context, options map[string]string) error {
	if p == nil {
		return errors.New("paypal: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := strings.TrimSpace(options["webhook_id"]); id != "" {
		p.webhookID = id
	}
	if mode := strings.TrimSpace(options["test_mode"]); mode != "" {
		p.testMode = mode == "true"
	}
	return nil
}

// TestConnection exercises the OAuth token endpoint.
func (p *PayPalProvider) TestConnection(ctx context.Context) error {
	if p == nil {
		return errors.New("paypal: provider is nil")
	}
	_, err := p.accessToken(ctx)
	return err
}

// accessToken returns a cached OAuth token, refreshing when within a
// minute of expiry.
func (p *PayPalProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && p.clock().Add(time.Minute).Before(p.tokenExp) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("paypal: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("paypal: token response missing access_token")
	}

	p.mu.Lock()
	p.token = payload.AccessToken
	p.tokenExp = p.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	p.mu.Unlock()
	return payload.AccessToken, nil
}

func (p *PayPalProvider) do(ctx context.Context, method, path string, in any, out any) (int, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return 0, err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("paypal: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("paypal: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("paypal: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("paypal: %s %s returned %d: %s", method, path, resp.StatusCode, truncateBody(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("paypal: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string        `json:"reference_id"`
		Amount      *paypalAmount `json:"amount"`
		Payments    *struct {
			Captures []struct {
				ID     string        `json:"id"`
				Status string        `json:"status"`
				Amount *paypalAmount `json:"amount"`
			} `json:"captures"`
			Refunds []struct {
				ID     string        `json:"id"`
				Amount *paypalAmount `json:"amount"`
			} `json:"refunds"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreateIntent opens a PayPal order with capture intent.
func (p *PayPalProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("paypal: provider is nil")
	}
	if problems := p.ValidatePaymentData(req); len(problems) > 0 {
		return Intent{}, fmt.Errorf("paypal: invalid payment data: %s", strings.Join(problems, "; "))
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.OrderID,
			"custom_id":    req.OrderID,
			"description":  defaultString(req.Description, req.OrderNumber),
			"amount": paypalAmount{
				CurrencyCode: currency,
				Value:        formatMinorAmount(req.Amount),
			},
		}},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		payload["application_context"] = map[string]any{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		}
	}

	var order paypalOrder
	if _, err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &order); err != nil {
		return Intent{}, err
	}

	approveURL := ""
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approveURL = link.Href
			break
		}
	}

	p.logger(ctx, "payments.paypal.order.created", map[string]any{
		"paypalOrder": order.ID,
		"orderId":     req.OrderID,
		"status":      order.Status,
	})

	return Intent{
		Provider:    "paypal",
		IntentID:    order.ID,
		RedirectURL: approveURL,
		Status:      paypalStatus(order.Status),
		Amount:      req.Amount,
		Currency:    currency,
		ExpiresAt:   p.clock().Add(3 * time.Hour),
	}, nil
}

// Confirm captures an approved PayPal order.
func (p *PayPalProvider) Confirm(ctx context.Context, req ConfirmRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("paypal: provider is nil")
	}
	var order paypalOrder
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", req.IntentID)
	if _, err := p.do(ctx, http.MethodPost, path, struct{}{}, &order); err != nil {
		return Details{}, err
	}
	p.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"paypalOrder": order.ID,
		"status":      order.Status,
	})
	return p.details(order), nil
}

// Cancel marks the order abandoned. PayPal orders cannot be voided over
// the API before approval; uncaptured orders simply expire.
func (p *PayPalProvider) Cancel(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("paypal: provider is nil")
	}
	details, err := p.GetStatus(ctx, intentID)
	if err != nil {
		return Details{}, err
	}
	if details.Status == StatusCaptured {
		return Details{}, errors.New("paypal: captured order must be refunded, not cancelled")
	}
	details.Status = StatusCancelled
	p.logger(ctx, "payments.paypal.order.cancelled", map[string]any{
		"paypalOrder": intentID,
	})
	return details, nil
}

// Refund refunds the capture behind the order, fully or partially.
func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (Details, error) {
	if p == nil {
		return Details{}, errors.New("paypal: provider is nil")
	}
	details, err := p.GetStatus(ctx, req.IntentID)
	if err != nil {
		return Details{}, err
	}
	if details.TransactionID == "" {
		return Details{}, errors.New("paypal: order has no capture to refund")
	}

	payload := map[string]any{}
	if req.Amount != nil {
		payload["amount"] = paypalAmount{
			CurrencyCode: details.Currency,
			Value:        formatMinorAmount(*req.Amount),
		}
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		payload["note_to_payer"] = reason
	}
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", details.TransactionID)
	if _, err := p.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return Details{}, err
	}
	p.logger(ctx, "payments.paypal.capture.refunded", map[string]any{
		"paypalOrder": req.IntentID,
		"capture":     details.TransactionID,
	})
	return p.GetStatus(ctx, req.IntentID)
}

// GetStatus retrieves and normalises a PayPal order.
func (p *PayPalProvider) GetStatus(ctx context.Context, intentID string) (Details, error) {
	if p == nil {
		return Details{}, errors.New("paypal: provider is nil")
	}
	var order paypalOrder
	path := fmt.Sprintf("/v2/checkout/orders/%s", intentID)
	if _, err := p.do(ctx, http.MethodGet, path, nil, &order); err != nil {
		return Details{}, err
	}
	return p.details(order), nil
}

func (p *PayPalProvider) details(order paypalOrder) Details {
	details := Details{
		Provider: "paypal",
		IntentID: order.ID,
		Status:   paypalStatus(order.Status),
	}
	for _, unit := range order.PurchaseUnits {
		if unit.Amount != nil {
			details.Currency = strings.ToUpper(unit.Amount.CurrencyCode)
			if amount, err := parseMinorAmount(unit.Amount.Value); err == nil {
				details.Amount = amount
			}
		}
		if unit.Payments == nil {
			continue
		}
		for _, capture := range unit.Payments.Captures {
			details.TransactionID = capture.ID
			if capture.Amount != nil {
				if amount, err := parseMinorAmount(capture.Amount.Value); err == nil {
					details.Amount = amount
				}
			}
		}
		for _, refund := range unit.Payments.Refunds {
			if refund.Amount != nil {
				if amount, err := parseMinorAmount(refund.Amount.Value); err == nil {
					details.AmountRefunded += amount
				}
			}
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

// HandleWebhook verifies the event with PayPal's verification endpoint
// and normalises it.
func (p *PayPalProvider) HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("paypal: provider is nil")
	}
	p.mu.Lock()
	webhookID := p.webhookID
	p.mu.Unlock()
	if webhookID == "" {
		return WebhookEvent{}, errors.New("paypal: webhook id is not configured")
	}

	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("paypal: decode webhook: %w", err)
	}

	verification := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        webhookID,
		"webhook_event":     event,
	}
	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", verification, &result); err != nil {
		return WebhookEvent{}, err
	}
	if result.VerificationStatus != "SUCCESS" {
		return WebhookEvent{}, ErrInvalidSignature
	}

	eventType, _ := event["event_type"].(string)
	out := WebhookEvent{
		Provider:  "paypal",
		Type:      eventType,
		Raw:       event,
		Timestamp: p.clock(),
	}
	if resource, ok := event["resource"].(map[string]any); ok {
		// Capture events carry the order id in supplementary_data; order
		// events carry it directly.
		if id, ok := resource["id"].(string); ok {
			out.IntentID = id
		}
		if supp, ok := resource["supplementary_data"].(map[string]any); ok {
			if related, ok := supp["related_ids"].(map[string]any); ok {
				if orderID, ok := related["order_id"].(string); ok && orderID != "" {
					out.IntentID = orderID
				}
			}
		}
		if amount, ok := resource["amount"].(map[string]any); ok {
			if value, ok := amount["value"].(string); ok {
				if minor, err := parseMinorAmount(value); err == nil {
					out.Amount = minor
				}
			}
			if code, ok := amount["currency_code"].(string); ok {
				out.Currency = strings.ToUpper(code)
			}
		}
	}

	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Status = StatusCaptured
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Status = StatusFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Status = StatusRefunded
	case "CHECKOUT.ORDER.APPROVED":
		out.Status = StatusAuthorized
	default:
		out.Status = StatusPending
		p.logger(ctx, "payments.paypal.webhook.unmapped", map[string]any{
			"type": eventType,
		})
	}
	return out, nil
}

// VerifySignature is not usable standalone for PayPal; verification
// needs the full header set, handled in HandleWebhook.
func (p *PayPalProvider) VerifySignature(body []byte, signature string) error {
	return ErrNotSupported
}

// CreateCustomer is not supported by the PayPal adapter.
func (p *PayPalProvider) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	return "", ErrNotSupported
}

// SavePaymentMethod is not supported by the PayPal adapter.
func (p *PayPalProvider) SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error) {
	return SavedPaymentMethod{}, ErrNotSupported
}

// ListPaymentMethods is not supported by the PayPal adapter.
func (p *PayPalProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error) {
	return nil, ErrNotSupported
}

// DeletePaymentMethod is not supported by the PayPal adapter.
func (p *PayPalProvider) DeletePaymentMethod(ctx context.Context, customerID, token string) error {
	return ErrNotSupported
}

// ValidatePaymentData reports problems that make the request unacceptable.
func (p *PayPalProvider) ValidatePaymentData(req CreateIntentRequest) []string {
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

// Info describes the PayPal adapter for selection scoring.
func (p *PayPalProvider) Info() Info {
	p.mu.Lock()
	testMode := p.testMode
	p.mu.Unlock()
	return Info{
		Name:                "paypal",
		DisplayName:         "PayPal",
		Priority:            90,
		SupportedCurrencies: []string{"USD", "EUR", "GBP", "SAR", "AED"},
		MinAmount:           100,
		FeePercent:          3.4,
		FeeFixed:            130,
		RequiresRedirect:    true,
		TestMode:            testMode,
	}
}

func paypalStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		return StatusPending
	case "APPROVED":
		return StatusAuthorized
	case "COMPLETED":
		return StatusCaptured
	case "VOIDED":
		return StatusCancelled
	default:
		return StatusPending
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
