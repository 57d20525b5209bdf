package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

type fakeProvider struct {
	info     Info
	problems []string
	lastOp   string
	details  Details
	intent   Intent
	event    WebhookEvent
	err      error
}

func (f *fakeProvider) Initialize(ctx context.Context, options map[string]string) error {
	f.lastOp = "initialize"
	return f.err
}

func (f *fakeProvider) TestConnection(ctx context.Context) error {
	f.lastOp = "testConnection"
	return f.err
}

func (f *fakeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	f.lastOp = "createIntent"
	return f.intent, f.err
}

func (f *fakeProvider) Confirm(ctx context.Context, req ConfirmRequest) (Details, error) {
	f.lastOp = "confirm"
	return f.details, f.err
}

func (f *fakeProvider) Cancel(ctx context.Context, intentID string) (Details, error) {
	f.lastOp = "cancel"
	return f.details, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (Details, error) {
	f.lastOp = "refund"
	return f.details, f.err
}

func (f *fakeProvider) GetStatus(ctx context.Context, intentID string) (Details, error) {
	f.lastOp = "getStatus"
	return f.details, f.err
}

func (f *fakeProvider) HandleWebhook(ctx context.Context, body []byte, header http.Header) (WebhookEvent, error) {
	f.lastOp = "handleWebhook"
	return f.event, f.err
}

func (f *fakeProvider) VerifySignature(body []byte, signature string) error {
	return f.err
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	return "", ErrNotSupported
}

func (f *fakeProvider) SavePaymentMethod(ctx context.Context, customerID, token string) (SavedPaymentMethod, error) {
	return SavedPaymentMethod{}, ErrNotSupported
}

func (f *fakeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]SavedPaymentMethod, error) {
	return nil, ErrNotSupported
}

func (f *fakeProvider) DeletePaymentMethod(ctx context.Context, customerID, token string) error {
	return ErrNotSupported
}

func (f *fakeProvider) ValidatePaymentData(req CreateIntentRequest) []string {
	return f.problems
}

func (f *fakeProvider) Info() Info {
	return f.info
}

func testRegistry() (map[string]Provider, map[string]*fakeProvider) {
	fakes := map[string]*fakeProvider{
		"stripe": {info: Info{Name: "stripe", Priority: 100, SupportedCurrencies: []string{"SAR", "USD"}}},
		"paypal": {info: Info{Name: "paypal", Priority: 90, SupportedCurrencies: []string{"USD", "EUR"}}},
		"tabby":  {info: Info{Name: "tabby", Priority: 80, SupportedCurrencies: []string{"SAR"}, MinAmount: 10000, SupportsInstallments: true}},
		"cod":    {info: Info{Name: "cod", Priority: 70, SupportedCurrencies: []string{"SAR"}, SupportedCountries: []string{"SA"}, MaxAmount: 100000}},
	}
	providers := make(map[string]Provider, len(fakes))
	for name, fake := range fakes {
		providers[name] = fake
	}
	return providers, fakes
}

func TestSelectProviderPrefersHighestPriority(t *testing.T) {
	providers, _ := testRegistry()
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	name, _, err := mgr.SelectProvider(context.Background(), CreateIntentRequest{
		Amount:   25000,
		Currency: "SAR",
		Shipping: &ShippingDetails{Country: "SA"},
	})
	if err != nil {
		t.Fatalf("select provider: %v", err)
	}
	if name != "stripe" {
		t.Fatalf("expected stripe to win, got %q", name)
	}
}

func TestSelectProviderCurrencyPenaltyChangesWinner(t *testing.T) {
	providers, _ := testRegistry()
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// EUR: stripe scores 100-50=50, paypal keeps 90.
	name, _, err := mgr.SelectProvider(context.Background(), CreateIntentRequest{
		Amount:   25000,
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("select provider: %v", err)
	}
	if name != "paypal" {
		t.Fatalf("expected paypal to win on EUR, got %q", name)
	}
}

func TestSelectProviderCODCeilingPenalty(t *testing.T) {
	cod := &fakeProvider{info: Info{Name: "cod", Priority: 70, MaxAmount: 100000}}
	mgr, err := NewManager(map[string]Provider{"cod": cod})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// 70 - 100 drops below zero, leaving no candidate.
	_, _, err = mgr.SelectProvider(context.Background(), CreateIntentRequest{
		Amount:   150000,
		Currency: "SAR",
	})
	if !errors.Is(err, ErrNoEligibleProvider) {
		t.Fatalf("expected ErrNoEligibleProvider, got %v", err)
	}
}

func TestSelectProviderInstallmentFloorPenalty(t *testing.T) {
	providers, _ := testRegistry()
	delete(providers, "stripe")
	delete(providers, "paypal")
	delete(providers, "cod")
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// Below the installment floor tabby still qualifies at 80-50=30.
	name, _, err := mgr.SelectProvider(context.Background(), CreateIntentRequest{
		Amount:   5000,
		Currency: "SAR",
	})
	if err != nil {
		t.Fatalf("select provider: %v", err)
	}
	if name != "tabby" {
		t.Fatalf("expected tabby, got %q", name)
	}
}

func TestSelectProviderExcludesValidatorRejections(t *testing.T) {
	providers, fakes := testRegistry()
	fakes["stripe"].problems = []string{"card declined region"}
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	name, _, err := mgr.SelectProvider(context.Background(), CreateIntentRequest{
		Amount:   25000,
		Currency: "SAR",
		Shipping: &ShippingDetails{Country: "SA"},
	})
	if err != nil {
		t.Fatalf("select provider: %v", err)
	}
	if name == "stripe" {
		t.Fatalf("expected stripe to be excluded by validator")
	}
}

func TestCreateIntentHonorsRequestedProvider(t *testing.T) {
	providers, fakes := testRegistry()
	fakes["tabby"].intent = Intent{IntentID: "tabby_1"}
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.CreateIntent(context.Background(), "tabby", CreateIntentRequest{
		Amount:   25000,
		Currency: "SAR",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Provider != "tabby" {
		t.Fatalf("expected provider 'tabby', got %q", intent.Provider)
	}
	if fakes["tabby"].lastOp != "createIntent" {
		t.Fatalf("expected tabby to handle the call")
	}
	if fakes["stripe"].lastOp != "" {
		t.Fatalf("expected stripe to remain unused")
	}
}

func TestCreateIntentRequestedProviderValidatorRejects(t *testing.T) {
	providers, fakes := testRegistry()
	fakes["cod"].problems = []string{"phone required"}
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.CreateIntent(context.Background(), "cod", CreateIntentRequest{Amount: 5000, Currency: "SAR"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if fakes["cod"].lastOp != "" {
		t.Fatalf("expected no gateway call after validation failure")
	}
}

func TestCreateIntentUnknownProvider(t *testing.T) {
	providers, _ := testRegistry()
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateIntent(context.Background(), "unknown", CreateIntentRequest{Amount: 5000, Currency: "SAR"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestProviderForIntentUsesStoredName(t *testing.T) {
	providers, _ := testRegistry()
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// Stored name wins even when the prefix points elsewhere.
	name, _, err := mgr.ProviderForIntent(context.Background(), "paypal", "pi_legacy")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "paypal" {
		t.Fatalf("expected stored provider 'paypal', got %q", name)
	}
}

func TestProviderForIntentPrefixFallback(t *testing.T) {
	providers, _ := testRegistry()
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	cases := map[string]string{
		"pi_123":    "stripe",
		"PAY-123":   "paypal",
		"tabby_123": "tabby",
		"cod_123":   "cod",
	}
	for intentID, want := range cases {
		name, _, err := mgr.ProviderForIntent(context.Background(), "", intentID)
		if err != nil {
			t.Fatalf("resolve %s: %v", intentID, err)
		}
		if name != want {
			t.Fatalf("intent %s: expected %q, got %q", intentID, want, name)
		}
	}
}

func TestProviderForIntentProbesAsLastResort(t *testing.T) {
	providers, fakes := testRegistry()
	for _, fake := range fakes {
		fake.err = errors.New("not mine")
	}
	fakes["paypal"].err = nil
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	name, _, err := mgr.ProviderForIntent(context.Background(), "", "legacy-opaque-id")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "paypal" {
		t.Fatalf("expected probe to land on paypal, got %q", name)
	}
}

func TestProviderForIntentUnknown(t *testing.T) {
	providers, fakes := testRegistry()
	for _, fake := range fakes {
		fake.err = errors.New("not mine")
	}
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, _, err = mgr.ProviderForIntent(context.Background(), "", "legacy-opaque-id")
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestHandleWebhookRoutesByName(t *testing.T) {
	providers, fakes := testRegistry()
	fakes["stripe"].event = WebhookEvent{Provider: "stripe", Status: StatusCaptured}
	mgr, err := NewManager(providers)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	event, err := mgr.HandleWebhook(context.Background(), "stripe", []byte("{}"), http.Header{})
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if event.Status != StatusCaptured {
		t.Fatalf("unexpected status %q", event.Status)
	}
	if fakes["stripe"].lastOp != "handleWebhook" {
		t.Fatalf("expected stripe to handle the webhook")
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
