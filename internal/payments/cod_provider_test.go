package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestCODProvider(t *testing.T) *CODProvider {
	t.Helper()
	n := 0
	provider, err := NewCODProvider(CODProviderConfig{
		IDGenerator: func() string {
			n++
			return fmt.Sprintf("%d", n)
		},
		Clock: func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewCODProvider: %v", err)
	}
	return provider
}

func codIntentRequest() CreateIntentRequest {
	return CreateIntentRequest{
		OrderID:  "ord_1",
		Amount:   25000,
		Currency: "SAR",
		Customer: Customer{Name: "Huda", Phone: "+966500000001"},
		Shipping: &ShippingDetails{Line1: "12 King Fahd Rd", City: "Riyadh", Country: "SA"},
	}
}

func TestCODValidatePaymentData(t *testing.T) {
	provider := newTestCODProvider(t)

	cases := []struct {
		name    string
		mutate  func(*CreateIntentRequest)
		problem string
	}{
		{"valid", func(*CreateIntentRequest) {}, ""},
		{"zero amount", func(req *CreateIntentRequest) { req.Amount = 0 }, "greater than zero"},
		{"over ceiling", func(req *CreateIntentRequest) { req.Amount = 150000 }, "ceiling"},
		{"missing phone", func(req *CreateIntentRequest) { req.Customer.Phone = "  " }, "phone"},
		{"nil shipping", func(req *CreateIntentRequest) { req.Shipping = nil }, "shipping address"},
		{"blank address line", func(req *CreateIntentRequest) { req.Shipping.Line1 = "" }, "shipping address"},
		{"blank country", func(req *CreateIntentRequest) { req.Shipping.Country = "" }, "shipping address"},
	}
	for _, tc := range cases {
		req := codIntentRequest()
		tc.mutate(&req)
		problems := provider.ValidatePaymentData(req)
		if tc.problem == "" {
			if len(problems) != 0 {
				t.Fatalf("%s: problems = %v, want none", tc.name, problems)
			}
			continue
		}
		if !strings.Contains(strings.Join(problems, "; "), tc.problem) {
			t.Fatalf("%s: problems = %v, want one mentioning %q", tc.name, problems, tc.problem)
		}
	}
}

func TestCODCreateIntentRejectsInvalidData(t *testing.T) {
	provider := newTestCODProvider(t)
	req := codIntentRequest()
	req.Customer.Phone = ""

	if _, err := provider.CreateIntent(context.Background(), req); err == nil {
		t.Fatalf("expected validation error without a phone number")
	}
}

func TestCODIntentLifecycle(t *testing.T) {
	provider := newTestCODProvider(t)

	intent, err := provider.CreateIntent(context.Background(), codIntentRequest())
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if !strings.HasPrefix(intent.IntentID, "cod_") {
		t.Fatalf("intent id = %q, want cod_ prefix", intent.IntentID)
	}
	if intent.Status != StatusPending {
		t.Fatalf("status = %s, want pending", intent.Status)
	}

	details, err := provider.Confirm(context.Background(), ConfirmRequest{IntentID: intent.IntentID})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if details.Status != StatusCaptured || details.CapturedAt == nil {
		t.Fatalf("details = %+v, want captured with timestamp", details)
	}

	partial := int64(10000)
	details, err = provider.Refund(context.Background(), RefundRequest{IntentID: intent.IntentID, Amount: &partial})
	if err != nil {
		t.Fatalf("partial Refund: %v", err)
	}
	if details.Status != StatusPartiallyRefunded || details.AmountRefunded != 10000 {
		t.Fatalf("details = %s/%d, want partially_refunded/10000", details.Status, details.AmountRefunded)
	}

	details, err = provider.Refund(context.Background(), RefundRequest{IntentID: intent.IntentID})
	if err != nil {
		t.Fatalf("full Refund: %v", err)
	}
	if details.Status != StatusRefunded || details.AmountRefunded != 25000 {
		t.Fatalf("details = %s/%d, want refunded/25000", details.Status, details.AmountRefunded)
	}

	if _, err := provider.Confirm(context.Background(), ConfirmRequest{IntentID: intent.IntentID}); err == nil {
		t.Fatalf("expected error confirming a refunded intent")
	}
}

func TestCODCancelVoidsPendingIntent(t *testing.T) {
	provider := newTestCODProvider(t)
	intent, err := provider.CreateIntent(context.Background(), codIntentRequest())
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	details, err := provider.Cancel(context.Background(), intent.IntentID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if details.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", details.Status)
	}
	if _, err := provider.Confirm(context.Background(), ConfirmRequest{IntentID: intent.IntentID}); err == nil {
		t.Fatalf("expected error confirming a cancelled intent")
	}
}

func TestCODRefundRequiresCapture(t *testing.T) {
	provider := newTestCODProvider(t)
	intent, err := provider.CreateIntent(context.Background(), codIntentRequest())
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if _, err := provider.Refund(context.Background(), RefundRequest{IntentID: intent.IntentID}); err == nil {
		t.Fatalf("expected error refunding an uncollected intent")
	}
}

func TestCODUnknownIntent(t *testing.T) {
	provider := newTestCODProvider(t)
	if _, err := provider.GetStatus(context.Background(), "cod_missing"); err == nil {
		t.Fatalf("expected error for unknown intent")
	}
	if _, err := provider.HandleWebhook(context.Background(), []byte("{}"), nil); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

func TestCODInitializeAdjustsCeiling(t *testing.T) {
	provider := newTestCODProvider(t)
	if err := provider.Initialize(context.Background(), map[string]string{"max_amount": "50000", "fee": "2000"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	info := provider.Info()
	if info.MaxAmount != 50000 || info.FeeFixed != 2000 {
		t.Fatalf("info = %+v, want updated ceiling and fee", info)
	}

	req := codIntentRequest()
	req.Amount = 60000
	if problems := provider.ValidatePaymentData(req); len(problems) == 0 {
		t.Fatalf("expected ceiling problem for 60000 after reconfiguration")
	}

	if err := provider.Initialize(context.Background(), map[string]string{"max_amount": "nope"}); err == nil {
		t.Fatalf("expected error for malformed max_amount")
	}
}
