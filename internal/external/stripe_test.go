package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nutrisight/internal/types"
)

// mockBillingLookup implements BillingLookup in memory.
type mockBillingLookup struct {
	customerID string
	email      string
	lookupErr  error

	updatedCustomerIDs []string
	updateErr          error
}

func (m *mockBillingLookup) GetBillingInfo(_ context.Context, _ string) (string, string, error) {
	if m.lookupErr != nil {
		return "", "", m.lookupErr
	}
	return m.customerID, m.email, nil
}

func (m *mockBillingLookup) UpdateStripeCustomerID(_ context.Context, _ string, customerID string) error {
	m.updatedCustomerIDs = append(m.updatedCustomerIDs, customerID)
	if m.updateErr != nil {
		return m.updateErr
	}
	m.customerID = customerID
	return nil
}

func testPrices() PriceMap {
	return NewPriceMap("price_pro_monthly", "price_pro_annual")
}

func newTestStripeClient(serverURL string, billing BillingLookup) *StripeClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"NutriSight-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewStripeClientWithBase(base, billing, StripeClientConfig{
		SecretKey: "sk_test_123",
		Prices:    testPrices(),
		BaseURL:   serverURL,
	})
}

func TestPriceMap(t *testing.T) {
	m := testPrices()

	if id, ok := m.PriceID(types.PlanPro); !ok || id != "price_pro_monthly" {
		t.Errorf("unexpected pro price: %q %v", id, ok)
	}
	if id, ok := m.PriceID(types.PlanProAnnual); !ok || id != "price_pro_annual" {
		t.Errorf("unexpected annual price: %q %v", id, ok)
	}
	if _, ok := m.PriceID(types.PlanFree); ok {
		t.Error("free plan must not have a price")
	}

	if plan := m.PlanForPrice("price_pro_monthly"); plan != types.PlanPro {
		t.Errorf("expected pro, got %s", plan)
	}
	if plan := m.PlanForPrice("price_unknown"); plan != types.PlanFree {
		t.Errorf("unknown price must map to free, got %s", plan)
	}
}

func TestEnsureCustomer_ReusesSearchMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_123" {
			t.Errorf("unexpected auth header %q", auth)
		}
		w.Write([]byte(`{"data":[{"id":"cus_existing"}],"has_more":false}`))
	}))
	defer server.Close()

	billing := &mockBillingLookup{email: "sam@example.com"}
	client := newTestStripeClient(server.URL, billing)

	customerID, err := client.EnsureCustomer(context.Background(), "user_1", "sam@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if customerID != "cus_existing" {
		t.Errorf("expected cus_existing, got %q", customerID)
	}
	if billing.customerID != "cus_existing" {
		t.Error("customer ID not persisted to profile")
	}
}

func TestEnsureCustomer_CreatesWhenNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			w.Write([]byte(`{"data":[],"has_more":false}`))
		case "/v1/customers":
			r.ParseForm()
			if got := r.PostForm.Get("metadata[user_id]"); got != "user_1" {
				t.Errorf("expected user_id metadata, got %q", got)
			}
			w.Write([]byte(`{"id":"cus_new","email":"sam@example.com"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	billing := &mockBillingLookup{}
	client := newTestStripeClient(server.URL, billing)

	customerID, err := client.EnsureCustomer(context.Background(), "user_1", "sam@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if customerID != "cus_new" {
		t.Errorf("expected cus_new, got %q", customerID)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		if got := r.PostForm.Get("line_items[0][price]"); got != "price_pro_monthly" {
			t.Errorf("expected pro price, got %q", got)
		}
		if got := r.PostForm.Get("client_reference_id"); got != "user_1" {
			t.Errorf("expected client_reference_id user_1, got %q", got)
		}
		if got := r.PostForm.Get("mode"); got != "subscription" {
			t.Errorf("expected subscription mode, got %q", got)
		}
		w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.com/c/cs_1"}`))
	}))
	defer server.Close()

	billing := &mockBillingLookup{customerID: "cus_1", email: "sam@example.com"}
	client := newTestStripeClient(server.URL, billing)

	checkoutURL, err := client.CreateCheckoutSession(context.Background(), "user_1", types.PlanPro,
		"https://app.nutrisight.app/upgraded", "https://app.nutrisight.app/pricing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(checkoutURL, "https://checkout.stripe.com/") {
		t.Errorf("unexpected checkout URL %q", checkoutURL)
	}
}

func TestCreateCheckoutSession_RejectsFreePlan(t *testing.T) {
	client := newTestStripeClient("http://unused.invalid", &mockBillingLookup{})

	_, err := client.CreateCheckoutSession(context.Background(), "user_1", types.PlanFree, "s", "c")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidPlan {
		t.Errorf("expected validation_invalid_plan, got %s", appErr.Code)
	}
}

func TestCreatePortalSession_RequiresCustomer(t *testing.T) {
	client := newTestStripeClient("http://unused.invalid", &mockBillingLookup{email: "sam@example.com"})

	_, err := client.CreatePortalSession(context.Background(), "user_1", "https://app.nutrisight.app/account")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeNotFoundProfile {
		t.Errorf("expected not_found_profile, got %s", appErr.Code)
	}
}

func TestStripeServerErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such customer"}}`))
	}))
	defer server.Close()

	billing := &mockBillingLookup{customerID: "cus_gone", email: "sam@example.com"}
	client := newTestStripeClient(server.URL, billing)

	_, err := client.CreatePortalSession(context.Background(), "user_1", "https://app.nutrisight.app/account")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("expected upstream_stripe_unavailable, got %s", appErr.Code)
	}
}

func TestStripeVerifier_MissingSignature(t *testing.T) {
	v := &StripeVerifier{}

	_, err := v.Verify([]byte(`{}`), "", "whsec_test")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeAuthSignatureMissing {
		t.Errorf("expected auth_signature_missing, got %s", appErr.Code)
	}
}

func TestStripeVerifier_BadSignature(t *testing.T) {
	v := &StripeVerifier{}

	_, err := v.Verify([]byte(`{}`), "t=1,v1=deadbeef", "whsec_test")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeAuthSignatureInvalid {
		t.Errorf("expected auth_signature_invalid, got %s", appErr.Code)
	}
}
