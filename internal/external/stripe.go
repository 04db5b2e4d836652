package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"nutrisight/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests via
// StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// BillingLookup provides the minimal profile access StripeClient needs to
// resolve a user into a Stripe customer.
type BillingLookup interface {
	// GetBillingInfo returns the stripe_customer_id and email for the user.
	// The customer ID is empty when the user has never touched billing.
	GetBillingInfo(ctx context.Context, userID string) (stripeCustomerID string, email string, err error)

	// UpdateStripeCustomerID sets the stripe_customer_id for the user.
	UpdateStripeCustomerID(ctx context.Context, userID string, customerID string) error
}

// PriceMap translates between Stripe price IDs and plan tiers. It is built
// from configuration at startup.
type PriceMap struct {
	proPriceID       string
	proAnnualPriceID string
}

// NewPriceMap builds the price translation from the configured Stripe price
// IDs.
func NewPriceMap(proPriceID, proAnnualPriceID string) PriceMap {
	return PriceMap{proPriceID: proPriceID, proAnnualPriceID: proAnnualPriceID}
}

// PriceID returns the Stripe price for a paid plan tier, or false for free
// or unknown tiers.
func (m PriceMap) PriceID(plan types.PlanTier) (string, bool) {
	switch plan {
	case types.PlanPro:
		return m.proPriceID, true
	case types.PlanProAnnual:
		return m.proAnnualPriceID, true
	default:
		return "", false
	}
}

// PlanForPrice returns the plan tier a Stripe price grants. Unknown prices
// map to free so a misconfigured webhook can never grant unlimited scans.
func (m PriceMap) PlanForPrice(priceID string) types.PlanTier {
	switch priceID {
	case m.proPriceID:
		return types.PlanPro
	case m.proAnnualPriceID:
		return types.PlanProAnnual
	default:
		return types.PlanFree
	}
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	Prices    PriceMap
	BaseURL   string // override for testing
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient so
// all requests share the platform's circuit breaker, retries and error
// mapping, and tests can run against httptest.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	prices    PriceMap
	baseURL   string
	billing   BillingLookup
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(httpClient *http.Client, billing BillingLookup, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"NutriSight/1.0",
	)
	return NewStripeClientWithBase(base, billing, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a caller-supplied
// BaseClient. Used by tests that need to control retry timing.
func NewStripeClientWithBase(base *BaseClient, billing BillingLookup, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		prices:    cfg.Prices,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		billing:   billing,
		logger:    logger,
	}
}

// Prices exposes the configured price translation for webhook handling.
func (s *StripeClient) Prices() PriceMap {
	return s.prices
}

// EnsureCustomer retrieves or creates the Stripe customer for the user.
// Search-first prevents duplicate customers when the stored ID was lost:
//  1. Query the Stripe search API for metadata['user_id']
//  2. Reuse a match, otherwise create a customer tagged with the user ID
//  3. Persist the customer ID on the profile
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['user_id']:'%s'", userID))

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		s.storeCustomerID(ctx, userID, customerID)
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[user_id]", userID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	s.storeCustomerID(ctx, userID, customer.ID)
	return customer.ID, nil
}

// CreateCheckoutSession generates a Checkout URL for upgrading the user to a
// paid plan. The user ID rides along as client_reference_id and metadata so
// the subscription webhook can map the event back.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, successURL, cancelURL string) (string, error) {
	priceID, ok := s.prices.PriceID(plan)
	if !ok {
		return "", types.NewAppError(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q has no Stripe price", plan),
			nil,
		)
	}

	customerID, email, err := s.billing.GetBillingInfo(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		customerID, err = s.EnsureCustomer(ctx, userID, email)
		if err != nil {
			return "", err
		}
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", successURL)
	params.Set("cancel_url", cancelURL)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[plan]", string(plan))
	// Stamp the subscription itself so lifecycle webhooks can resolve the
	// user without a customer lookup.
	params.Set("subscription_data[metadata][user_id]", userID)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.URL, nil
}

// CreatePortalSession generates a Billing Portal URL for managing an
// existing subscription.
func (s *StripeClient) CreatePortalSession(ctx context.Context, userID string, returnURL string) (string, error) {
	customerID, _, err := s.billing.GetBillingInfo(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", types.NewAppError(
			types.ErrCodeNotFoundProfile,
			fmt.Sprintf("user %s has no Stripe customer; nothing to manage", userID),
			nil,
		)
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}

	return session.URL, nil
}

// storeCustomerID persists the customer ID; a write failure is logged, not
// fatal, since the search-first flow recovers it next time.
func (s *StripeClient) storeCustomerID(ctx context.Context, userID, customerID string) {
	if err := s.billing.UpdateStripeCustomerID(ctx, userID, customerID); err != nil {
		s.logger.WarnContext(ctx, "failed to persist stripe customer id",
			"user_id", userID,
			"customer_id", customerID,
			"error", err,
		)
	}
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeErrorResponse represents the JSON error body returned by Stripe.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleErrorResponse reads a Stripe error response and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
// AppErrors from the resilience layer already carry the right code and pass
// through untouched.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// Stripe response types for JSON deserialization.

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeVerifier validates webhook payloads with stripe-go's HMAC-SHA256
// signature checking, including its timestamp tolerance.
type StripeVerifier struct{}

// Verify checks the Stripe-Signature header against the signing secret and
// returns the parsed event. Signature failures come back as auth AppErrors.
func (v *StripeVerifier) Verify(payload []byte, sigHeader string, secret string) (stripe.Event, error) {
	if sigHeader == "" {
		return stripe.Event{}, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		)
	}

	event, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return stripe.Event{}, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"Stripe webhook signature verification failed",
			err,
		)
	}
	return event, nil
}
