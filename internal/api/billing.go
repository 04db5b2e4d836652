package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nutrisight/internal/types"
)

// BillingService abstracts the payment provider interactions the billing
// endpoints need.
type BillingService interface {
	// CreateCheckoutSession returns a hosted checkout URL for upgrading to
	// the given plan.
	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, successURL, cancelURL string) (string, error)

	// CreatePortalSession returns a self-serve billing portal URL.
	CreatePortalSession(ctx context.Context, userID string, returnURL string) (string, error)
}

// BillingHandler serves checkout and portal session creation. Redirect URLs
// are built server-side from the configured frontend origin so the API never
// redirects to a caller-supplied URL.
type BillingHandler struct {
	service     BillingService
	frontendURL string
	logger      *slog.Logger
}

// NewBillingHandler creates a BillingHandler. Logger may be nil.
func NewBillingHandler(service BillingService, frontendURL string, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		service:     service,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/{userID}/checkout", h.CreateCheckout)
	r.Post("/billing/{userID}/portal", h.CreatePortal)
}

// createCheckoutRequest is the request body for POST /v1/billing/{userID}/checkout.
type createCheckoutRequest struct {
	Plan types.PlanTier `json:"plan"`
}

// checkoutResponse is the response for POST /v1/billing/{userID}/checkout.
type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// portalResponse is the response for POST /v1/billing/{userID}/portal.
type portalResponse struct {
	PortalURL string `json:"portal_url"`
}

// CreateCheckout handles POST /v1/billing/{userID}/checkout. Only paid plans
// are checkout targets; the free plan is what a deleted subscription reverts
// to, never something purchased.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	var req createCheckoutRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if !req.Plan.Valid() || req.Plan == types.PlanFree {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan must be a paid tier", nil))
		return
	}

	successURL := h.frontendURL + "/account/billing?checkout=success"
	cancelURL := h.frontendURL + "/pricing?checkout=cancelled"

	checkoutURL, err := h.service.CreateCheckoutSession(r.Context(), userID, req.Plan, successURL, cancelURL)
	if err != nil {
		Error(w, r, err)
		return
	}

	h.logger.Info("checkout session created",
		slog.String("user_id", userID),
		slog.String("plan", string(req.Plan)),
	)

	JSON(w, r, http.StatusCreated, APIResponse{Data: checkoutResponse{CheckoutURL: checkoutURL}})
}

// CreatePortal handles POST /v1/billing/{userID}/portal.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	portalURL, err := h.service.CreatePortalSession(r.Context(), userID, h.frontendURL+"/account/billing")
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusCreated, APIResponse{Data: portalResponse{PortalURL: portalURL}})
}
