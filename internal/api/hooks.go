package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"

	"nutrisight/internal/external"
	"nutrisight/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Subscription
// events are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Stripe event types the webhook acts on. Everything else is acknowledged
// and ignored.
const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// SignupPublisher enqueues account-created events for the signup worker.
type SignupPublisher interface {
	PublishSignup(ctx context.Context, event types.SignupEvent) error
}

// PlanUpdater applies plan changes to the quota record.
type PlanUpdater interface {
	UpdatePlan(ctx context.Context, userID string, plan types.PlanTier) (*types.QuotaRecord, error)
}

// WebhookVerifier validates a Stripe webhook payload and returns the parsed
// event.
type WebhookVerifier interface {
	Verify(payload []byte, sigHeader string, secret string) (stripe.Event, error)
}

// HookHandler serves the inbound webhooks: the account-created hook from the
// auth provider and the subscription lifecycle hook from Stripe. Neither sits
// behind user auth; the Stripe hook is protected by signature verification
// and the account hook by network placement.
type HookHandler struct {
	signups  SignupPublisher
	quota    PlanUpdater
	verifier WebhookVerifier
	prices   external.PriceMap
	secret   types.SecretString
	logger   *slog.Logger
}

// NewHookHandler creates a HookHandler. Logger may be nil.
func NewHookHandler(signups SignupPublisher, quota PlanUpdater, verifier WebhookVerifier, prices external.PriceMap, secret types.SecretString, logger *slog.Logger) *HookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookHandler{
		signups:  signups,
		quota:    quota,
		verifier: verifier,
		prices:   prices,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *HookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/hooks/account-created", h.AccountCreated)
	r.Post("/hooks/stripe", h.Stripe)
}

// accountCreatedRequest is the request body for POST /v1/hooks/account-created.
type accountCreatedRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	InitialPlan string `json:"initial_plan,omitempty"`
}

// AccountCreated handles POST /v1/hooks/account-created: it validates the
// payload and enqueues a signup event for asynchronous provisioning. The
// response is 202 because provisioning happens in the worker; redeliveries
// are harmless since the provisioner is idempotent.
func (h *HookHandler) AccountCreated(w http.ResponseWriter, r *http.Request) {
	var req accountCreatedRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if req.UserID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEmail, "a valid email is required", err))
		return
	}

	plan := types.PlanTier(req.InitialPlan)
	if req.InitialPlan != "" && !plan.Valid() {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan tier: "+req.InitialPlan, nil))
		return
	}

	event := types.SignupEvent{
		UserID:      req.UserID,
		Email:       req.Email,
		Name:        req.Name,
		InitialPlan: plan,
		TraceID:     types.GetRequestID(r.Context()),
	}
	if err := h.signups.PublishSignup(r.Context(), event); err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{"status": "queued"}})
}

// stripeSubscription is the slice of a Stripe subscription object the plan
// sync needs. It is decoded from the event's raw payload.
type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Stripe handles POST /v1/hooks/stripe. It verifies the Stripe-Signature
// header, then syncs the user's plan from subscription lifecycle events:
// created/updated set the plan the price grants (unknown prices downgrade to
// free rather than granting anything), deleted reverts to free. Processing
// failures after signature verification are logged and acknowledged with 200
// so Stripe does not retry indefinitely.
func (h *HookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"), h.secret.Unmask())
	if err != nil {
		h.logger.Warn("stripe webhook signature verification failed",
			slog.String("error", err.Error()),
		)
		Error(w, r, err)
		return
	}

	h.logger.Info("processing stripe webhook event",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
	)

	if err := h.routeStripeEvent(r.Context(), &event); err != nil {
		// Acknowledge anyway; the failure is logged for investigation and a
		// later subscription event will converge the plan.
		h.logger.Error("stripe webhook processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// routeStripeEvent dispatches a verified event by type.
func (h *HookHandler) routeStripeEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		return h.syncSubscription(ctx, event)
	case eventSubscriptionDeleted:
		return h.revertToFree(ctx, event)
	default:
		h.logger.Info("ignoring unhandled stripe event type",
			slog.String("event_type", string(event.Type)),
		)
		return nil
	}
}

// syncSubscription applies the plan granted by an active subscription's
// price. Inactive subscriptions (past_due grace aside, anything not active
// or trialing) and unrecognized prices both resolve to the free plan.
func (h *HookHandler) syncSubscription(ctx context.Context, event *stripe.Event) error {
	sub, userID, err := h.decodeSubscription(event)
	if err != nil {
		return err
	}

	plan := types.PlanFree
	if sub.Status == "active" || sub.Status == "trialing" {
		if len(sub.Items.Data) > 0 {
			plan = h.prices.PlanForPrice(sub.Items.Data[0].Price.ID)
		}
	}

	if _, err := h.quota.UpdatePlan(ctx, userID, plan); err != nil {
		return fmt.Errorf("updating plan for user %s: %w", userID, err)
	}

	h.logger.Info("plan synced from stripe subscription",
		slog.String("user_id", userID),
		slog.String("subscription_id", sub.ID),
		slog.String("plan", string(plan)),
		slog.String("status", sub.Status),
	)
	return nil
}

// revertToFree handles subscription deletion: the user keeps their account
// but drops back to the free allotment.
func (h *HookHandler) revertToFree(ctx context.Context, event *stripe.Event) error {
	sub, userID, err := h.decodeSubscription(event)
	if err != nil {
		return err
	}

	if _, err := h.quota.UpdatePlan(ctx, userID, types.PlanFree); err != nil {
		return fmt.Errorf("reverting user %s to free plan: %w", userID, err)
	}

	h.logger.Info("plan reverted to free after subscription deletion",
		slog.String("user_id", userID),
		slog.String("subscription_id", sub.ID),
	)
	return nil
}

// decodeSubscription extracts the subscription object and its owning user
// from the event payload. The user ID comes from the subscription metadata
// written at checkout.
func (h *HookHandler) decodeSubscription(event *stripe.Event) (*stripeSubscription, string, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("decoding subscription from event %s: %w", event.ID, err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return nil, "", fmt.Errorf("event %s: subscription %s has no user_id metadata", event.ID, sub.ID)
	}
	return &sub, userID, nil
}
