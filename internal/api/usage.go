package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nutrisight/internal/entitlement"
	"nutrisight/internal/escalate"
	"nutrisight/internal/types"
)

// QuotaUsage is the write access the usage handler needs on quota records.
type QuotaUsage interface {
	// IncrementUsage atomically adds count to the user's scans_used and
	// returns the updated record.
	IncrementUsage(ctx context.Context, userID string, count int) (*types.QuotaRecord, error)
}

// ProfileReader resolves the email address needed for crossing notifications.
type ProfileReader interface {
	Get(ctx context.Context, userID string) (*types.UserProfile, error)
}

// CrossingPublisher enqueues tier-crossing messages for the email worker.
type CrossingPublisher interface {
	PublishCrossing(ctx context.Context, msg types.CrossingMessage) error
}

// UsageHandler records scan usage and detects tier crossings on the write
// path. The crossing check runs here, at the single place usage changes, so
// the escalator only ever sees genuine depleting transitions.
type UsageHandler struct {
	quota     QuotaUsage
	profiles  ProfileReader
	publisher CrossingPublisher
	calc      *entitlement.Calculator
	logger    *slog.Logger
}

// NewUsageHandler creates a UsageHandler. Logger may be nil.
func NewUsageHandler(quota QuotaUsage, profiles ProfileReader, publisher CrossingPublisher, calc *entitlement.Calculator, logger *slog.Logger) *UsageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageHandler{
		quota:     quota,
		profiles:  profiles,
		publisher: publisher,
		calc:      calc,
		logger:    logger,
	}
}

// RegisterRoutes mounts the usage endpoint.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/quota/{userID}/usage", h.RecordUsage)
}

// recordUsageRequest is the request body for POST /v1/quota/{userID}/usage.
// Count defaults to 1 when the body is empty or omits it.
type recordUsageRequest struct {
	Count int `json:"count"`
}

// RecordUsage handles POST /v1/quota/{userID}/usage. It increments the
// user's usage counter, returns the fresh entitlement view, and — when the
// increment crossed into a deeper quota tier — enqueues a crossing message
// for the notification pipeline. Publishing is best-effort: a queue failure
// is logged but never fails the usage write, which has already committed.
func (h *UsageHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	var req recordUsageRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		// An absent body means a single scan.
		var appErr *types.AppError
		if !errors.As(err, &appErr) || !errors.Is(appErr.Err, io.EOF) {
			Error(w, r, err)
			return
		}
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidCount, "count must be positive", nil))
		return
	}

	ctx := r.Context()
	rec, err := h.quota.IncrementUsage(ctx, userID, req.Count)
	if err != nil {
		Error(w, r, err)
		return
	}

	view, err := h.calc.Compute(rec)
	if err != nil {
		Error(w, r, err)
		return
	}

	h.publishCrossing(ctx, rec, view, req.Count)

	JSON(w, r, http.StatusOK, APIResponse{Data: view})
}

// publishCrossing reconstructs the pre-increment view, checks for a depleting
// tier crossing, and enqueues a crossing message when one occurred.
func (h *UsageHandler) publishCrossing(ctx context.Context, rec *types.QuotaRecord, current types.EntitlementView, count int) {
	before := *rec
	before.ScansUsed = rec.ScansUsed - count
	previous, err := h.calc.Compute(&before)
	if err != nil {
		h.logger.Error("failed to compute pre-increment view",
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
		return
	}

	tier, crossed := escalate.Crossed(previous, current)
	if !crossed {
		return
	}

	profile, err := h.profiles.Get(ctx, rec.UserID)
	if err != nil {
		h.logger.Error("tier crossing detected but profile lookup failed",
			slog.String("user_id", rec.UserID),
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := types.CrossingMessage{
		UserID:       rec.UserID,
		Email:        profile.Email,
		DisplayName:  profile.DisplayName,
		PreviousTier: previous.Tier,
		Tier:         tier,
		Remaining:    current.Remaining,
		ScansUsed:    rec.ScansUsed,
		Allotment:    rec.Allotment,
		UpdatedAt:    rec.UpdatedAt,
		TraceID:      types.GetRequestID(ctx),
	}
	if err := h.publisher.PublishCrossing(ctx, msg); err != nil {
		h.logger.Error("failed to publish tier crossing",
			slog.String("user_id", rec.UserID),
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("tier crossing published",
		slog.String("user_id", rec.UserID),
		slog.String("tier", string(tier)),
		slog.Int("remaining", current.Remaining),
	)
}
