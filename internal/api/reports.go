package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nutrisight/internal/types"
)

// HealthReportSource computes the nutrition analysis aggregate for a user.
type HealthReportSource interface {
	Report(ctx context.Context, userID string) (*types.HealthReport, error)
}

// ReportHandler serves the read-only nutrition health report.
type ReportHandler struct {
	reports HealthReportSource
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(reports HealthReportSource) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// RegisterRoutes mounts the report endpoint.
func (h *ReportHandler) RegisterRoutes(r chi.Router) {
	r.Get("/reports/{userID}/health", h.GetHealthReport)
}

// GetHealthReport handles GET /v1/reports/{userID}/health.
func (h *ReportHandler) GetHealthReport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	report, err := h.reports.Report(r.Context(), userID)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: report})
}
