// Package report serves the read-only nutrition health summary. It aggregates
// over past analyses and is fully independent of quota accounting: a user's
// health report never changes their entitlement and vice versa.
package report

import (
	"context"
	"math"

	"nutrisight/internal/types"
)

// ScoreSource is the slice of the analysis store the reporter needs.
type ScoreSource interface {
	// AverageHealthScore returns the mean health score and the number of
	// analyses for the user. A user with no analyses yields (0, 0, nil).
	AverageHealthScore(ctx context.Context, userID string) (float64, int, error)
}

// HealthReporter computes per-user health summaries.
type HealthReporter struct {
	scores ScoreSource
}

// NewHealthReporter creates a HealthReporter over the given score source.
func NewHealthReporter(scores ScoreSource) *HealthReporter {
	return &HealthReporter{scores: scores}
}

// Report returns the user's health summary. The average is rounded to one
// decimal place for display.
func (r *HealthReporter) Report(ctx context.Context, userID string) (*types.HealthReport, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}

	avg, count, err := r.scores.AverageHealthScore(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &types.HealthReport{
		UserID:        userID,
		AverageScore:  math.Round(avg*10) / 10,
		AnalysisCount: count,
	}, nil
}
