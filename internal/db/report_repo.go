package db

import (
	"context"

	"nutrisight/internal/types"
)

// ReportRepo provides read-only aggregation over the analyses table for the
// reporting surface. It never writes and has no relationship to quota state.
type ReportRepo struct {
	db DBTX
}

// NewReportRepo creates a new ReportRepo backed by the given database
// connection (pool or transaction).
func NewReportRepo(db DBTX) *ReportRepo {
	return &ReportRepo{db: db}
}

// AverageHealthScore returns the mean health score and analysis count for the
// user. A user with no analyses yields (0, 0) rather than an error.
func (r *ReportRepo) AverageHealthScore(ctx context.Context, userID string) (float64, int, error) {
	row := r.db.QueryRow(ctx,
		`SELECT COALESCE(AVG(health_score), 0), COUNT(*)
		 FROM analyses
		 WHERE user_id = $1`,
		userID,
	)

	var avg float64
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate health scores", err)
	}
	return avg, count, nil
}
