package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"nutrisight/internal/types"
)

// QuotaRepo provides data access for the quota_records table. It is the
// engine's Quota Store: the provisioner creates records through it, external
// usage and plan mutations land through it, and the change feed listener
// reads through it.
//
// Usage increments are store-side atomic (a single UPDATE with an arithmetic
// expression); the engine never reads scans_used, adds, and writes back.
type QuotaRepo struct {
	db DBTX
}

// NewQuotaRepo creates a new QuotaRepo backed by the given database
// connection (pool or transaction).
func NewQuotaRepo(db DBTX) *QuotaRepo {
	return &QuotaRepo{db: db}
}

// Get returns the quota record for the given user, or a not-found AppError.
func (r *QuotaRepo) Get(ctx context.Context, userID string) (*types.QuotaRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT user_id, plan_tier, scans_used, allotment, created_at, updated_at
		 FROM quota_records
		 WHERE user_id = $1`,
		userID,
	)

	var rec types.QuotaRecord
	err := row.Scan(
		&rec.UserID,
		&rec.PlanTier,
		&rec.ScansUsed,
		&rec.Allotment,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch quota record", err)
	}

	return &rec, nil
}

// UpsertIfAbsent inserts the quota record if no row exists for the user and
// returns the stored record plus whether this call created it. A retry
// against an already-provisioned user is a no-op success that returns the
// existing record unchanged.
func (r *QuotaRepo) UpsertIfAbsent(ctx context.Context, rec *types.QuotaRecord) (*types.QuotaRecord, bool, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO quota_records (user_id, plan_tier, scans_used, allotment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING user_id, plan_tier, scans_used, allotment, created_at, updated_at`,
		rec.UserID,
		string(rec.PlanTier),
		rec.ScansUsed,
		rec.Allotment,
	)

	var stored types.QuotaRecord
	err := row.Scan(
		&stored.UserID,
		&stored.PlanTier,
		&stored.ScansUsed,
		&stored.Allotment,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		// Conflict path: the record already exists. Return it unchanged.
		existing, getErr := r.Get(ctx, rec.UserID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to provision quota record", err)
	}

	return &stored, true, nil
}

// IncrementUsage atomically adds count scans to the user's usage and returns
// the updated record. The UPDATE also notifies the quota change channel so
// listeners wake immediately.
func (r *QuotaRepo) IncrementUsage(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
	if count <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidCount, "usage increment must be positive", nil)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE quota_records
		 SET scans_used = scans_used + $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING user_id, plan_tier, scans_used, allotment, created_at, updated_at,
		           pg_notify($3, json_build_object('user_id', user_id, 'updated_at', updated_at)::text)`,
		userID,
		count,
		QuotaChangeChannel,
	)

	rec, err := scanQuotaWithNotify(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}

	return rec, nil
}

// UpdatePlan sets the user's plan tier and returns the updated record,
// notifying the quota change channel in the same statement. Plan changes in
// either direction go through here; the escalator stays silent on
// replenishment by construction.
func (r *QuotaRepo) UpdatePlan(ctx context.Context, userID string, plan types.PlanTier) (*types.QuotaRecord, error) {
	if !plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan tier", nil).
			WithDetails(map[string]any{"plan_tier": string(plan)})
	}

	row := r.db.QueryRow(ctx,
		`UPDATE quota_records
		 SET plan_tier = $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING user_id, plan_tier, scans_used, allotment, created_at, updated_at,
		           pg_notify($3, json_build_object('user_id', user_id, 'updated_at', updated_at)::text)`,
		userID,
		string(plan),
		QuotaChangeChannel,
	)

	rec, err := scanQuotaWithNotify(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update plan tier", err)
	}

	return rec, nil
}

// scanQuotaWithNotify scans a quota row that carries a trailing pg_notify
// column (always NULL, present only for its side effect).
func scanQuotaWithNotify(row pgx.Row) (*types.QuotaRecord, error) {
	var rec types.QuotaRecord
	var notify any
	err := row.Scan(
		&rec.UserID,
		&rec.PlanTier,
		&rec.ScansUsed,
		&rec.Allotment,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&notify,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
