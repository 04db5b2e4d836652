package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"nutrisight/internal/types"
)

// ProfileRepo provides data access for the user_profiles table, the auxiliary
// record created alongside the quota record at signup. Profile creation is
// deliberately independent of quota provisioning: a failure here is reported
// to the caller but never rolls back the quota record.
type ProfileRepo struct {
	db DBTX
}

// NewProfileRepo creates a new ProfileRepo backed by the given database
// connection (pool or transaction).
func NewProfileRepo(db DBTX) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// InsertIfAbsent creates the profile row if none exists for the user.
// Returns whether this call created it; an existing row is a no-op success.
func (r *ProfileRepo) InsertIfAbsent(ctx context.Context, p *types.UserProfile) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_profiles (user_id, email, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID,
		p.Email,
		p.DisplayName,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create user profile", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the profile for the given user, or a not-found AppError.
func (r *ProfileRepo) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	row := r.db.QueryRow(ctx,
		`SELECT user_id, email, display_name, COALESCE(stripe_customer_id, ''), created_at, updated_at
		 FROM user_profiles
		 WHERE user_id = $1`,
		userID,
	)

	var p types.UserProfile
	err := row.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.StripeCustomerID, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "user profile not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch user profile", err)
	}

	return &p, nil
}

// GetBillingInfo returns the Stripe customer ID and email for the user.
// The customer ID is empty until EnsureCustomer has run.
func (r *ProfileRepo) GetBillingInfo(ctx context.Context, userID string) (string, string, error) {
	row := r.db.QueryRow(ctx,
		`SELECT COALESCE(stripe_customer_id, ''), email
		 FROM user_profiles
		 WHERE user_id = $1`,
		userID,
	)

	var customerID, email string
	err := row.Scan(&customerID, &email)
	if err == pgx.ErrNoRows {
		return "", "", types.NewAppError(types.ErrCodeNotFoundProfile, "user profile not found", err)
	}
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to fetch billing info", err)
	}

	return customerID, email, nil
}

// UpdateStripeCustomerID records the Stripe customer associated with the user.
func (r *ProfileRepo) UpdateStripeCustomerID(ctx context.Context, userID string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_profiles
		 SET stripe_customer_id = $2, updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
		customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update stripe customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundProfile, "user profile not found", nil)
	}
	return nil
}
