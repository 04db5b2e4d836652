// Package types defines the shared domain model for the NutriSight
// entitlement engine: quota records, derived entitlement views, notification
// dispatch records, and the error and messaging vocabulary used across
// packages.
package types

import "time"

// RemainingUnlimited is the sentinel value for EntitlementView.Remaining when
// the plan grants unlimited scans.
const RemainingUnlimited = -1

// QuotaRecord is the durable per-user scan quota state. It is created exactly
// once by the provisioner at account creation and mutated only by usage
// increments and plan changes; the engine itself never performs
// read-modify-write on ScansUsed.
type QuotaRecord struct {
	UserID    string    `json:"user_id" db:"user_id"`
	PlanTier  PlanTier  `json:"plan_tier" db:"plan_tier"`
	ScansUsed int       `json:"scans_used" db:"scans_used"`
	Allotment int       `json:"allotment" db:"allotment"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EntitlementView is the derived, never-persisted snapshot of a user's scan
// entitlement. It is recomputed from the QuotaRecord on every read.
//
// UpdatedAt carries the source record's timestamp so consumers can discard
// out-of-order deliveries: an observer must never see a view computed from an
// older record after one computed from a newer record.
type EntitlementView struct {
	Remaining         int       `json:"remaining"`
	PercentUsed       int       `json:"percent_used"`
	IsUnlimited       bool      `json:"is_unlimited"`
	Tier              QuotaTier `json:"tier"`
	ShowUpgradePrompt bool      `json:"show_upgrade_prompt"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DispatchRecord is one row in the append-only notification dispatch log.
// Rows are never mutated: a send attempt appends either a sent or a failed
// row, and the escalator guarantees at most one sent row per (user, tier).
type DispatchRecord struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Tier         QuotaTier       `json:"tier" db:"tier"`
	Outcome      DispatchOutcome `json:"outcome" db:"outcome"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	SentAt       time.Time       `json:"sent_at" db:"sent_at"`
}

// UserProfile is the auxiliary profile record created alongside the quota
// record at signup. Its creation is independent of the quota record: failure
// of one never rolls back or blocks the other.
type UserProfile struct {
	UserID           string    `json:"user_id" db:"user_id"`
	Email            string    `json:"email" db:"email"`
	DisplayName      string    `json:"display_name" db:"display_name"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// HealthReport is the read-only analysis aggregate served by the reporting
// surface. It is unrelated to scan quota and never feeds the escalator.
type HealthReport struct {
	UserID        string  `json:"user_id"`
	AverageScore  float64 `json:"average_score"`
	AnalysisCount int     `json:"analysis_count"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
