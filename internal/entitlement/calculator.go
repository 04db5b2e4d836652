// Package entitlement computes the derived entitlement view for a quota
// record. The calculator is the single source of truth for remaining-scan
// math and tier classification; every consumer (dashboard API, change feed,
// escalator) goes through it so the formulas cannot drift.
package entitlement

import (
	"nutrisight/internal/config"
	"nutrisight/internal/types"
)

// Thresholds defines the tier boundaries for quota classification. The values
// are product configuration, not algorithm constants: they arrive from
// config.QuotaConfig so they can be tuned without touching Compute.
type Thresholds struct {
	// FreeAllotment is the scan allotment granted to new free-plan records.
	FreeAllotment int

	// LowRemaining is the inclusive remaining-scans bound for the low tier.
	LowRemaining int

	// CriticalRemaining is the inclusive remaining-scans bound for the
	// critical tier.
	CriticalRemaining int
}

// DefaultThresholds returns the observed product defaults: 50 free scans,
// low at <=10 remaining, critical at <=5.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FreeAllotment:     50,
		LowRemaining:      10,
		CriticalRemaining: 5,
	}
}

// ThresholdsFromConfig maps the loaded quota configuration into Thresholds.
func ThresholdsFromConfig(cfg config.QuotaConfig) Thresholds {
	return Thresholds{
		FreeAllotment:     cfg.FreeAllotment,
		LowRemaining:      cfg.LowRemaining,
		CriticalRemaining: cfg.CriticalRemaining,
	}
}

// Calculator derives EntitlementViews from QuotaRecords. It is pure: Compute
// never waits, never touches storage, and has no side effects.
type Calculator struct {
	thresholds Thresholds
}

// NewCalculator creates a Calculator with the given thresholds.
func NewCalculator(t Thresholds) *Calculator {
	return &Calculator{thresholds: t}
}

// Compute maps a quota record to its derived view.
//
// Unlimited plans short-circuit: remaining is the unlimited sentinel, percent
// used is 0, tier is plenty regardless of usage. Free-plan math clamps:
// over-usage (ScansUsed > Allotment) yields remaining 0 and percent 100
// rather than an error.
//
// The only failure is a malformed record (negative allotment), reported as a
// validation AppError.
func (c *Calculator) Compute(rec *types.QuotaRecord) (types.EntitlementView, error) {
	if rec.Allotment < 0 {
		return types.EntitlementView{}, types.NewAppError(
			types.ErrCodeValidationNegativeAllotment,
			"quota record has negative allotment",
			nil,
		).WithDetails(map[string]any{"user_id": rec.UserID, "allotment": rec.Allotment})
	}

	if rec.PlanTier.IsUnlimited() {
		return types.EntitlementView{
			Remaining:   types.RemainingUnlimited,
			PercentUsed: 0,
			IsUnlimited: true,
			Tier:        types.TierPlenty,
			UpdatedAt:   rec.UpdatedAt,
		}, nil
	}

	remaining := rec.Allotment - rec.ScansUsed
	if remaining < 0 {
		remaining = 0
	}

	percent := 100
	if rec.Allotment > 0 {
		percent = (100*rec.ScansUsed + rec.Allotment/2) / rec.Allotment
		if percent > 100 {
			percent = 100
		}
	}

	tier := c.Classify(remaining)

	return types.EntitlementView{
		Remaining:         remaining,
		PercentUsed:       percent,
		IsUnlimited:       false,
		Tier:              tier,
		ShowUpgradePrompt: tier != types.TierPlenty,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}

// Classify maps a remaining-scan count to its quota tier.
func (c *Calculator) Classify(remaining int) types.QuotaTier {
	switch {
	case remaining <= 0:
		return types.TierExhausted
	case remaining <= c.thresholds.CriticalRemaining:
		return types.TierCritical
	case remaining <= c.thresholds.LowRemaining:
		return types.TierLow
	default:
		return types.TierPlenty
	}
}

// DefaultView is the degraded-but-usable view handed to an observer whose
// initial fetch timed out: a pristine free-plan record with zero usage. Its
// zero UpdatedAt guarantees any real delivery supersedes it.
func (c *Calculator) DefaultView() types.EntitlementView {
	return types.EntitlementView{
		Remaining:   c.thresholds.FreeAllotment,
		PercentUsed: 0,
		IsUnlimited: false,
		Tier:        types.TierPlenty,
	}
}

// NewFreeRecord builds the initial quota record provisioned at signup.
// Timestamps are set by the store on insert.
func (c *Calculator) NewFreeRecord(userID string, plan types.PlanTier) *types.QuotaRecord {
	if !plan.Valid() {
		plan = types.PlanFree
	}
	return &types.QuotaRecord{
		UserID:    userID,
		PlanTier:  plan,
		ScansUsed: 0,
		Allotment: c.thresholds.FreeAllotment,
	}
}
