// Package provision creates the per-user quota and profile records when an
// account-created event arrives. Provisioning is idempotent: the signup
// trigger is at-least-once, so duplicate events and retries after partial
// failures must converge on exactly one quota record per user.
package provision

import (
	"context"
	"log/slog"
	"strings"

	"nutrisight/internal/entitlement"
	"nutrisight/internal/types"
)

// QuotaCreator is the slice of the quota store the provisioner needs.
type QuotaCreator interface {
	// UpsertIfAbsent inserts the record if no row exists for the user and
	// returns the stored record plus whether this call created it.
	UpsertIfAbsent(ctx context.Context, rec *types.QuotaRecord) (*types.QuotaRecord, bool, error)
}

// ProfileCreator is the slice of the profile store the provisioner needs.
type ProfileCreator interface {
	InsertIfAbsent(ctx context.Context, p *types.UserProfile) (bool, error)
}

// Result reports the outcome of a provisioning run. The quota record and the
// profile are independent: ProfileErr being non-nil does not invalidate
// Record, and the caller decides whether to surface it.
type Result struct {
	Record         *types.QuotaRecord
	Created        bool
	ProfileCreated bool
	ProfileErr     error
}

// Provisioner handles account-created events.
type Provisioner struct {
	quotas   QuotaCreator
	profiles ProfileCreator
	calc     *entitlement.Calculator
	logger   *slog.Logger
}

// NewProvisioner creates a Provisioner. The calculator supplies the initial
// record shape (free allotment); logger may be nil.
func NewProvisioner(quotas QuotaCreator, profiles ProfileCreator, calc *entitlement.Calculator, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		quotas:   quotas,
		profiles: profiles,
		calc:     calc,
		logger:   logger,
	}
}

// ProvisionOnSignup creates the quota record and the auxiliary profile for a
// new account.
//
// The quota record is the primary outcome: a store failure there is the
// returned error, and the caller retries (a retry against an existing record
// is a no-op success returning it unchanged). The profile insert runs after
// and independently; its failure is recorded in Result.ProfileErr and logged
// but never fails the call or rolls anything back.
func (p *Provisioner) ProvisionOnSignup(ctx context.Context, ev types.SignupEvent) (*Result, error) {
	if ev.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "signup event missing user_id", nil)
	}
	if ev.Email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "signup event missing email", nil)
	}

	rec, created, err := p.quotas.UpsertIfAbsent(ctx, p.calc.NewFreeRecord(ev.UserID, ev.InitialPlan))
	if err != nil {
		return nil, err
	}

	if created {
		p.logger.InfoContext(ctx, "quota record provisioned",
			"user_id", ev.UserID,
			"plan_tier", string(rec.PlanTier),
			"allotment", rec.Allotment,
		)
	} else {
		p.logger.InfoContext(ctx, "quota record already provisioned, skipping",
			"user_id", ev.UserID,
		)
	}

	result := &Result{Record: rec, Created: created}

	profileCreated, profileErr := p.profiles.InsertIfAbsent(ctx, &types.UserProfile{
		UserID:      ev.UserID,
		Email:       ev.Email,
		DisplayName: displayName(ev),
	})
	result.ProfileCreated = profileCreated
	result.ProfileErr = profileErr

	if profileErr != nil {
		// Reported, not propagated: the quota record stands on its own.
		p.logger.WarnContext(ctx, "profile creation failed after quota provisioning",
			"user_id", ev.UserID,
			"error", profileErr.Error(),
		)
	}

	return result, nil
}

// displayName falls back to the email local part when the event carries no name.
func displayName(ev types.SignupEvent) string {
	if ev.Name != "" {
		return ev.Name
	}
	if at := strings.Index(ev.Email, "@"); at > 0 {
		return ev.Email[:at]
	}
	return ev.Email
}
