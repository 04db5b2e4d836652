package types

// PlanTier identifies the subscription plan for a user. It is distinct from
// QuotaTier, which classifies how depleted the user's scan quota is.
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanPro       PlanTier = "pro"
	PlanProAnnual PlanTier = "pro_annual"
)

// IsUnlimited reports whether the plan grants unlimited scans. Unknown tiers
// are treated as limited so enforcement fails safely.
func (p PlanTier) IsUnlimited() bool {
	return p == PlanPro || p == PlanProAnnual
}

// Valid reports whether the plan tier is one of the known values.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanProAnnual:
		return true
	}
	return false
}

// QuotaTier classifies a user's remaining scan quota. The escalation path runs
// plenty -> low -> critical -> exhausted; notifications fire only when a user
// moves to a deeper tier, never on replenishment.
type QuotaTier string

const (
	TierPlenty    QuotaTier = "plenty"
	TierLow       QuotaTier = "low"
	TierCritical  QuotaTier = "critical"
	TierExhausted QuotaTier = "exhausted"
)

// tierDepth orders tiers by depletion. Higher means more depleted.
var tierDepth = map[QuotaTier]int{
	TierPlenty:    0,
	TierLow:       1,
	TierCritical:  2,
	TierExhausted: 3,
}

// Depth returns the depletion ordinal for the tier (plenty=0 .. exhausted=3).
// Unknown tiers return 0 so they never trigger an escalation.
func (q QuotaTier) Depth() int {
	return tierDepth[q]
}

// DeeperThan reports whether q is strictly more depleted than other.
func (q QuotaTier) DeeperThan(other QuotaTier) bool {
	return q.Depth() > other.Depth()
}

// DispatchOutcome records the result of a notification send attempt.
type DispatchOutcome string

const (
	// OutcomeSent means the provider accepted the message. At most one sent
	// row may ever exist per (user, tier).
	OutcomeSent DispatchOutcome = "sent"

	// OutcomeFailed means the provider rejected the message or was
	// unreachable. Failed rows do not block a retry on the next crossing.
	OutcomeFailed DispatchOutcome = "failed"
)

// ObserverState is the lifecycle state of an entitlement observer session.
type ObserverState string

const (
	// ObserverSubscribing is the initial state while the feed attach is in flight.
	ObserverSubscribing ObserverState = "subscribing"

	// ObserverLive means updates are driven by the change feed.
	ObserverLive ObserverState = "live"

	// ObserverDegraded means the feed is unavailable and updates come from
	// the bounded fallback poll.
	ObserverDegraded ObserverState = "degraded"

	// ObserverClosed is terminal; all timers and subscriptions are released.
	ObserverClosed ObserverState = "closed"
)
