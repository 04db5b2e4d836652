// Package escalate sends quota notification emails when a user's entitlement
// crosses into a deeper depletion tier. Delivery is at-most-once per
// (user, tier): the dispatch log's conditional insert is the final arbiter,
// so retries and concurrent workers cannot double-send.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nutrisight/internal/metrics"
	"nutrisight/internal/types"
)

// Crossed reports whether moving from previous to current entitlement views
// warrants a notification, and for which tier. Only transitions in the
// depleting direction count; replenishment (an upgrade or a usage reset) is
// always silent. When a single change passes through several thresholds at
// once, only the deepest tier is reported.
func Crossed(previous, current types.EntitlementView) (types.QuotaTier, bool) {
	if current.IsUnlimited {
		return "", false
	}
	if current.Tier == types.TierPlenty {
		return "", false
	}
	if !current.Tier.DeeperThan(previous.Tier) {
		return "", false
	}
	return current.Tier, true
}

// DispatchLog is the slice of the dispatch store the escalator needs.
type DispatchLog interface {
	// HasSent reports whether a sent record already exists for the pair.
	HasSent(ctx context.Context, userID string, tier types.QuotaTier) (bool, error)

	// InsertSentIfAbsent appends a sent record unless one already exists for
	// the (user, tier) pair. Returns false when a concurrent worker won.
	InsertSentIfAbsent(ctx context.Context, rec *types.DispatchRecord) (bool, error)

	// InsertFailed appends a failed attempt. Failed records never block a
	// retry.
	InsertFailed(ctx context.Context, rec *types.DispatchRecord) error
}

// Escalator runs the notification pipeline for crossing messages consumed
// from the queue.
type Escalator struct {
	log      DispatchLog
	sender   types.EmailProvider
	renderer *Renderer
	metrics  metrics.DispatchMetrics
	clock    types.Clock
	logger   types.Logger
}

// NewEscalator wires the pipeline. Metrics may be nil, in which case
// recordings are discarded.
func NewEscalator(log DispatchLog, sender types.EmailProvider, renderer *Renderer, m metrics.DispatchMetrics, clock types.Clock, logger types.Logger) *Escalator {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Escalator{
		log:      log,
		sender:   sender,
		renderer: renderer,
		metrics:  m,
		clock:    clock,
		logger:   logger,
	}
}

// Process handles one crossing message. Returning an error signals the queue
// to redeliver; the dispatch log guarantees a redelivered message that was
// already sent becomes a no-op.
func (e *Escalator) Process(ctx context.Context, msg *types.CrossingMessage) error {
	if msg.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "crossing message missing user_id", nil)
	}
	if msg.Email == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "crossing message missing email", nil)
	}

	log := e.logger.With(
		"user_id", msg.UserID,
		"tier", string(msg.Tier),
		"trace_id", msg.TraceID,
	)

	// The producer already filtered, but queue messages outlive deploys:
	// re-check the crossing direction before touching the provider.
	if !msg.Tier.DeeperThan(msg.PreviousTier) || msg.Tier == types.TierPlenty {
		log.Info("skipping non-depleting crossing message",
			"previous_tier", string(msg.PreviousTier),
		)
		return nil
	}
	if msg.Remaining == types.RemainingUnlimited {
		log.Info("skipping crossing message for unlimited plan")
		return nil
	}

	sent, err := e.log.HasSent(ctx, msg.UserID, msg.Tier)
	if err != nil {
		return fmt.Errorf("escalator: dispatch lookup failed: %w", err)
	}
	if sent {
		log.Info("notification already sent, skipping")
		return nil
	}

	input, err := e.renderer.Render(msg)
	if err != nil {
		// Rendering failures are not retryable; redelivery would hit the
		// same template.
		log.Error("render failed", "error", err.Error())
		return nil
	}

	start := e.clock.Now()
	providerMsgID, sendErr := e.sender.Send(ctx, input)
	e.metrics.RecordDispatchLatency(ctx, msg.Tier, e.clock.Now().Sub(start))

	if sendErr != nil {
		e.metrics.RecordDispatch(ctx, msg.Tier, types.OutcomeFailed)
		if insErr := e.log.InsertFailed(ctx, &types.DispatchRecord{
			ID:           uuid.NewString(),
			UserID:       msg.UserID,
			Tier:         msg.Tier,
			Outcome:      types.OutcomeFailed,
			ErrorMessage: sendErr.Error(),
			SentAt:       e.clock.Now(),
		}); insErr != nil {
			log.Error("failed to record failed dispatch", "error", insErr.Error())
		}
		// A provider reject for a bad address will reject again on every
		// redelivery; only transient failures go back to the queue.
		var appErr *types.AppError
		if errors.As(sendErr, &appErr) && strings.HasPrefix(string(appErr.Code), "validation_") {
			log.Error("email permanently rejected", "error", sendErr.Error())
			return nil
		}
		log.Warn("email send failed, leaving message for retry", "error", sendErr.Error())
		return fmt.Errorf("escalator: send failed for user %s tier %s: %w", msg.UserID, msg.Tier, sendErr)
	}

	inserted, err := e.log.InsertSentIfAbsent(ctx, &types.DispatchRecord{
		ID:      uuid.NewString(),
		UserID:  msg.UserID,
		Tier:    msg.Tier,
		Outcome: types.OutcomeSent,
		SentAt:  e.clock.Now(),
	})
	if err != nil {
		// The email went out but the record did not land. Surface the error
		// so the message is retried; the pre-send HasSent check plus the
		// conditional insert bound the damage to one extra provider call.
		return fmt.Errorf("escalator: failed to record sent dispatch: %w", err)
	}

	e.metrics.RecordDispatch(ctx, msg.Tier, types.OutcomeSent)
	if !inserted {
		log.Warn("concurrent worker already recorded this dispatch",
			"provider_message_id", providerMsgID,
		)
		return nil
	}

	log.Info("quota notification sent",
		"provider_message_id", providerMsgID,
		"remaining", msg.Remaining,
	)
	return nil
}

// RecordQueueLag records how long a message waited between enqueue and
// processing, when the producer stamped an enqueue time.
func (e *Escalator) RecordQueueLag(ctx context.Context, enqueuedAt time.Time) {
	if enqueuedAt.IsZero() {
		return
	}
	e.metrics.RecordQueueLag(ctx, e.clock.Now().Sub(enqueuedAt))
}
