// Package feed keeps entitlement views current for active observers. It
// subscribes to quota change notifications on the store's change feed and
// recomputes views as events arrive, falling back to a bounded poll whenever
// the feed is unavailable.
//
// Each observer runs a small state machine:
//
//	Subscribing -> (attach ok) -> Live
//	Live        -> (feed event) -> recompute, emit, stay Live
//	Live        -> (feed down)  -> Degraded
//	Degraded    -> (poll tick)  -> pull record, recompute, emit
//	Degraded    -> (feed up)    -> Live
//	any         -> (close)      -> Closed, all timers and subscriptions released
//
// Deliveries are monotonic per observer: every emitted view carries the
// source record's updated_at, and views computed from older records than one
// already delivered are discarded.
package feed

import (
	"context"
	"time"

	"nutrisight/internal/types"
)

// EventKind distinguishes feed event types.
type EventKind string

const (
	// EventChange signals the user's quota record changed.
	EventChange EventKind = "change"

	// EventFeedDown signals the feed connection dropped; observers switch to
	// the fallback poll.
	EventFeedDown EventKind = "feed_down"

	// EventFeedUp signals the feed connection recovered.
	EventFeedUp EventKind = "feed_up"
)

// Event is a single feed delivery.
type Event struct {
	Kind      EventKind
	UserID    string
	UpdatedAt time.Time
}

// Subscription is a live attachment to the change feed for one user.
type Subscription interface {
	// Events returns the delivery channel. Slow consumers may miss
	// intermediate events; every event triggers a fresh read of the record,
	// so the latest state always wins.
	Events() <-chan Event

	// Close detaches the subscription and closes the events channel.
	Close()
}

// Source produces subscriptions. The production implementation is PGFeed;
// tests use an in-memory fake.
type Source interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// QuotaGetter is the slice of the quota store the listener needs.
type QuotaGetter interface {
	Get(ctx context.Context, userID string) (*types.QuotaRecord, error)
}
