package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// subBuffer is the per-subscription event channel capacity. Sends never
// block: a full buffer drops the event, which is safe because consumers
// re-read the record on every delivery and the fallback poll covers gaps.
const subBuffer = 8

// changePayload is the JSON body of a quota change notification, produced by
// pg_notify in the quota repository's mutation statements.
type changePayload struct {
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PGFeed implements Source on top of Postgres LISTEN/NOTIFY. A single pump
// goroutine (Run) holds a dedicated connection, listens on the quota change
// channel, and fans notifications out to per-user subscriptions. Connection
// loss is broadcast as EventFeedDown, recovery as EventFeedUp.
type PGFeed struct {
	pool    *pgxpool.Pool
	channel string
	backoff time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[int]*pgSubscription
	nextID int
	down   bool
}

// PGFeedConfig holds the configuration for creating a PGFeed.
type PGFeedConfig struct {
	// Channel is the NOTIFY channel name.
	Channel string
	// ReconnectBackoff is the delay between reconnect attempts.
	ReconnectBackoff time.Duration
	Logger           *slog.Logger
}

// NewPGFeed creates a PGFeed over the given pool. Run must be started for
// subscriptions to receive events.
func NewPGFeed(pool *pgxpool.Pool, cfg PGFeedConfig) *PGFeed {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &PGFeed{
		pool:    pool,
		channel: cfg.Channel,
		backoff: backoff,
		logger:  logger,
		subs:    map[string]map[int]*pgSubscription{},
	}
}

// Run pumps notifications until the context is cancelled. It reconnects with
// backoff on connection loss and returns only on cancellation.
func (f *PGFeed) Run(ctx context.Context) error {
	for {
		if err := f.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "change feed connection lost, reconnecting",
				"error", err.Error(),
				"backoff", f.backoff.String(),
			)
			f.markDown()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
			}
		}
	}
}

// listenOnce acquires a dedicated connection, issues LISTEN, and blocks on
// notifications until the connection or context fails.
func (f *PGFeed) listenOnce(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return err
	}

	f.markUp()
	f.logger.InfoContext(ctx, "change feed attached", "channel", f.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var payload changePayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			f.logger.WarnContext(ctx, "discarding malformed change notification",
				"payload", n.Payload,
				"error", err.Error(),
			)
			continue
		}

		f.dispatch(Event{
			Kind:      EventChange,
			UserID:    payload.UserID,
			UpdatedAt: payload.UpdatedAt,
		})
	}
}

// Subscribe attaches a subscription for one user. If the feed is currently
// down, an EventFeedDown is pre-queued so the observer degrades immediately
// instead of waiting silently.
func (f *PGFeed) Subscribe(_ context.Context, userID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &pgSubscription{
		feed:   f,
		userID: userID,
		id:     f.nextID,
		events: make(chan Event, subBuffer),
	}

	if f.subs[userID] == nil {
		f.subs[userID] = map[int]*pgSubscription{}
	}
	f.subs[userID][sub.id] = sub

	if f.down {
		sub.trySend(Event{Kind: EventFeedDown})
	}

	return sub, nil
}

// dispatch fans a change event out to the user's subscriptions.
func (f *PGFeed) dispatch(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs[ev.UserID] {
		sub.trySend(ev)
	}
}

// markDown broadcasts EventFeedDown to every subscription once per outage.
func (f *PGFeed) markDown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return
	}
	f.down = true
	f.broadcastLocked(Event{Kind: EventFeedDown})
}

// markUp broadcasts EventFeedUp after a successful (re)attach.
func (f *PGFeed) markUp() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.down {
		return
	}
	f.down = false
	f.broadcastLocked(Event{Kind: EventFeedUp})
}

func (f *PGFeed) broadcastLocked(ev Event) {
	for _, userSubs := range f.subs {
		for _, sub := range userSubs {
			sub.trySend(ev)
		}
	}
}

// remove detaches a subscription. Called by pgSubscription.Close.
func (f *PGFeed) remove(userID string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if userSubs, ok := f.subs[userID]; ok {
		delete(userSubs, id)
		if len(userSubs) == 0 {
			delete(f.subs, userID)
		}
	}
}

// pgSubscription is PGFeed's Subscription implementation.
type pgSubscription struct {
	feed   *PGFeed
	userID string
	id     int

	events chan Event

	closeOnce sync.Once
}

func (s *pgSubscription) Events() <-chan Event { return s.events }

// Close detaches from the feed and closes the events channel. Safe to call
// more than once.
func (s *pgSubscription) Close() {
	s.closeOnce.Do(func() {
		s.feed.remove(s.userID, s.id)
		close(s.events)
	})
}

// trySend delivers without blocking; full buffers drop the event.
func (s *pgSubscription) trySend(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
