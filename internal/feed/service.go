package feed

import (
	"context"
	"log/slog"
	"time"

	"nutrisight/internal/config"
	"nutrisight/internal/entitlement"
	"nutrisight/internal/types"
)

// Update is one delivery to an observer callback: the freshest view plus the
// listener state that produced it. State ObserverDegraded tells the consumer
// the view may lag; it is never surfaced as an error.
type Update struct {
	UserID string
	View   types.EntitlementView
	State  types.ObserverState
}

// Observer is the handle returned by Service.Observe. Close releases the feed
// subscription and cancels the fallback timer synchronously: when Close
// returns, no further callbacks will fire.
type Observer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close shuts the observer down and waits for its loop to exit.
func (o *Observer) Close() {
	o.cancel()
	<-o.done
}

// Service computes entitlement views on demand and runs per-observer
// listener loops.
type Service struct {
	store  QuotaGetter
	source Source
	calc   *entitlement.Calculator
	cfg    config.FeedConfig
	logger *slog.Logger
}

// NewService creates a feed Service. Logger may be nil.
func NewService(store QuotaGetter, source Source, calc *entitlement.Calculator, cfg config.FeedConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialFetchTimeout <= 0 {
		cfg.InitialFetchTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Service{
		store:  store,
		source: source,
		calc:   calc,
		cfg:    cfg,
		logger: logger,
	}
}

// GetEntitlementView synchronously computes the view from the latest stored
// quota record.
func (s *Service) GetEntitlementView(ctx context.Context, userID string) (types.EntitlementView, error) {
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return types.EntitlementView{}, err
	}
	return s.calc.Compute(rec)
}

// Observe starts a listener for one user and invokes emit for every update.
// The callback runs on the observer's goroutine; it must not block for long.
// The returned Observer must be closed to release the subscription.
func (s *Service) Observe(ctx context.Context, userID string, emit func(Update)) *Observer {
	obsCtx, cancel := context.WithCancel(ctx)
	o := &Observer{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(obsCtx, userID, emit, o.done)

	return o
}

// observerLoop is the per-observer state holder.
type observerLoop struct {
	svc    *Service
	userID string
	emit   func(Update)

	state       types.ObserverState
	sub         Subscription
	lastView    types.EntitlementView
	lastUpdated time.Time
	delivered   bool
}

// run drives one observer until cancellation.
func (s *Service) run(ctx context.Context, userID string, emit func(Update), done chan<- struct{}) {
	defer close(done)

	loop := &observerLoop{
		svc:    s,
		userID: userID,
		emit:   emit,
		state:  types.ObserverSubscribing,
	}

	// Attach to the feed. Failure is not fatal: the loop degrades to polling
	// and retries the attach on each tick.
	if sub, err := s.source.Subscribe(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "feed attach failed, degrading to poll",
			"user_id", userID,
			"error", err.Error(),
		)
		loop.state = types.ObserverDegraded
	} else {
		loop.sub = sub
		loop.state = types.ObserverLive
	}

	loop.initialFetch(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer func() {
		if loop.sub != nil {
			loop.sub.Close()
		}
		loop.state = types.ObserverClosed
	}()

	for {
		var events <-chan Event
		if loop.sub != nil {
			events = loop.sub.Events()
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				// Subscription tore down underneath us.
				loop.sub = nil
				loop.setState(types.ObserverDegraded)
				continue
			}
			loop.handleEvent(ctx, ev)

		case <-ticker.C:
			loop.tick(ctx)
		}
	}
}

// initialFetch performs the bounded first load. On timeout or error the
// observer is handed a usable default view (free tier, zero usage) instead of
// stalling; repair continues via the feed and the poll ticker.
func (l *observerLoop) initialFetch(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, l.svc.cfg.InitialFetchTimeout)
	defer cancel()

	rec, err := l.svc.store.Get(fetchCtx, l.userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.svc.logger.WarnContext(ctx, "initial quota fetch failed, emitting default view",
			"user_id", l.userID,
			"error", err.Error(),
		)
		l.lastView = l.svc.calc.DefaultView()
		l.emit(Update{UserID: l.userID, View: l.lastView, State: types.ObserverDegraded})
		return
	}

	l.deliver(ctx, rec)
}

// handleEvent processes one feed delivery.
func (l *observerLoop) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventChange:
		// The event only says "changed"; re-read the record for the payload.
		l.refresh(ctx)

	case EventFeedDown:
		l.setState(types.ObserverDegraded)

	case EventFeedUp:
		l.setState(types.ObserverLive)
		// Catch up on anything missed during the outage.
		l.refresh(ctx)
	}
}

// tick is the fallback poll. It fires in Degraded state and also while no
// real record has been delivered yet (background repair after a timed-out
// initial fetch). It re-attaches the feed when the subscription is gone.
func (l *observerLoop) tick(ctx context.Context) {
	if l.sub == nil {
		if sub, err := l.svc.source.Subscribe(ctx, l.userID); err == nil {
			l.sub = sub
			l.setState(types.ObserverLive)
		}
	}

	if l.state == types.ObserverDegraded || !l.delivered {
		l.refresh(ctx)
	}
}

// refresh pulls the record and delivers the recomputed view.
func (l *observerLoop) refresh(ctx context.Context) {
	rec, err := l.svc.store.Get(ctx, l.userID)
	if err != nil {
		if ctx.Err() == nil {
			l.svc.logger.WarnContext(ctx, "quota refresh failed",
				"user_id", l.userID,
				"error", err.Error(),
			)
		}
		return
	}
	l.deliver(ctx, rec)
}

// deliver computes and emits the view, discarding out-of-order records so
// deliveries stay monotonic in updated_at.
func (l *observerLoop) deliver(ctx context.Context, rec *types.QuotaRecord) {
	view, err := l.svc.calc.Compute(rec)
	if err != nil {
		l.svc.logger.ErrorContext(ctx, "entitlement computation failed",
			"user_id", l.userID,
			"error", err.Error(),
		)
		return
	}

	if l.delivered && !view.UpdatedAt.After(l.lastUpdated) {
		return
	}

	l.lastView = view
	l.lastUpdated = view.UpdatedAt
	l.delivered = true
	l.emit(Update{UserID: l.userID, View: view, State: l.state})
}

// setState transitions the loop state and re-emits the last view so
// consumers see the degradation flag change.
func (l *observerLoop) setState(state types.ObserverState) {
	if l.state == state {
		return
	}
	l.state = state
	l.emit(Update{UserID: l.userID, View: l.lastView, State: state})
}
