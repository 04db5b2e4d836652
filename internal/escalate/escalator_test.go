package escalate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrisight/internal/types"
)

type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

// fakeDispatchLog mimics the partial-unique-index semantics of the real
// store: at most one sent row per (user, tier), any number of failed rows.
type fakeDispatchLog struct {
	mu      sync.Mutex
	sent    map[string]bool
	failed  []types.DispatchRecord
	sentErr error
	hasErr  error
}

func newFakeDispatchLog() *fakeDispatchLog {
	return &fakeDispatchLog{sent: make(map[string]bool)}
}

func dispatchKey(userID string, tier types.QuotaTier) string {
	return userID + "/" + string(tier)
}

func (f *fakeDispatchLog) HasSent(_ context.Context, userID string, tier types.QuotaTier) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.sent[dispatchKey(userID, tier)], nil
}

func (f *fakeDispatchLog) InsertSentIfAbsent(_ context.Context, rec *types.DispatchRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sentErr != nil {
		return false, f.sentErr
	}
	key := dispatchKey(rec.UserID, rec.Tier)
	if f.sent[key] {
		return false, nil
	}
	f.sent[key] = true
	return true, nil
}

func (f *fakeDispatchLog) InsertFailed(_ context.Context, rec *types.DispatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, *rec)
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls []types.SendInput
	err   error
}

func (s *fakeSender) Send(_ context.Context, input types.SendInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, input)
	if s.err != nil {
		return "", s.err
	}
	return "msg_abc123", nil
}

func (s *fakeSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{
		FromAddress: "alerts@nutrisight.app",
		FromName:    "NutriSight",
		FrontendURL: "https://app.nutrisight.app",
	})
	require.NoError(t, err)
	return r
}

func testEscalator(t *testing.T, log DispatchLog, sender types.EmailProvider) *Escalator {
	t.Helper()
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewEscalator(log, sender, testRenderer(t), nil, clock, &mockLogger{})
}

func crossingMsg(tier, prev types.QuotaTier) *types.CrossingMessage {
	return &types.CrossingMessage{
		UserID:       "user_1",
		Email:        "sam@example.com",
		DisplayName:  "Sam",
		PreviousTier: prev,
		Tier:         tier,
		Remaining:    5,
		ScansUsed:    45,
		Allotment:    50,
		UpdatedAt:    time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestCrossed(t *testing.T) {
	view := func(tier types.QuotaTier, unlimited bool) types.EntitlementView {
		return types.EntitlementView{Tier: tier, IsUnlimited: unlimited}
	}

	tests := []struct {
		name     string
		previous types.EntitlementView
		current  types.EntitlementView
		wantTier types.QuotaTier
		want     bool
	}{
		{"plenty to low", view(types.TierPlenty, false), view(types.TierLow, false), types.TierLow, true},
		{"low to critical", view(types.TierLow, false), view(types.TierCritical, false), types.TierCritical, true},
		{"critical to exhausted", view(types.TierCritical, false), view(types.TierExhausted, false), types.TierExhausted, true},
		{"skip straight to exhausted reports deepest only", view(types.TierPlenty, false), view(types.TierExhausted, false), types.TierExhausted, true},
		{"no change", view(types.TierLow, false), view(types.TierLow, false), "", false},
		{"replenish is silent", view(types.TierExhausted, false), view(types.TierPlenty, false), "", false},
		{"partial replenish is silent", view(types.TierCritical, false), view(types.TierLow, false), "", false},
		{"unlimited never notifies", view(types.TierPlenty, false), view(types.TierPlenty, true), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, ok := Crossed(tt.previous, tt.current)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantTier, tier)
		})
	}
}

func TestProcessSendsAndRecords(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{}
	esc := testEscalator(t, log, sender)

	err := esc.Process(context.Background(), crossingMsg(types.TierCritical, types.TierLow))
	require.NoError(t, err)

	require.Equal(t, 1, sender.sendCount())
	sent := sender.calls[0]
	assert.Equal(t, "sam@example.com", sent.To.Address)
	assert.Equal(t, "⚠️ Only a few scans left on NutriSight!", sent.Subject)
	assert.Contains(t, sent.HTMLBody, "Hi Sam,")
	assert.Contains(t, sent.TextBody, "only 5 scans remain")
	assert.True(t, log.sent[dispatchKey("user_1", types.TierCritical)])
}

func TestProcessIsIdempotentPerUserTier(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{}
	esc := testEscalator(t, log, sender)

	msg := crossingMsg(types.TierExhausted, types.TierCritical)
	require.NoError(t, esc.Process(context.Background(), msg))
	require.NoError(t, esc.Process(context.Background(), msg))

	assert.Equal(t, 1, sender.sendCount(), "redelivery must not send twice")
}

func TestProcessSkipsReplenishingCrossing(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{}
	esc := testEscalator(t, log, sender)

	err := esc.Process(context.Background(), crossingMsg(types.TierLow, types.TierExhausted))
	require.NoError(t, err)
	assert.Zero(t, sender.sendCount())
	assert.Empty(t, log.sent)
}

func TestProcessSkipsUnlimitedRemaining(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{}
	esc := testEscalator(t, log, sender)

	msg := crossingMsg(types.TierLow, types.TierPlenty)
	msg.Remaining = types.RemainingUnlimited
	require.NoError(t, esc.Process(context.Background(), msg))
	assert.Zero(t, sender.sendCount())
}

func TestProcessSendFailureIsRecordedAndRetryable(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeUpstreamEmail, "provider 503", nil)}
	esc := testEscalator(t, log, sender)

	msg := crossingMsg(types.TierLow, types.TierPlenty)
	err := esc.Process(context.Background(), msg)
	require.Error(t, err, "send failure must surface so the queue redelivers")

	require.Len(t, log.failed, 1)
	assert.Equal(t, types.OutcomeFailed, log.failed[0].Outcome)
	assert.Contains(t, log.failed[0].ErrorMessage, "provider 503")
	assert.Empty(t, log.sent, "no sent record after a failure")

	// Provider recovers; the retry goes through.
	sender.err = nil
	require.NoError(t, esc.Process(context.Background(), msg))
	assert.Equal(t, 2, sender.sendCount())
	assert.True(t, log.sent[dispatchKey("user_1", types.TierLow)])
}

func TestProcessPermanentRejectIsNotRetried(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeValidationInvalidEmail, "address rejected", nil)}
	esc := testEscalator(t, log, sender)

	err := esc.Process(context.Background(), crossingMsg(types.TierLow, types.TierPlenty))
	require.NoError(t, err, "permanent rejects must not go back to the queue")
	require.Len(t, log.failed, 1)
}

func TestProcessConcurrentWorkersSendAtMostOncePerEvent(t *testing.T) {
	log := newFakeDispatchLog()
	sender := &fakeSender{}
	esc := testEscalator(t, log, sender)

	msg := crossingMsg(types.TierCritical, types.TierLow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = esc.Process(context.Background(), msg)
		}()
	}
	wg.Wait()

	// Racers that pass the pre-send check may each call the provider once,
	// but exactly one sent record exists.
	assert.Len(t, log.sent, 1)
	assert.True(t, log.sent[dispatchKey("user_1", types.TierCritical)])
}

func TestProcessDispatchLookupFailurePropagates(t *testing.T) {
	log := newFakeDispatchLog()
	log.hasErr = errors.New("connection refused")
	esc := testEscalator(t, log, &fakeSender{})

	err := esc.Process(context.Background(), crossingMsg(types.TierLow, types.TierPlenty))
	require.Error(t, err)
}

func TestProcessValidatesMessage(t *testing.T) {
	esc := testEscalator(t, newFakeDispatchLog(), &fakeSender{})

	msg := crossingMsg(types.TierLow, types.TierPlenty)
	msg.UserID = ""
	err := esc.Process(context.Background(), msg)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)

	msg = crossingMsg(types.TierLow, types.TierPlenty)
	msg.Email = ""
	require.Error(t, esc.Process(context.Background(), msg))
}

func TestRenderAllTiers(t *testing.T) {
	r := testRenderer(t)

	for _, tier := range renderableTiers {
		msg := crossingMsg(tier, types.TierPlenty)
		out, err := r.Render(msg)
		require.NoError(t, err, "tier %s", tier)
		assert.Equal(t, subjects[tier], out.Subject)
		assert.Equal(t, "alerts@nutrisight.app", out.From.Address)
		assert.Contains(t, out.HTMLBody, ctaLabels[tier])
		assert.Contains(t, out.HTMLBody, "utm_campaign=upgrade")
		assert.Contains(t, out.TextBody, "https://app.nutrisight.app/pricing?")
		assert.False(t, strings.Contains(out.HTMLBody, "{{"), "unexpanded template action in HTML")
	}
}

func TestRenderFallsBackToEmailLocalPart(t *testing.T) {
	r := testRenderer(t)

	msg := crossingMsg(types.TierLow, types.TierPlenty)
	msg.DisplayName = ""
	out, err := r.Render(msg)
	require.NoError(t, err)
	assert.Contains(t, out.HTMLBody, "Hi sam,")
}

func TestRenderRejectsPlentyTier(t *testing.T) {
	r := testRenderer(t)

	_, err := r.Render(crossingMsg(types.TierPlenty, types.TierLow))
	require.Error(t, err)
}
