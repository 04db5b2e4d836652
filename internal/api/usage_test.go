package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"nutrisight/internal/entitlement"
	"nutrisight/internal/types"
)

// discardLogger returns a logger that drops everything.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockQuotaUsage struct {
	incrementFn func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error)
}

func (m *mockQuotaUsage) IncrementUsage(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
	if m.incrementFn != nil {
		return m.incrementFn(ctx, userID, count)
	}
	return &types.QuotaRecord{
		UserID:    userID,
		PlanTier:  types.PlanFree,
		ScansUsed: count,
		Allotment: 50,
		UpdatedAt: time.Now(),
	}, nil
}

type mockProfileReader struct {
	getFn func(ctx context.Context, userID string) (*types.UserProfile, error)
}

func (m *mockProfileReader) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return &types.UserProfile{
		UserID:      userID,
		Email:       "user@example.com",
		DisplayName: "Test User",
	}, nil
}

type mockCrossingPublisher struct {
	published []types.CrossingMessage
	err       error
}

func (m *mockCrossingPublisher) PublishCrossing(ctx context.Context, msg types.CrossingMessage) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, msg)
	return nil
}

// newUsageRouter mounts a UsageHandler on a chi router the way the server
// does, so URL params resolve.
func newUsageRouter(quota *mockQuotaUsage, profiles *mockProfileReader, pub *mockCrossingPublisher) http.Handler {
	calc := entitlement.NewCalculator(entitlement.DefaultThresholds())
	h := NewUsageHandler(quota, profiles, pub, calc, discardLogger())
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) { h.RegisterRoutes(r) })
	return r
}

func postUsage(t *testing.T, router http.Handler, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = http.NoBody
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/quota/"+userID+"/usage", reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRecordUsageReturnsFreshView(t *testing.T) {
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			return &types.QuotaRecord{
				UserID:    userID,
				PlanTier:  types.PlanFree,
				ScansUsed: 12,
				Allotment: 50,
				UpdatedAt: time.Now(),
			}, nil
		},
	}
	pub := &mockCrossingPublisher{}
	router := newUsageRouter(quota, &mockProfileReader{}, pub)

	rec := postUsage(t, router, "user-1", `{"count": 3}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data types.EntitlementView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Data.Remaining != 38 {
		t.Errorf("remaining = %d, want 38", resp.Data.Remaining)
	}
	if resp.Data.Tier != types.TierPlenty {
		t.Errorf("tier = %q, want %q", resp.Data.Tier, types.TierPlenty)
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d crossings, want 0", len(pub.published))
	}
}

func TestRecordUsageEmptyBodyCountsOne(t *testing.T) {
	var gotCount int
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			gotCount = count
			return &types.QuotaRecord{
				UserID:    userID,
				PlanTier:  types.PlanFree,
				ScansUsed: count,
				Allotment: 50,
				UpdatedAt: time.Now(),
			}, nil
		},
	}
	router := newUsageRouter(quota, &mockProfileReader{}, &mockCrossingPublisher{})

	rec := postUsage(t, router, "user-1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if gotCount != 1 {
		t.Errorf("count = %d, want 1", gotCount)
	}
}

func TestRecordUsageRejectsNegativeCount(t *testing.T) {
	router := newUsageRouter(&mockQuotaUsage{}, &mockProfileReader{}, &mockCrossingPublisher{})

	rec := postUsage(t, router, "user-1", `{"count": -2}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeValidationInvalidCount) {
		t.Errorf("error code = %q, want %q", resp.Error.Code, types.ErrCodeValidationInvalidCount)
	}
}

func TestRecordUsagePublishesCrossing(t *testing.T) {
	updatedAt := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			// 42 -> 45 used out of 50: remaining drops 8 -> 5, crossing into
			// the critical tier.
			return &types.QuotaRecord{
				UserID:    userID,
				PlanTier:  types.PlanFree,
				ScansUsed: 45,
				Allotment: 50,
				UpdatedAt: updatedAt,
			}, nil
		},
	}
	pub := &mockCrossingPublisher{}
	router := newUsageRouter(quota, &mockProfileReader{}, pub)

	rec := postUsage(t, router, "user-7", `{"count": 3}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d crossings, want 1", len(pub.published))
	}

	msg := pub.published[0]
	if msg.UserID != "user-7" {
		t.Errorf("message user = %q, want user-7", msg.UserID)
	}
	if msg.Tier != types.TierCritical {
		t.Errorf("message tier = %q, want %q", msg.Tier, types.TierCritical)
	}
	if msg.PreviousTier != types.TierLow {
		t.Errorf("previous tier = %q, want %q", msg.PreviousTier, types.TierLow)
	}
	if msg.Email != "user@example.com" {
		t.Errorf("message email = %q, want user@example.com", msg.Email)
	}
	if msg.Remaining != 5 {
		t.Errorf("message remaining = %d, want 5", msg.Remaining)
	}
	if !msg.UpdatedAt.Equal(updatedAt) {
		t.Errorf("message updated_at = %v, want %v", msg.UpdatedAt, updatedAt)
	}
}

func TestRecordUsageProfileFailureDoesNotFailRequest(t *testing.T) {
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			return &types.QuotaRecord{
				UserID:    userID,
				PlanTier:  types.PlanFree,
				ScansUsed: 50,
				Allotment: 50,
				UpdatedAt: time.Now(),
			}, nil
		},
	}
	profiles := &mockProfileReader{
		getFn: func(ctx context.Context, userID string) (*types.UserProfile, error) {
			return nil, types.NewAppError(types.ErrCodeUpstreamStore, "store unavailable", nil)
		},
	}
	pub := &mockCrossingPublisher{}
	router := newUsageRouter(quota, profiles, pub)

	rec := postUsage(t, router, "user-1", `{"count": 1}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d crossings, want 0", len(pub.published))
	}
}

func TestRecordUsageQuotaNotFound(t *testing.T) {
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "no quota record", nil)
		},
	}
	router := newUsageRouter(quota, &mockProfileReader{}, &mockCrossingPublisher{})

	rec := postUsage(t, router, "ghost", `{"count": 1}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordUsageUnlimitedPlanNeverPublishes(t *testing.T) {
	quota := &mockQuotaUsage{
		incrementFn: func(ctx context.Context, userID string, count int) (*types.QuotaRecord, error) {
			return &types.QuotaRecord{
				UserID:    userID,
				PlanTier:  types.PlanPro,
				ScansUsed: 9000,
				Allotment: 50,
				UpdatedAt: time.Now(),
			}, nil
		},
	}
	pub := &mockCrossingPublisher{}
	router := newUsageRouter(quota, &mockProfileReader{}, pub)

	rec := postUsage(t, router, "user-1", `{"count": 100}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d crossings, want 0", len(pub.published))
	}
}
