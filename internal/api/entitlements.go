package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nutrisight/internal/feed"
	"nutrisight/internal/types"
)

// streamBuffer is the per-connection buffer between the feed observer and the
// SSE write loop. A slow client that falls further behind than this drops the
// connection rather than blocking the observer.
const streamBuffer = 16

// EntitlementHandler serves entitlement view reads and the live SSE stream.
type EntitlementHandler struct {
	feed   *feed.Service
	logger *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler. Logger may be nil.
func NewEntitlementHandler(svc *feed.Service, logger *slog.Logger) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{feed: svc, logger: logger}
}

// RegisterRoutes mounts the entitlement endpoints.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/entitlements/{userID}", h.GetView)
	r.Get("/entitlements/{userID}/stream", h.Stream)
}

// GetView handles GET /v1/entitlements/{userID}: a one-shot read of the
// current entitlement view computed from the quota record.
func (h *EntitlementHandler) GetView(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	view, err := h.feed.GetEntitlementView(r.Context(), userID)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: view})
}

// streamEvent is one SSE payload: the freshest view plus the listener state
// that produced it, so clients can render a staleness indicator while the
// feed is degraded.
type streamEvent struct {
	State types.ObserverState   `json:"state"`
	View  types.EntitlementView `json:"view"`
}

// Stream handles GET /v1/entitlements/{userID}/stream: a Server-Sent Events
// stream of entitlement updates. The first event is the initial view (or the
// safe default when the store is slow); subsequent events follow quota
// changes. The stream ends when the client disconnects.
func (h *EntitlementHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Flushing here both verifies the writer can stream and commits the SSE
	// headers before the first event.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		w.Header().Del("Content-Type")
		w.Header().Del("Cache-Control")
		w.Header().Del("Connection")
		Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "streaming not supported", err))
		return
	}

	ctx := r.Context()
	updates := make(chan feed.Update, streamBuffer)
	obs := h.feed.Observe(ctx, userID, func(u feed.Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})
	defer obs.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if err := h.writeEvent(w, rc, u); err != nil {
				h.logger.Info("entitlement stream closed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// writeEvent serializes one update as an SSE "entitlement" event and flushes
// it to the client.
func (h *EntitlementHandler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, u feed.Update) error {
	payload, err := json.Marshal(streamEvent{State: u.State, View: u.View})
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: entitlement\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	return rc.Flush()
}
