// Package api implements the HTTP surface of the entitlement engine: the
// entitlement read and stream endpoints, the usage recording endpoint, the
// signup and Stripe webhooks, billing session creation, and the health
// report. All responses use a uniform JSON envelope and all errors flow
// through the AppError-to-status mapping in response.go.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. Probes exceeding the deadline mark the service unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a readiness check for a critical dependency (Postgres, SQS).
type HealthProbe interface {
	// Name identifies the probe in the health response ("database", "queue").
	Name() string

	// Check reports whether the subsystem is reachable. It must respect the
	// context deadline.
	Check(ctx context.Context) error
}

// Handlers bundles the domain handlers mounted under /v1.
type Handlers struct {
	Entitlements *EntitlementHandler
	Usage        *UsageHandler
	Hooks        *HookHandler
	Billing      *BillingHandler
	Reports      *ReportHandler
}

// Server owns the router and the middleware chain. Construct it with
// NewServer, then serve Handler() with net/http.
type Server struct {
	logger *slog.Logger
	router *chi.Mux

	handlers Handlers
	probes   []HealthProbe
}

// NewServer assembles the router from the given handlers. Every handler is
// required; a nil handler is a wiring bug caught at startup rather than as a
// nil-pointer panic on the first request.
func NewServer(h Handlers, logger *slog.Logger, probes ...HealthProbe) (*Server, error) {
	switch {
	case h.Entitlements == nil:
		return nil, fmt.Errorf("api: entitlement handler is required")
	case h.Usage == nil:
		return nil, fmt.Errorf("api: usage handler is required")
	case h.Hooks == nil:
		return nil, fmt.Errorf("api: hook handler is required")
	case h.Billing == nil:
		return nil, fmt.Errorf("api: billing handler is required")
	case h.Reports == nil:
		return nil, fmt.Errorf("api: report handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:   logger,
		router:   chi.NewRouter(),
		handlers: h,
		probes:   probes,
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the fully assembled http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers the global middleware chain, the public health
// endpoint, and the /v1 domain routes. Middleware order matters: Recoverer
// wraps everything, RequestID runs before logging so every log line carries
// the correlation ID.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		s.handlers.Entitlements.RegisterRoutes(r)
		s.handlers.Usage.RegisterRoutes(r)
		s.handlers.Hooks.RegisterRoutes(r)
		s.handlers.Billing.RegisterRoutes(r)
		s.handlers.Reports.RegisterRoutes(r)
	})
}

// componentStatus is the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for GET /health.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all registered probes concurrently with a short timeout.
// It returns 200 when every probe passes and 503 when any fails. The endpoint
// is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	results := make([]probeResult, len(s.probes))
	var wg sync.WaitGroup
	for i, p := range s.probes {
		wg.Add(1)
		go func(i int, p HealthProbe) {
			defer wg.Done()
			results[i] = probeResult{name: p.Name(), err: p.Check(ctx)}
		}(i, p)
	}
	wg.Wait()

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(results)),
	}
	status := http.StatusOK
	for _, res := range results {
		if res.err != nil {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			continue
		}
		resp.Components[res.name] = componentStatus{Status: "healthy"}
	}

	JSON(w, r, status, resp)
}
