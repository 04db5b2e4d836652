// Package main is the entrypoint for the NutriSight entitlement API server.
//
// Startup order:
//  1. Load and validate configuration (fail fast on any missing value).
//  2. Initialize the structured logger.
//  3. Open the pgx connection pool and construct the repositories.
//  4. Start the Postgres change feed listener.
//  5. Assemble the HTTP server and serve until SIGINT/SIGTERM.
//
// Graceful shutdown drains in-flight requests, then stops the change feed
// and closes the pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"nutrisight/internal/api"
	"nutrisight/internal/config"
	"nutrisight/internal/db"
	"nutrisight/internal/entitlement"
	"nutrisight/internal/external"
	"nutrisight/internal/feed"
	"nutrisight/internal/queue"
	"nutrisight/internal/report"
)

// shutdownGrace is how long in-flight requests get to finish after a
// termination signal before the listener is torn down.
const shutdownGrace = 10 * time.Second

// Compile-time check that the profile repo satisfies the billing lookup.
var _ external.BillingLookup = (*db.ProfileRepo)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("nutrisight API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	quotaRepo := db.NewQuotaRepo(pool)
	profileRepo := db.NewProfileRepo(pool)
	reportRepo := db.NewReportRepo(pool)

	calc := entitlement.NewCalculator(entitlement.ThresholdsFromConfig(cfg.Quota))

	// Change feed: the LISTEN/NOTIFY source plus the per-observer service.
	pgFeed := feed.NewPGFeed(pool, feed.PGFeedConfig{
		Channel:          cfg.Feed.Channel,
		ReconnectBackoff: cfg.Feed.ReconnectBackoff,
		Logger:           logger,
	})
	feedService := feed.NewService(quotaRepo, pgFeed, calc, cfg.Feed, logger)

	publisher := queue.NewPublisher(sqsClient, cfg.AWS, logger)

	// The profile repo doubles as the billing lookup since
	// stripe_customer_id lives on user_profiles.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 15 * time.Second},
		profileRepo,
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Prices:    external.NewPriceMap(cfg.Billing.ProPriceID, cfg.Billing.ProAnnualPriceID),
			Logger:    logger,
		},
	)

	srv, err := api.NewServer(api.Handlers{
		Entitlements: api.NewEntitlementHandler(feedService, logger),
		Usage:        api.NewUsageHandler(quotaRepo, profileRepo, publisher, calc, logger),
		Hooks: api.NewHookHandler(
			publisher,
			quotaRepo,
			&external.StripeVerifier{},
			stripeClient.Prices(),
			cfg.Billing.StripeWebhookSecret,
			logger,
		),
		Billing: api.NewBillingHandler(stripeClient, cfg.Server.FrontendURL, logger),
		Reports: api.NewReportHandler(report.NewHealthReporter(reportRepo)),
	}, logger, &dbProbe{pool: pool})
	if err != nil {
		return fmt.Errorf("assembling server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := pgFeed.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining requests")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("nutrisight API stopped")
	return nil
}

// newLogger creates the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newPool opens a pgx pool with the configured tuning parameters and verifies
// connectivity before returning.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// dbProbe reports database reachability for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string                    { return "database" }
func (p *dbProbe) Check(ctx context.Context) error { return p.pool.Ping(ctx) }
