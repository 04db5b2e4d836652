// Package config defines the global configuration for the NutriSight
// entitlement engine. Configuration is loaded once at process initialization
// (Lambda cold start or server boot) and is immutable thereafter. It follows
// 12-Factor principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format fails the process immediately
// on startup.
package config

import (
	"time"

	"nutrisight/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Email    EmailConfig
	Billing  BillingConfig
	Quota    QuotaConfig
	Feed     FeedConfig
	Archive  ArchiveConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// FrontendURL is the dashboard origin used for upgrade links and email
	// CTAs (no trailing slash).
	FrontendURL string `envconfig:"FRONTEND_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	SignupQueue   string `envconfig:"SQS_SIGNUP_EVENTS" validate:"required,url"`
	CrossingQueue string `envconfig:"SQS_QUOTA_CROSSINGS" validate:"required,url"`

	// MetricNamespace is the CloudWatch namespace for dispatch metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"NutriSight/Entitlement"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds email sender identity and SES settings.
type EmailConfig struct {
	FromAddress   string `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName      string `envconfig:"EMAIL_FROM_NAME" default:"NutriSight"`
	ConfigSetName string `envconfig:"SES_CONFIG_SET"`
}

// BillingConfig holds Stripe integration credentials and the price-to-plan
// mapping used by the plan-sync webhook.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	ProPriceID          string       `envconfig:"STRIPE_PRICE_PRO" validate:"required"`
	ProAnnualPriceID    string       `envconfig:"STRIPE_PRICE_PRO_ANNUAL" validate:"required"`
}

// QuotaConfig holds the entitlement thresholds. These are product-tunable
// constants, not algorithm literals: the calculator reads them from here so
// thresholds can change without touching the classification logic.
type QuotaConfig struct {
	// FreeAllotment is the number of scans included in the free plan.
	FreeAllotment int `envconfig:"QUOTA_FREE_ALLOTMENT" default:"50" validate:"gt=0"`

	// LowRemaining is the inclusive upper bound of remaining scans for the
	// low tier (upgrade prompts start here).
	LowRemaining int `envconfig:"QUOTA_LOW_REMAINING" default:"10" validate:"gt=0"`

	// CriticalRemaining is the inclusive upper bound of remaining scans for
	// the critical tier. Must be below LowRemaining.
	CriticalRemaining int `envconfig:"QUOTA_CRITICAL_REMAINING" default:"5" validate:"gt=0"`
}

// FeedConfig holds the change-feed listener tuning parameters.
type FeedConfig struct {
	// Channel is the Postgres NOTIFY channel carrying quota change events.
	Channel string `envconfig:"FEED_CHANNEL" default:"quota_changed"`

	// InitialFetchTimeout bounds the first record fetch for a new observer.
	// On timeout the observer is handed a usable default view.
	InitialFetchTimeout time.Duration `envconfig:"FEED_INITIAL_FETCH_TIMEOUT" default:"10s"`

	// PollInterval is the fallback pull cadence while the feed is down.
	PollInterval time.Duration `envconfig:"FEED_POLL_INTERVAL" default:"30s"`

	// ReconnectBackoff is the delay before re-attaching a dropped feed connection.
	ReconnectBackoff time.Duration `envconfig:"FEED_RECONNECT_BACKOFF" default:"5s"`
}

// ArchiveConfig holds dispatch-log archival settings.
type ArchiveConfig struct {
	// Dir is the destination directory for compressed dispatch exports.
	Dir string `envconfig:"ARCHIVE_DIR" default:"/tmp/dispatch-archive"`

	// Retention is how long dispatch rows stay queryable before export and pruning.
	Retention time.Duration `envconfig:"ARCHIVE_RETENTION" default:"2160h"` // 90 days
}
