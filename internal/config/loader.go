// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator plus cross-field
//     checks the tag language cannot express.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType categorizes configuration failures for diagnostics.
type ConfigErrorType string

const (
	ErrTypeProcess    ConfigErrorType = "process"
	ErrTypeValidation ConfigErrorType = "validation"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the engine configuration from the
// environment. A .env file in the working directory is applied first without
// overriding existing environment variables.
func LoadConfig() (*Config, error) {
	// Enforce UTC to prevent timestamp drift between components.
	time.Local = time.UTC

	// Non-fatal if no .env file exists.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrTypeProcess,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct tag validation and the cross-field threshold checks.
// It is exported so tests and tooling can validate hand-built configs.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrTypeValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	// Tier thresholds must nest: critical < low < allotment.
	q := cfg.Quota
	if q.CriticalRemaining >= q.LowRemaining {
		return &ConfigError{
			Type:    ErrTypeValidation,
			Message: fmt.Sprintf("QUOTA_CRITICAL_REMAINING (%d) must be below QUOTA_LOW_REMAINING (%d)", q.CriticalRemaining, q.LowRemaining),
		}
	}
	if q.LowRemaining >= q.FreeAllotment {
		return &ConfigError{
			Type:    ErrTypeValidation,
			Message: fmt.Sprintf("QUOTA_LOW_REMAINING (%d) must be below QUOTA_FREE_ALLOTMENT (%d)", q.LowRemaining, q.FreeAllotment),
		}
	}

	return nil
}
