package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"nutrisight/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESClient.
// Extracted for testability.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	// ConfigSetName is the SES configuration set for delivery tracking.
	// Optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient implements types.EmailProvider using AWS SES v2. Authentication
// is handled via IAM roles and the SDK carries its own retry logic, so no
// BaseClient wrapper is needed.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates a new SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return newSESClient(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient with a pre-configured SESAPI.
// Useful for testing with a mock.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	return newSESClient(api, cfg)
}

func newSESClient(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Send transmits a pre-rendered email via SES SendEmail and returns the
// provider message ID.
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	emailInput := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(input.From)),
		Destination: &sestypes.Destination{
			ToAddresses: []string{formatAddress(input.To)},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(input.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{},
			},
		},
	}

	if input.HTMLBody != "" {
		emailInput.Content.Simple.Body.Html = &sestypes.Content{
			Data:    aws.String(input.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if input.TextBody != "" {
		emailInput.Content.Simple.Body.Text = &sestypes.Content{
			Data:    aws.String(input.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if s.configSetName != "" {
		emailInput.ConfigurationSetName = aws.String(s.configSetName)
	}

	result, err := s.api.SendEmail(ctx, emailInput)
	if err != nil {
		return "", mapSESError(err)
	}

	msgID := ""
	if result.MessageId != nil {
		msgID = *result.MessageId
	}
	return msgID, nil
}

// formatAddress renders an address with its display name when present.
func formatAddress(addr types.EmailAddress) string {
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
}

// mapSESError translates AWS SES errors into AppErrors.
//
//   - MessageRejected → validation_invalid_email (not retryable)
//   - TooManyRequestsException → upstream_rate_limited
//   - SendingPausedException → upstream_service_unavailable
//   - anything else → upstream_email_provider_unavailable
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(
			types.ErrCodeValidationInvalidEmail,
			fmt.Sprintf("SES rejected message: %v", err),
			err,
		)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("SES rate limit exceeded: %v", err),
			err,
		)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("SES account sending paused: %v", err),
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamEmail,
		fmt.Sprintf("SES error: %v", err),
		err,
	)
}

var _ types.EmailProvider = (*SESClient)(nil)
