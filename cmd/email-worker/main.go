// Package main is the entrypoint for the email worker Lambda function.
//
// The worker consumes tier-crossing messages from the crossing SQS queue and
// runs each through the escalation pipeline: dedup against the dispatch log,
// render the tier email, send via SES, record the outcome. It uses the SQS
// partial batch response pattern so only failed messages are redelivered.
//
// Cold start:
//  1. Initialize the structured logger.
//  2. Load configuration and the AWS SDK config.
//  3. Open the pgx pool for the dispatch log.
//  4. Build the SES client, renderer, CloudWatch metrics, and escalator.
//  5. Register the handler with the Lambda runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"nutrisight/internal/config"
	"nutrisight/internal/db"
	"nutrisight/internal/escalate"
	"nutrisight/internal/external"
	"nutrisight/internal/metrics"
	"nutrisight/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog satisfies Info/Warn/Error directly but With returns *slog.Logger, so
// an adapter is needed.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

// Handler holds the dependencies for the email worker Lambda handler.
type Handler struct {
	escalator *escalate.Escalator
	logger    types.Logger
}

// Handle processes an SQS event containing one or more crossing messages.
// Each message is processed independently; failures are reported via
// batchItemFailures so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage runs a single crossing message through the escalator.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.CrossingMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal crossing message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, do not retry.
		return nil
	}

	logger := h.logger.With(
		"user_id", msg.UserID,
		"tier", string(msg.Tier),
		"trace_id", msg.TraceID,
	)
	logger.Info("processing crossing message")

	if sentTimestamp, ok := record.Attributes["SentTimestamp"]; ok {
		if sentAt, err := parseMillisTimestamp(sentTimestamp); err == nil {
			h.escalator.RecordQueueLag(ctx, sentAt)
		}
	}

	return h.escalator.Process(ctx, &msg)
}

// parseMillisTimestamp parses a millisecond-epoch string, the format of the
// SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("email worker initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}

	renderer, err := escalate.NewRenderer(escalate.RendererConfig{
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		FrontendURL: cfg.Server.FrontendURL,
	})
	if err != nil {
		logger.Error("failed to initialize email renderer", "error", err)
		os.Exit(1)
	}

	sesClient := external.NewSESClient(awsCfg, external.SESClientConfig{
		ConfigSetName: cfg.Email.ConfigSetName,
		Logger:        logger,
	})

	dispatchMetrics := metrics.NewCloudWatchDispatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.AWS.MetricNamespace,
		typedLogger,
	)

	escalator := escalate.NewEscalator(
		db.NewDispatchRepo(pool),
		sesClient,
		renderer,
		dispatchMetrics,
		types.RealClock{},
		typedLogger,
	)

	handler := &Handler{escalator: escalator, logger: typedLogger}

	logger.Info("email worker initialized",
		"crossing_queue", cfg.AWS.CrossingQueue,
		"metric_namespace", cfg.AWS.MetricNamespace,
		"from_address", cfg.Email.FromAddress,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local testing without the AWS Lambda RIE.
	if cfg.Environment == "local" {
		runLocal(handler, logger)
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal executes the handler once against an SQS event read from stdin.
func runLocal(handler *Handler, logger *slog.Logger) {
	logger.Info("APP_ENV=local: reading SQS event from stdin")
	payload, err := io.ReadAll(os.Stdin)
	if err != nil || len(payload) == 0 {
		logger.Error("failed to read SQS event from stdin", "error", err)
		os.Exit(1)
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		logger.Error("failed to parse stdin as SQS event", "error", err)
		os.Exit(1)
	}

	response, err := handler.Handle(context.Background(), sqsEvent)
	if err != nil {
		logger.Error("handler execution failed", "error", err)
		os.Exit(1)
	}
	if len(response.BatchItemFailures) > 0 {
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(os.Stderr, string(respJSON))
	}
	logger.Info("handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
}
