// Package main is the entrypoint for the signup worker Lambda function.
//
// The worker consumes account-created events from the signup SQS queue and
// provisions the user's quota record and profile. Provisioning is idempotent,
// so at-least-once delivery and redrives are safe. Failed messages are
// reported via the SQS partial batch response so only they are redelivered.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"nutrisight/internal/config"
	"nutrisight/internal/db"
	"nutrisight/internal/entitlement"
	"nutrisight/internal/provision"
	"nutrisight/internal/types"
)

// Handler holds the dependencies for the signup worker Lambda handler.
type Handler struct {
	provisioner *provision.Provisioner
	logger      *slog.Logger
}

// Handle processes an SQS event of account-created messages. Each message is
// provisioned independently; failures are reported via batchItemFailures.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage provisions a single signup event.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var event types.SignupEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		h.logger.Error("failed to unmarshal signup event",
			slog.String("message_id", record.MessageId),
			slog.String("error", err.Error()),
		)
		// Permanent parse failure, do not retry.
		return nil
	}

	result, err := h.provisioner.ProvisionOnSignup(ctx, event)
	if err != nil {
		return err
	}

	h.logger.Info("signup provisioned",
		slog.String("user_id", event.UserID),
		slog.Bool("quota_created", result.Created),
		slog.Bool("profile_created", result.ProfileCreated),
		slog.String("trace_id", event.TraceID),
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("signup worker initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}

	calc := entitlement.NewCalculator(entitlement.ThresholdsFromConfig(cfg.Quota))
	provisioner := provision.NewProvisioner(
		db.NewQuotaRepo(pool),
		db.NewProfileRepo(pool),
		calc,
		logger,
	)

	handler := &Handler{provisioner: provisioner, logger: logger}

	logger.Info("signup worker initialized",
		"signup_queue", cfg.AWS.SignupQueue,
		"free_allotment", cfg.Quota.FreeAllotment,
	)

	lambda.Start(handler.Handle)
}
