// Package main is the entrypoint for the dispatch archiver Lambda function.
//
// The archiver runs on a schedule (EventBridge cron). Each invocation exports
// dispatch-log rows older than the retention window to zstd-compressed
// NDJSON, then prunes the exported rows. Runs are idempotent: an empty pass
// writes nothing, and a failed prune leaves rows for the next pass.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"nutrisight/internal/archive"
	"nutrisight/internal/config"
	"nutrisight/internal/db"
	"nutrisight/internal/types"
)

// Handler holds the dependencies for the archiver Lambda handler.
type Handler struct {
	archiver *archive.Archiver
	logger   *slog.Logger
}

// Handle runs one archive pass. The scheduled event payload is ignored; the
// cutoff comes from configuration.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	result, err := h.archiver.Run(ctx)
	if err != nil {
		h.logger.Error("archive pass failed",
			slog.Int("exported", result.Exported),
			slog.Int64("pruned", result.Pruned),
			slog.String("error", err.Error()),
		)
		return err
	}

	h.logger.Info("archive pass completed",
		slog.Int("exported", result.Exported),
		slog.Int64("pruned", result.Pruned),
		slog.String("file", result.File),
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("archiver initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}

	archiver := archive.NewArchiver(
		db.NewDispatchRepo(pool),
		cfg.Archive,
		types.RealClock{},
		logger,
	)

	handler := &Handler{archiver: archiver, logger: logger}

	logger.Info("archiver initialized",
		"archive_dir", cfg.Archive.Dir,
		"retention", cfg.Archive.Retention.String(),
	)

	lambda.Start(handler.Handle)
}
