// Package archive exports aged dispatch-log rows to compressed NDJSON files
// and prunes them from the hot table. The dispatch log's at-most-once
// guarantee only matters inside the notification window, so rows older than
// the retention period can leave the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"nutrisight/internal/config"
	"nutrisight/internal/types"
)

// batchSize bounds how many rows one archive pass exports.
const batchSize = 5000

// DispatchSource is the slice of the dispatch store the archiver needs.
type DispatchSource interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.DispatchRecord, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Result summarizes one archive pass.
type Result struct {
	Exported int
	Pruned   int64
	File     string
}

// Archiver writes aged dispatch rows to zstd-compressed NDJSON and deletes
// them afterwards. Deletion only runs after the file is synced, so a crash
// mid-pass re-exports rather than loses rows.
type Archiver struct {
	source DispatchSource
	cfg    config.ArchiveConfig
	clock  types.Clock
	logger *slog.Logger
}

// NewArchiver creates an Archiver. Logger may be nil.
func NewArchiver(source DispatchSource, cfg config.ArchiveConfig, clock types.Clock, logger *slog.Logger) *Archiver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		source: source,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Run performs one archive pass: export up to batchSize rows older than the
// retention cutoff, then prune them. An empty pass returns a zero Result and
// writes no file.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	cutoff := a.clock.Now().Add(-a.cfg.Retention)

	rows, err := a.source.ListOlderThan(ctx, cutoff, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("archive: failed to list aged dispatch rows: %w", err)
	}
	if len(rows) == 0 {
		return Result{}, nil
	}

	path, err := a.export(rows)
	if err != nil {
		return Result{}, err
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	pruned, err := a.source.DeleteByIDs(ctx, ids)
	if err != nil {
		// The export succeeded; the next pass re-exports the same rows and
		// overwrites nothing (timestamped filenames).
		return Result{Exported: len(rows), File: path}, fmt.Errorf("archive: failed to prune exported rows: %w", err)
	}

	a.logger.InfoContext(ctx, "dispatch rows archived",
		"exported", len(rows),
		"pruned", pruned,
		"file", path,
		"cutoff", cutoff,
	)

	return Result{Exported: len(rows), Pruned: pruned, File: path}, nil
}

// export writes the rows as zstd-compressed NDJSON and returns the file path.
func (a *Archiver) export(rows []types.DispatchRecord) (string, error) {
	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: failed to create archive dir: %w", err)
	}

	name := fmt.Sprintf("dispatch-%s.ndjson.zst", a.clock.Now().Format("20060102T150405"))
	path := filepath.Join(a.cfg.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: failed to create %s: %w", path, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("archive: failed to create zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			zw.Close()
			return "", fmt.Errorf("archive: failed to encode dispatch row %s: %w", rows[i].ID, err)
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("archive: failed to flush zstd stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("archive: failed to sync %s: %w", path, err)
	}

	return path, nil
}
