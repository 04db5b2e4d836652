package db

import (
	"context"
	"time"

	"nutrisight/internal/types"
)

// DispatchRepo provides data access for the dispatch_log table, the
// append-only record of notification send attempts.
//
// At-most-once discipline: the table carries a partial unique index on
// (user_id, tier) WHERE outcome = 'sent'. InsertSentIfAbsent targets that
// index with ON CONFLICT DO NOTHING, so two concurrent crossing checks can
// never both record a sent row. Failed rows are plain appends and never block
// a retry.
type DispatchRepo struct {
	db DBTX
}

// NewDispatchRepo creates a new DispatchRepo backed by the given database
// connection (pool or transaction).
func NewDispatchRepo(db DBTX) *DispatchRepo {
	return &DispatchRepo{db: db}
}

// HasSent reports whether a sent row exists for the (user, tier) pair.
func (r *DispatchRepo) HasSent(ctx context.Context, userID string, tier types.QuotaTier) (bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM dispatch_log
		   WHERE user_id = $1 AND tier = $2 AND outcome = 'sent'
		 )`,
		userID,
		string(tier),
	)

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check dispatch log", err)
	}
	return exists, nil
}

// InsertSentIfAbsent atomically records a sent outcome, returning whether the
// row was created. false means another writer already holds the sent slot for
// this (user, tier) pair.
func (r *DispatchRepo) InsertSentIfAbsent(ctx context.Context, rec *types.DispatchRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO dispatch_log (id, user_id, tier, outcome, sent_at)
		 VALUES ($1, $2, $3, 'sent', COALESCE($4, NOW()))
		 ON CONFLICT (user_id, tier) WHERE outcome = 'sent' DO NOTHING`,
		rec.ID,
		rec.UserID,
		string(rec.Tier),
		nilIfZeroTime(rec.SentAt),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record sent dispatch", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertFailed appends a failed outcome row. Multiple failed rows per
// (user, tier) are expected across retries.
func (r *DispatchRepo) InsertFailed(ctx context.Context, rec *types.DispatchRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO dispatch_log (id, user_id, tier, outcome, error_message, sent_at)
		 VALUES ($1, $2, $3, 'failed', $4, COALESCE($5, NOW()))`,
		rec.ID,
		rec.UserID,
		string(rec.Tier),
		rec.ErrorMessage,
		nilIfZeroTime(rec.SentAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record failed dispatch", err)
	}
	return nil
}

// ListOlderThan returns dispatch rows with sent_at before the cutoff, oldest
// first, up to limit. Used by the archiver to export aged rows.
func (r *DispatchRepo) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.DispatchRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, tier, outcome, COALESCE(error_message, ''), sent_at
		 FROM dispatch_log
		 WHERE sent_at < $1
		 ORDER BY sent_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list aged dispatch rows", err)
	}
	defer rows.Close()

	var results []types.DispatchRecord
	for rows.Next() {
		var rec types.DispatchRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Tier, &rec.Outcome, &rec.ErrorMessage, &rec.SentAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dispatch row", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating dispatch rows", err)
	}

	return results, nil
}

// DeleteByIDs removes the given dispatch rows after a successful export.
// Returns the number of rows deleted.
func (r *DispatchRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx,
		`DELETE FROM dispatch_log WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived dispatch rows", err)
	}
	return tag.RowsAffected(), nil
}

// nilIfZeroTime maps the zero time to nil so COALESCE defaults apply.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
