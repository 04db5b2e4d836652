// Package db provides PostgreSQL-backed repository implementations for the
// entitlement engine. All repositories accept a DBTX interface that is
// satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx (for
// transactional execution), enabling clean transaction support.
//
// Tables owned by this package:
//
//	quota_records  (user_id PK, plan_tier, scans_used, allotment,
//	                created_at, updated_at)
//	user_profiles  (user_id PK, email, display_name, stripe_customer_id, created_at, updated_at)
//	dispatch_log   (id PK, user_id, tier, outcome, error_message, sent_at)
//	               partial unique index on (user_id, tier) WHERE outcome = 'sent'
//	analyses       (read-only here; id, user_id, health_score, created_at)
//
// Quota mutations NOTIFY the quota change channel in the same statement so the
// change feed wakes without polling.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// QuotaChangeChannel is the Postgres NOTIFY channel carrying quota change
// events. Payloads are JSON: {"user_id": ..., "updated_at": ...}.
const QuotaChangeChannel = "quota_changed"

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
