package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// StatusRepo implements StatusRepository using PostgreSQL.
type StatusRepo struct{ db *DB }

// NewStatusRepo constructs a background-sync-status repository.
func NewStatusRepo(db *DB) *StatusRepo { return &StatusRepo{db: db} }

// Upsert overwrites the per-user status row. Writing the same status twice
// leaves the row identical.
func (r *StatusRepo) Upsert(ctx context.Context, st *model.BackgroundSyncStatus) error {
	const q = `
INSERT INTO sync_status
  (user_id, sync_in_flight, last_checkpoint, last_sync_at, pending_count, conflict_count, failed_count, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (user_id) DO UPDATE SET
  sync_in_flight=EXCLUDED.sync_in_flight,
  last_checkpoint=EXCLUDED.last_checkpoint,
  last_sync_at=EXCLUDED.last_sync_at,
  pending_count=EXCLUDED.pending_count,
  conflict_count=EXCLUDED.conflict_count,
  failed_count=EXCLUDED.failed_count,
  updated_at=EXCLUDED.updated_at`
	_, err := r.db.Pool.Exec(ctx, q,
		st.UserID, st.SyncInFlight, st.LastCheckpoint, st.LastSyncAt,
		st.PendingCount, st.ConflictCount, st.FailedCount, st.UpdatedAt)
	return err
}

// Get loads the status row for one user.
func (r *StatusRepo) Get(ctx context.Context, userID uuid.UUID) (*model.BackgroundSyncStatus, error) {
	const q = `
SELECT user_id, sync_in_flight, last_checkpoint, last_sync_at, pending_count, conflict_count, failed_count, updated_at
FROM sync_status WHERE user_id=$1`
	var st model.BackgroundSyncStatus
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(
		&st.UserID, &st.SyncInFlight, &st.LastCheckpoint, &st.LastSyncAt,
		&st.PendingCount, &st.ConflictCount, &st.FailedCount, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}
