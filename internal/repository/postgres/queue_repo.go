package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// QueueRepo implements QueueRepository using PostgreSQL.
type QueueRepo struct{ db *DB }

// NewQueueRepo constructs a sync-queue repository.
func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

const queueCols = `
id, user_id, record_id, collection, payload, base_ver, server_ver, deleted,
state, retry_count, last_error, next_attempt_at, submitted_at, updated_at`

// Enqueue inserts a new queue item.
func (r *QueueRepo) Enqueue(ctx context.Context, item *model.SyncQueueItem) error {
	const q = `
INSERT INTO sync_queue
  (id, user_id, record_id, collection, payload, base_ver, server_ver, deleted,
   state, retry_count, last_error, next_attempt_at, submitted_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.db.Pool.Exec(ctx, q,
		item.ID, item.UserID, item.RecordID, item.Collection, item.Payload,
		item.BaseVersion, item.ServerVersion, item.Deleted,
		string(item.State), item.RetryCount, item.LastError,
		item.NextAttemptAt, item.SubmittedAt, item.UpdatedAt)
	return err
}

// Get loads one item.
func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncQueueItem, error) {
	q := `SELECT ` + queueCols + ` FROM sync_queue WHERE id=$1`
	item, err := scanQueueRow(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// Due returns up to limit pending items whose next attempt time has passed,
// oldest submission first.
func (r *QueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]model.SyncQueueItem, error) {
	q := `SELECT ` + queueCols + `
FROM sync_queue
WHERE state='pending' AND next_attempt_at <= $1
ORDER BY submitted_at ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQueueRows(rows)
}

// Update persists state and retry mutations of an item.
func (r *QueueRepo) Update(ctx context.Context, item *model.SyncQueueItem) error {
	const q = `
UPDATE sync_queue
SET state=$2, server_ver=$3, retry_count=$4, last_error=$5, next_attempt_at=$6, updated_at=$7
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		item.ID, string(item.State), item.ServerVersion, item.RetryCount,
		item.LastError, item.NextAttemptAt, item.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CountByState returns per-state counts for one user.
func (r *QueueRepo) CountByState(ctx context.Context, userID uuid.UUID) (map[model.QueueState]int, error) {
	const q = `SELECT state, count(*) FROM sync_queue WHERE user_id=$1 GROUP BY state`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.QueueState]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.QueueState(st)] = n
	}
	return out, rows.Err()
}

// ListForUser returns a user's items in the given states, newest first.
func (r *QueueRepo) ListForUser(
	ctx context.Context, userID uuid.UUID, states []model.QueueState, limit int,
) ([]model.SyncQueueItem, error) {
	strs := make([]string, 0, len(states))
	for _, s := range states {
		strs = append(strs, string(s))
	}
	q := `SELECT ` + queueCols + `
FROM sync_queue
WHERE user_id=$1 AND state = ANY($2)
ORDER BY submitted_at DESC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, strs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQueueRows(rows)
}

// PruneApplied deletes applied items older than the horizon.
func (r *QueueRepo) PruneApplied(ctx context.Context, horizon time.Time) (int64, error) {
	const q = `DELETE FROM sync_queue WHERE state='applied' AND updated_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, horizon)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanQueueRow(row pgx.Row) (*model.SyncQueueItem, error) {
	var item model.SyncQueueItem
	var st string
	err := row.Scan(&item.ID, &item.UserID, &item.RecordID, &item.Collection, &item.Payload,
		&item.BaseVersion, &item.ServerVersion, &item.Deleted,
		&st, &item.RetryCount, &item.LastError,
		&item.NextAttemptAt, &item.SubmittedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.State = model.QueueState(st)
	return &item, nil
}

func collectQueueRows(rows pgx.Rows) ([]model.SyncQueueItem, error) {
	var out []model.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
