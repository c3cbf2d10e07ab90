package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/repository"
)

// RecordRepo implements RecordRepository using PostgreSQL.
type RecordRepo struct{ db *DB }

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

// Get returns one record.
func (r *RecordRepo) Get(ctx context.Context, userID, id uuid.UUID) (*model.Record, error) {
	const q = `
SELECT id, user_id, collection, payload, ver, deleted, updated_at
FROM records WHERE id=$1 AND user_id=$2`
	var rec model.Record
	err := r.db.Pool.QueryRow(ctx, q, id, userID).Scan(
		&rec.ID, &rec.UserID, &rec.Collection, &rec.Payload, &rec.Version, &rec.Deleted, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetVersion returns a record's authoritative version, 0 when it does not exist.
func (r *RecordRepo) GetVersion(ctx context.Context, userID, id uuid.UUID) (int64, error) {
	const q = `SELECT ver FROM records WHERE id=$1 AND user_id=$2`
	var ver int64
	err := r.db.Pool.QueryRow(ctx, q, id, userID).Scan(&ver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return ver, nil
}

// ChangedSince returns up to limit records strictly after the boundary, in
// (updated_at, id) ascending order. A non-zero upper bound freezes the
// snapshot so paging with the same bound never sees new writes.
func (r *RecordRepo) ChangedSince(
	ctx context.Context, userID uuid.UUID, after repository.Boundary, upper time.Time, limit int,
) ([]model.Record, error) {
	const q = `
SELECT id, user_id, collection, payload, ver, deleted, updated_at
FROM records
WHERE user_id=$1 AND (updated_at, id) > ($2, $3)
  AND ($4::timestamptz = 'epoch' OR updated_at <= $4)
ORDER BY updated_at ASC, id ASC
LIMIT $5`
	rows, err := r.db.Pool.Query(ctx, q, userID, after.UpdatedAt, after.ID, upperArg(upper), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var rec model.Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Collection, &rec.Payload,
			&rec.Version, &rec.Deleted, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountChangedSince reports how many records remain after the boundary.
func (r *RecordRepo) CountChangedSince(
	ctx context.Context, userID uuid.UUID, after repository.Boundary, upper time.Time,
) (int, error) {
	const q = `
SELECT count(*) FROM records
WHERE user_id=$1 AND (updated_at, id) > ($2, $3)
  AND ($4::timestamptz = 'epoch' OR updated_at <= $4)`
	var n int
	err := r.db.Pool.QueryRow(ctx, q, userID, after.UpdatedAt, after.ID, upperArg(upper)).Scan(&n)
	return n, err
}

// upperArg maps the zero time to the epoch sentinel used by the queries.
func upperArg(upper time.Time) time.Time {
	if upper.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return upper
}

// Apply upserts a record iff ch.BaseVersion matches the stored version
// (0 for a record that does not exist yet). Returns the new version.
func (r *RecordRepo) Apply(ctx context.Context, userID uuid.UUID, ch model.Change) (newVer int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver FROM records WHERE id=$1 AND user_id=$2 FOR UPDATE`
	const ins = `
INSERT INTO records (id, user_id, collection, payload, ver, deleted, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,now())`
	const upd = `
UPDATE records SET payload=$3, ver=$4, deleted=$5, updated_at=now()
WHERE id=$1 AND user_id=$2`

	var curVer int64
	scanErr := tx.QueryRow(ctx, sel, ch.RecordID, userID).Scan(&curVer)
	switch {
	case scanErr == nil:
		if curVer != ch.BaseVersion {
			return 0, errs.ErrVersionConflict
		}
		newVer = curVer + 1
		if _, err = tx.Exec(ctx, upd, ch.RecordID, userID, ch.Payload, newVer, ch.Deleted); err != nil {
			return 0, err
		}
	case errors.Is(scanErr, pgx.ErrNoRows):
		if ch.BaseVersion != 0 {
			return 0, errs.ErrVersionConflict
		}
		newVer = 1
		if _, err = tx.Exec(ctx, ins, ch.RecordID, userID, ch.Collection, ch.Payload, newVer, ch.Deleted); err != nil {
			return 0, err
		}
	default:
		return 0, scanErr
	}
	return newVer, nil
}
