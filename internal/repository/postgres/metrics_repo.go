package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// MetricsRepo implements MetricsRepository using PostgreSQL.
type MetricsRepo struct{ db *DB }

// NewMetricsRepo constructs a sync-metrics repository.
func NewMetricsRepo(db *DB) *MetricsRepo { return &MetricsRepo{db: db} }

// Append inserts one immutable metrics row.
func (r *MetricsRepo) Append(ctx context.Context, m *model.SyncMetrics) error {
	const q = `
INSERT INTO sync_metrics (id, user_id, duration_ms, record_count, payload_size, chunked, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Pool.Exec(ctx, q,
		m.ID, m.UserID, m.Duration.Milliseconds(), m.RecordCount, m.PayloadSize, m.Chunked, m.CreatedAt)
	return err
}

// ListRecent returns the newest metrics rows for a user.
func (r *MetricsRepo) ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]model.SyncMetrics, error) {
	const q = `
SELECT id, user_id, duration_ms, record_count, payload_size, chunked, created_at
FROM sync_metrics WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncMetrics
	for rows.Next() {
		var m model.SyncMetrics
		var ms int64
		if err := rows.Scan(&m.ID, &m.UserID, &ms, &m.RecordCount, &m.PayloadSize, &m.Chunked, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}
