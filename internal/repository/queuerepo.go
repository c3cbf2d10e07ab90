package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// QueueRepository stores client-submitted changes awaiting reconciliation.
type QueueRepository interface {
	// Enqueue inserts a new queue item.
	Enqueue(ctx context.Context, item *model.SyncQueueItem) error

	// Get loads one item.
	Get(ctx context.Context, id uuid.UUID) (*model.SyncQueueItem, error)

	// Due returns up to limit pending items whose next attempt time has passed,
	// oldest submission first.
	Due(ctx context.Context, now time.Time, limit int) ([]model.SyncQueueItem, error)

	// Update persists state/retry mutations of an item.
	Update(ctx context.Context, item *model.SyncQueueItem) error

	// CountByState returns per-state counts for one user.
	CountByState(ctx context.Context, userID uuid.UUID) (map[model.QueueState]int, error)

	// ListForUser returns a user's items in the given states, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID, states []model.QueueState, limit int) ([]model.SyncQueueItem, error)

	// PruneApplied deletes applied items older than the horizon.
	PruneApplied(ctx context.Context, horizon time.Time) (int64, error)
}

// StatusRepository overwrites the per-user background sync status idempotently.
type StatusRepository interface {
	Upsert(ctx context.Context, st *model.BackgroundSyncStatus) error
	Get(ctx context.Context, userID uuid.UUID) (*model.BackgroundSyncStatus, error)
}

// MetricsRepository appends immutable per-pull sync metrics.
type MetricsRepository interface {
	Append(ctx context.Context, m *model.SyncMetrics) error
	ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]model.SyncMetrics, error)
}
