package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// Boundary is the monotonic delta cursor: boundary field ascending, then
// entity ID as tie-breaker, so a pull with a fixed boundary is reproducible.
type Boundary struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// RecordRepository is the narrow document-store surface the sync engine sees.
type RecordRepository interface {
	// Get returns one record.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.Record, error)

	// GetVersion returns the authoritative version of a record, 0 when absent.
	GetVersion(ctx context.Context, userID, id uuid.UUID) (int64, error)

	// ChangedSince returns up to limit records strictly after the boundary in
	// (updated_at, id) ascending order. An upper bound freezes the snapshot
	// for chunked pulls; pass zero time for no upper bound.
	ChangedSince(ctx context.Context, userID uuid.UUID, after Boundary, upper time.Time, limit int) ([]model.Record, error)

	// CountChangedSince reports how many records remain after the boundary.
	CountChangedSince(ctx context.Context, userID uuid.UUID, after Boundary, upper time.Time) (int, error)

	// Apply upserts a record iff baseVer matches the stored version (0 for a
	// new record). Returns the new version or errs.ErrVersionConflict.
	Apply(ctx context.Context, userID uuid.UUID, ch model.Change) (int64, error)
}
