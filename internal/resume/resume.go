// Package resume stores in-flight chunked-pull cursors keyed by opaque
// resume tokens. Cursors are short-lived: they expire with the access token
// that opened the pull, after which the client starts over from its
// checkpoint.
package resume

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Cursor is the frozen state of one chunked pull. Upper pins the snapshot's
// upper boundary at open time so later writes never leak into the sequence.
type Cursor struct {
	UserID       uuid.UUID `json:"user_id"`
	AfterUpdated time.Time `json:"after_updated"`
	AfterID      uuid.UUID `json:"after_id"`
	Upper        time.Time `json:"upper"`
	ChunkSize    int       `json:"chunk_size"`
	NextChunk    int       `json:"next_chunk"`
	TotalChunks  int       `json:"total_chunks"`
}

// Store keeps cursors under their resume token for a bounded TTL.
// Get returns (nil, nil) for an unknown or expired token.
type Store interface {
	Put(ctx context.Context, token string, c Cursor, ttl time.Duration) error
	Get(ctx context.Context, token string) (*Cursor, error)
	Delete(ctx context.Context, token string) error
}
