package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/phelinki/smor-ting-sub004/internal/crypto"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/repository"
	"github.com/phelinki/smor-ting-sub004/internal/resume"
)

// Checkpoint is the client-held pull cursor. It encodes the (updated_at, id)
// boundary of the last fully consumed delta; the server keeps no copy.
type Checkpoint struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        uuid.UUID `json:"id"`
}

// EncodeCheckpoint renders a checkpoint as an opaque token.
func EncodeCheckpoint(cp Checkpoint) string {
	raw, _ := json.Marshal(cp)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCheckpoint parses an opaque checkpoint token. The empty string is the
// initial checkpoint (full pull).
func DecodeCheckpoint(token string) (Checkpoint, error) {
	if token == "" {
		return Checkpoint{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: %w", errs.ErrMalformedToken)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: %w", errs.ErrMalformedToken)
	}
	return cp, nil
}

// PullResult is one pull response: a delta plus the checkpoint covering it.
// For large deltas the pull turns chunked and carries a resume token instead
// of the full set.
type PullResult struct {
	Records     []model.Record
	Checkpoint  string
	HasMore     bool
	Chunked     bool
	ResumeToken string
	NextChunk   int
	TotalChunks int
}

// PushResult reports the outcome for one pushed change.
type PushResult struct {
	RecordID uuid.UUID
	Accepted bool
	QueueID  uuid.UUID
}

// SyncStatus is the poll response for background sync progress.
type SyncStatus struct {
	Status    *model.BackgroundSyncStatus
	Conflicts []model.SyncQueueItem
}

// SyncService defines the server-side sync protocol operations.
type SyncService interface {
	// PullSince returns the delta after the checkpoint. Deltas larger than
	// the chunk threshold are served chunked.
	PullSince(ctx context.Context, userID uuid.UUID, checkpoint string) (*PullResult, error)
	// PullChunk continues a chunked pull from its resume token.
	PullChunk(ctx context.Context, userID uuid.UUID, resumeToken string) (*PullResult, error)
	// PushChange ingests client-made changes into the reconciliation queue.
	PushChange(ctx context.Context, userID uuid.UUID, changes []model.Change) ([]PushResult, error)
	// Status reports background sync progress and open conflicts.
	Status(ctx context.Context, userID uuid.UUID) (*SyncStatus, error)
	// Resolve settles one conflict item: keep the client payload (re-enqueued
	// against the current version) or keep the server record.
	Resolve(ctx context.Context, userID, itemID uuid.UUID, keepMine bool) error
	// Metrics returns recent pull metrics for a user.
	Metrics(ctx context.Context, userID uuid.UUID, limit int) ([]model.SyncMetrics, error)
}

// SyncConfig bounds chunking and resume-token lifetime.
type SyncConfig struct {
	// ChunkThreshold is the delta size above which a pull turns chunked.
	ChunkThreshold int
	ChunkSize      int
	ResumeTTL      time.Duration
}

type SyncServiceImpl struct {
	records repository.RecordRepository
	queue   repository.QueueRepository
	status  repository.StatusRepository
	metrics repository.MetricsRepository
	cursors resume.Store
	cfg     SyncConfig
	log     *zap.Logger
	now     func() time.Time
}

// NewSyncService constructs SyncService with required dependencies.
func NewSyncService(
	records repository.RecordRepository,
	queue repository.QueueRepository,
	status repository.StatusRepository,
	metrics repository.MetricsRepository,
	cursors resume.Store,
	cfg SyncConfig,
	log *zap.Logger,
) *SyncServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ChunkThreshold == 0 {
		cfg.ChunkThreshold = 200
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 100
	}
	if cfg.ResumeTTL == 0 {
		cfg.ResumeTTL = 30 * time.Minute
	}
	return &SyncServiceImpl{
		records: records, queue: queue, status: status, metrics: metrics,
		cursors: cursors, cfg: cfg, log: log, now: time.Now,
	}
}

// PullSince computes the delta strictly after the checkpoint in stable
// (updated_at, id) order. Re-requesting with the same checkpoint and no
// intervening writes returns the identical delta.
func (s *SyncServiceImpl) PullSince(ctx context.Context, userID uuid.UUID, checkpoint string) (*PullResult, error) {
	cp, err := DecodeCheckpoint(checkpoint)
	if err != nil {
		return nil, err
	}
	started := s.now()
	after := repository.Boundary{UpdatedAt: cp.UpdatedAt, ID: cp.ID}

	total, err := s.records.CountChangedSince(ctx, userID, after, time.Time{})
	if err != nil {
		return nil, err
	}
	if total > s.cfg.ChunkThreshold {
		return s.openChunked(ctx, userID, after, started)
	}

	recs, err := s.records.ChangedSince(ctx, userID, after, time.Time{}, total)
	if err != nil {
		return nil, err
	}
	next := checkpoint
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		next = EncodeCheckpoint(Checkpoint{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	s.appendMetrics(ctx, userID, started, recs, false)
	return &PullResult{Records: recs, Checkpoint: next, HasMore: false}, nil
}

// openChunked freezes the snapshot's upper boundary at open time and serves
// the first chunk. Later writes stay invisible to this pull.
func (s *SyncServiceImpl) openChunked(
	ctx context.Context, userID uuid.UUID, after repository.Boundary, started time.Time,
) (*PullResult, error) {
	upper := s.now().UTC()
	total, err := s.records.CountChangedSince(ctx, userID, after, upper)
	if err != nil {
		return nil, err
	}
	totalChunks := (total + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize

	recs, err := s.records.ChangedSince(ctx, userID, after, upper, s.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	res := &PullResult{Records: recs, Chunked: true, NextChunk: 1, TotalChunks: totalChunks}
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		res.Checkpoint = EncodeCheckpoint(Checkpoint{UpdatedAt: last.UpdatedAt, ID: last.ID})
		res.HasMore = totalChunks > 1
	}
	if res.HasMore {
		token, err := pkgcrypto.NewResumeToken()
		if err != nil {
			return nil, err
		}
		last := recs[len(recs)-1]
		cursor := resume.Cursor{
			UserID:       userID,
			AfterUpdated: last.UpdatedAt,
			AfterID:      last.ID,
			Upper:        upper,
			ChunkSize:    s.cfg.ChunkSize,
			NextChunk:    2,
			TotalChunks:  totalChunks,
		}
		if err := s.cursors.Put(ctx, token, cursor, s.cfg.ResumeTTL); err != nil {
			return nil, err
		}
		res.ResumeToken = token
	}
	s.appendMetrics(ctx, userID, started, recs, true)
	return res, nil
}

// PullChunk serves the next chunk of a frozen snapshot. An expired or unknown
// resume token means the client restarts from its last committed checkpoint.
func (s *SyncServiceImpl) PullChunk(ctx context.Context, userID uuid.UUID, resumeToken string) (*PullResult, error) {
	cursor, err := s.cursors.Get(ctx, resumeToken)
	if err != nil {
		return nil, err
	}
	if cursor == nil || cursor.UserID != userID {
		return nil, fmt.Errorf("resume token: %w", errs.ErrTokenExpired)
	}
	started := s.now()

	after := repository.Boundary{UpdatedAt: cursor.AfterUpdated, ID: cursor.AfterID}
	recs, err := s.records.ChangedSince(ctx, userID, after, cursor.Upper, cursor.ChunkSize)
	if err != nil {
		return nil, err
	}
	res := &PullResult{
		Records:     recs,
		Chunked:     true,
		NextChunk:   cursor.NextChunk,
		TotalChunks: cursor.TotalChunks,
		HasMore:     cursor.NextChunk < cursor.TotalChunks,
	}
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		res.Checkpoint = EncodeCheckpoint(Checkpoint{UpdatedAt: last.UpdatedAt, ID: last.ID})
	} else {
		res.HasMore = false
	}

	if res.HasMore {
		last := recs[len(recs)-1]
		next := *cursor
		next.AfterUpdated = last.UpdatedAt
		next.AfterID = last.ID
		next.NextChunk = cursor.NextChunk + 1
		if err := s.cursors.Put(ctx, resumeToken, next, s.cfg.ResumeTTL); err != nil {
			return nil, err
		}
		res.ResumeToken = resumeToken
	} else {
		_ = s.cursors.Delete(ctx, resumeToken)
	}
	s.appendMetrics(ctx, userID, started, recs, true)
	return res, nil
}

// PushChange ingests changes. The client's base version is advisory input to
// conflict detection only; the authoritative version always comes from the
// store. A stale base yields a conflict item, never an accepted write.
func (s *SyncServiceImpl) PushChange(ctx context.Context, userID uuid.UUID, changes []model.Change) ([]PushResult, error) {
	now := s.now().UTC()
	results := make([]PushResult, 0, len(changes))
	for _, ch := range changes {
		serverVer, err := s.records.GetVersion(ctx, userID, ch.RecordID)
		if err != nil {
			return nil, err
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		item := &model.SyncQueueItem{
			ID:            id,
			UserID:        userID,
			RecordID:      ch.RecordID,
			Collection:    ch.Collection,
			Payload:       ch.Payload,
			BaseVersion:   ch.BaseVersion,
			ServerVersion: serverVer,
			Deleted:       ch.Deleted,
			State:         model.QueuePending,
			NextAttemptAt: now,
			SubmittedAt:   now,
			UpdatedAt:     now,
		}
		accepted := ch.BaseVersion == serverVer
		if !accepted {
			item.State = model.QueueConflict
		}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return nil, err
		}
		results = append(results, PushResult{RecordID: ch.RecordID, Accepted: accepted, QueueID: id})
	}
	return results, nil
}

// Status reports the reconciler-maintained status row plus open conflicts.
func (s *SyncServiceImpl) Status(ctx context.Context, userID uuid.UUID) (*SyncStatus, error) {
	st, err := s.status.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		st = &model.BackgroundSyncStatus{UserID: userID}
	}
	conflicts, err := s.queue.ListForUser(ctx, userID, []model.QueueState{model.QueueConflict, model.QueueFailed}, 100)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Status: st, Conflicts: conflicts}, nil
}

// Resolve settles one conflict or failed item. keepMine re-enqueues the
// client payload against the current server version; otherwise the server
// record stands and the item is closed.
func (s *SyncServiceImpl) Resolve(ctx context.Context, userID, itemID uuid.UUID, keepMine bool) error {
	item, err := s.queue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.UserID != userID {
		return errs.ErrNotFound
	}
	if item.State != model.QueueConflict && item.State != model.QueueFailed {
		return fmt.Errorf("item %s is %s, nothing to resolve", itemID, item.State)
	}

	now := s.now().UTC()
	if keepMine {
		serverVer, err := s.records.GetVersion(ctx, userID, item.RecordID)
		if err != nil {
			return err
		}
		item.BaseVersion = serverVer
		item.ServerVersion = serverVer
		item.State = model.QueuePending
		item.RetryCount = 0
		item.LastError = ""
		item.NextAttemptAt = now
	} else {
		item.State = model.QueueApplied
		item.LastError = "resolved: server version kept"
	}
	item.UpdatedAt = now
	return s.queue.Update(ctx, item)
}

// Metrics returns recent pull metrics for a user.
func (s *SyncServiceImpl) Metrics(ctx context.Context, userID uuid.UUID, limit int) ([]model.SyncMetrics, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.metrics.ListRecent(ctx, userID, limit)
}

// appendMetrics records one pull observation, best-effort.
func (s *SyncServiceImpl) appendMetrics(
	ctx context.Context, userID uuid.UUID, started time.Time, recs []model.Record, chunked bool,
) {
	id, err := uuid.NewV4()
	if err != nil {
		return
	}
	var size int64
	for _, r := range recs {
		size += int64(len(r.Payload))
	}
	m := &model.SyncMetrics{
		ID:          id,
		UserID:      userID,
		Duration:    s.now().Sub(started),
		RecordCount: len(recs),
		PayloadSize: size,
		Chunked:     chunked,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.metrics.Append(ctx, m); err != nil {
		s.log.Error("append sync metrics", zap.Error(err), zap.String("user_id", userID.String()))
	}
}
