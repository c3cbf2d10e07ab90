package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/repository"
)

// ReconcilerConfig bounds the drain loop.
type ReconcilerConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	// BaseDelay seeds the capped exponential retry schedule.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retention is how long applied items stay before pruning.
	Retention time.Duration
}

// Reconciler drains pending queue items in the background, applies the
// version-matched ones, and keeps per-user sync status current.
type Reconciler struct {
	records repository.RecordRepository
	queue   repository.QueueRepository
	status  repository.StatusRepository
	cfg     ReconcilerConfig
	log     *zap.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler constructs a stopped reconciler.
func NewReconciler(
	records repository.RecordRepository,
	queue repository.QueueRepository,
	status repository.StatusRepository,
	cfg ReconcilerConfig,
	log *zap.Logger,
) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Reconciler{
		records: records, queue: queue, status: status,
		cfg: cfg, log: log, now: time.Now,
	}
}

// Start launches the drain loop. Stop waits for the in-flight batch.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.log.Error("reconcile batch", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RunOnce drains one batch of due items and refreshes status for every user
// the batch touched. Exposed for tests and for on-demand draining.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := r.now().UTC()
	items, err := r.queue.Due(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	touched := make(map[uuid.UUID]struct{})
	for i := range items {
		item := &items[i]
		touched[item.UserID] = struct{}{}
		r.applyItem(ctx, item)
	}

	if _, err := r.queue.PruneApplied(ctx, now.Add(-r.cfg.Retention)); err != nil {
		r.log.Error("prune applied items", zap.Error(err))
	}

	for userID := range touched {
		if err := r.refreshStatus(ctx, userID); err != nil {
			r.log.Error("refresh sync status", zap.Error(err), zap.String("user_id", userID.String()))
		}
	}
	return nil
}

// applyItem re-checks the authoritative version at apply time: the window
// between ingest and apply can hold other writes, so the ingest-time verdict
// is never trusted.
func (r *Reconciler) applyItem(ctx context.Context, item *model.SyncQueueItem) {
	now := r.now().UTC()
	ch := model.Change{
		RecordID:    item.RecordID,
		Collection:  item.Collection,
		BaseVersion: item.BaseVersion,
		Payload:     item.Payload,
		Deleted:     item.Deleted,
	}
	newVer, err := r.records.Apply(ctx, item.UserID, ch)
	switch {
	case err == nil:
		item.State = model.QueueApplied
		item.ServerVersion = newVer
		item.LastError = ""
	case errors.Is(err, errs.ErrVersionConflict):
		// Conflicts are marked, never auto-resolved.
		item.State = model.QueueConflict
		item.LastError = "version conflict at apply time"
		if ver, verr := r.records.GetVersion(ctx, item.UserID, item.RecordID); verr == nil {
			item.ServerVersion = ver
		}
	default:
		item.RetryCount++
		item.LastError = err.Error()
		if item.RetryCount >= r.cfg.MaxRetries {
			item.State = model.QueueFailed
		} else {
			item.NextAttemptAt = now.Add(r.retryDelay(item.RetryCount))
		}
	}
	item.UpdatedAt = now
	if uerr := r.queue.Update(ctx, item); uerr != nil {
		r.log.Error("update queue item", zap.Error(uerr), zap.String("item_id", item.ID.String()))
	}
}

// retryDelay is capped exponential: base * 2^(attempt-1), at most MaxDelay.
func (r *Reconciler) retryDelay(attempt int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	return d
}

// refreshStatus overwrites the user's status row from current queue counts.
// Writing the same counts twice leaves the row unchanged.
func (r *Reconciler) refreshStatus(ctx context.Context, userID uuid.UUID) error {
	counts, err := r.queue.CountByState(ctx, userID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	prev, err := r.status.Get(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	st := &model.BackgroundSyncStatus{
		UserID:        userID,
		SyncInFlight:  counts[model.QueuePending] > 0,
		PendingCount:  counts[model.QueuePending],
		ConflictCount: counts[model.QueueConflict],
		FailedCount:   counts[model.QueueFailed],
		LastSyncAt:    now,
		UpdatedAt:     now,
	}
	if prev != nil {
		st.LastCheckpoint = prev.LastCheckpoint
	}
	return r.status.Upsert(ctx, st)
}
