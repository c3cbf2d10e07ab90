package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/repository"
)

// failingRecords wraps fakeRecords and fails Apply a fixed number of times.
type failingRecords struct {
	*fakeRecords
	failures int
}

func (f *failingRecords) Apply(ctx context.Context, userID uuid.UUID, ch model.Change) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("transient storage error")
	}
	return f.fakeRecords.Apply(ctx, userID, ch)
}

var _ repository.RecordRepository = (*failingRecords)(nil)

func pushOne(t *testing.T, svc *SyncServiceImpl, records *fakeRecords, userID uuid.UUID, baseVer int64) uuid.UUID {
	t.Helper()
	recID := uuid.Must(uuid.NewV4())
	if baseVer > 0 {
		records.put(model.Record{
			ID: recID, UserID: userID, Collection: "bookings",
			Payload: json.RawMessage(`{}`), Version: baseVer, UpdatedAt: time.Now().UTC(),
		})
	}
	results, err := svc.PushChange(context.Background(), userID, []model.Change{
		{RecordID: recID, Collection: "bookings", BaseVersion: baseVer, Payload: json.RawMessage(`{"v":1}`)},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	return results[0].QueueID
}

func TestReconciler_AppliesPendingItems(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	rec := NewReconciler(records, queue, status, ReconcilerConfig{}, nil)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	item, _ := queue.Get(context.Background(), itemID)
	if item.State != model.QueueApplied {
		t.Fatalf("item state %s, want applied", item.State)
	}
	if item.ServerVersion != 4 {
		t.Fatalf("server version %d, want 4", item.ServerVersion)
	}
	st, err := status.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("status row missing: %v", err)
	}
	if st.PendingCount != 0 || st.ConflictCount != 0 {
		t.Fatalf("status %+v, want clean", st)
	}
}

func TestReconciler_ConflictAtApplyTime(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	// Another device writes between ingest and apply.
	item, _ := queue.Get(context.Background(), itemID)
	if _, err := records.Apply(context.Background(), userID, model.Change{
		RecordID: item.RecordID, Collection: "bookings", BaseVersion: 3, Payload: json.RawMessage(`{"other":1}`),
	}); err != nil {
		t.Fatalf("concurrent write: %v", err)
	}

	rec := NewReconciler(records, queue, status, ReconcilerConfig{}, nil)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	item, _ = queue.Get(context.Background(), itemID)
	if item.State != model.QueueConflict {
		t.Fatalf("item state %s, want conflict", item.State)
	}
	st, _ := status.Get(context.Background(), userID)
	if st.ConflictCount != 1 {
		t.Fatalf("conflict count %d, want 1", st.ConflictCount)
	}
}

func TestReconciler_RetriesThenFails(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	flakey := &failingRecords{fakeRecords: records, failures: 100}
	rec := NewReconciler(flakey, queue, status, ReconcilerConfig{MaxRetries: 3}, nil)
	// Advance the clock past any scheduled retry on every observation.
	cur := time.Now()
	rec.now = func() time.Time { cur = cur.Add(time.Hour); return cur }

	for i := 0; i < 3; i++ {
		if err := rec.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	item, _ := queue.Get(context.Background(), itemID)
	if item.State != model.QueueFailed {
		t.Fatalf("item state %s after retry exhaustion, want failed", item.State)
	}
	if item.RetryCount != 3 {
		t.Fatalf("retry count %d, want 3", item.RetryCount)
	}
}

func TestReconciler_RecoversAfterTransientFailure(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	flakey := &failingRecords{fakeRecords: records, failures: 1}
	rec := NewReconciler(flakey, queue, status, ReconcilerConfig{MaxRetries: 5}, nil)
	cur := time.Now()
	rec.now = func() time.Time { cur = cur.Add(time.Hour); return cur }

	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	item, _ := queue.Get(context.Background(), itemID)
	if item.State != model.QueuePending || item.RetryCount != 1 {
		t.Fatalf("after transient failure got %s/%d, want pending/1", item.State, item.RetryCount)
	}

	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	item, _ = queue.Get(context.Background(), itemID)
	if item.State != model.QueueApplied {
		t.Fatalf("item state %s, want applied", item.State)
	}
}

func TestReconciler_PrunesOldAppliedItems(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	rec := NewReconciler(records, queue, status, ReconcilerConfig{Retention: time.Hour}, nil)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("apply run: %v", err)
	}

	// Past the retention window the applied item disappears.
	rec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatalf("prune run: %v", err)
	}
	if _, err := queue.Get(context.Background(), itemID); err == nil {
		t.Fatal("applied item survived retention window")
	}
}

func TestReconciler_StartStop(t *testing.T) {
	svc, records, queue, status, _ := newSyncForTest(SyncConfig{})
	userID := uuid.Must(uuid.NewV4())
	itemID := pushOne(t, svc, records, userID, 3)

	rec := NewReconciler(records, queue, status, ReconcilerConfig{Interval: 5 * time.Millisecond}, nil)
	rec.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		item, err := queue.Get(context.Background(), itemID)
		if err == nil && item.State == model.QueueApplied {
			break
		}
		select {
		case <-deadline:
			t.Fatal("item not applied before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rec.Stop()
}
