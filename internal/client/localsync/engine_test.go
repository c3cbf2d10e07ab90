package localsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/phelinki/smor-ting-sub004/internal/client/api"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

type scriptedBackend struct {
	mu             sync.Mutex
	pullResponses  []*api.PullResponse
	chunkResponses []*api.PullResponse
	chunkErrs      []error
	pullDelay      time.Duration

	pullCalls   int32
	chunkCalls  int32
	checkpoints []string
	resumes     []string
	pushed      [][]model.Change
	pushStatus  string
}

var _ Backend = (*scriptedBackend)(nil)

func (b *scriptedBackend) Pull(_ context.Context, checkpoint string) (*api.PullResponse, error) {
	atomic.AddInt32(&b.pullCalls, 1)
	if b.pullDelay > 0 {
		time.Sleep(b.pullDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoints = append(b.checkpoints, checkpoint)
	if len(b.pullResponses) == 0 {
		return &api.PullResponse{Checkpoint: checkpoint}, nil
	}
	resp := b.pullResponses[0]
	b.pullResponses = b.pullResponses[1:]
	return resp, nil
}

func (b *scriptedBackend) Chunk(_ context.Context, token string) (*api.PullResponse, error) {
	atomic.AddInt32(&b.chunkCalls, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumes = append(b.resumes, token)
	if len(b.chunkErrs) > 0 {
		err := b.chunkErrs[0]
		b.chunkErrs = b.chunkErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(b.chunkResponses) == 0 {
		return &api.PullResponse{}, nil
	}
	resp := b.chunkResponses[0]
	b.chunkResponses = b.chunkResponses[1:]
	return resp, nil
}

func (b *scriptedBackend) Push(_ context.Context, changes []model.Change) ([]api.PushOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushed = append(b.pushed, changes)
	status := b.pushStatus
	if status == "" {
		status = "accepted"
	}
	outcomes := make([]api.PushOutcome, 0, len(changes))
	for i, ch := range changes {
		outcomes = append(outcomes, api.PushOutcome{
			RecordID: ch.RecordID.String(),
			Status:   status,
			QueueID:  fmt.Sprintf("q-%d", i),
		})
	}
	return outcomes, nil
}

func makeRecord(version int64) model.Record {
	return model.Record{
		ID:         uuid.Must(uuid.NewV4()),
		UserID:     uuid.Must(uuid.NewV4()),
		Collection: "bookings",
		Payload:    json.RawMessage(`{"k":"v"}`),
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
	}
}

func newEngineForTest(t *testing.T, backend Backend) (*Engine, *Store) {
	t.Helper()
	store := NewStore(t.TempDir())
	return NewEngine(store, backend, nil), store
}

func TestSync_PullAppliesAndAdvancesCheckpoint(t *testing.T) {
	recs := []model.Record{makeRecord(1), makeRecord(2), makeRecord(3)}
	backend := &scriptedBackend{
		pullResponses: []*api.PullResponse{{Data: recs, Checkpoint: "cp-1"}},
	}
	eng, store := newEngineForTest(t, backend)

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Pulled != 3 {
		t.Fatalf("pulled = %d, want 3", res.Pulled)
	}
	replica, err := store.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(replica) != 3 {
		t.Fatalf("replica size = %d, want 3", len(replica))
	}
	st, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Checkpoint != "cp-1" {
		t.Fatalf("checkpoint = %q, want cp-1", st.Checkpoint)
	}
	if st.LastSyncAt.IsZero() {
		t.Fatal("last sync time not recorded")
	}
}

func TestSync_ChunkedPullFollowsResume(t *testing.T) {
	c1 := []model.Record{makeRecord(1), makeRecord(1)}
	c2 := []model.Record{makeRecord(1), makeRecord(1)}
	c3 := []model.Record{makeRecord(1)}
	backend := &scriptedBackend{
		pullResponses: []*api.PullResponse{
			{Data: c1, Checkpoint: "cp-a", HasMore: true, ResumeToken: "tok", NextChunk: 2, TotalChunks: 3},
		},
		chunkResponses: []*api.PullResponse{
			{Data: c2, Checkpoint: "cp-b", HasMore: true, ResumeToken: "tok", NextChunk: 3, TotalChunks: 3},
			{Data: c3, Checkpoint: "cp-final"},
		},
	}
	eng, store := newEngineForTest(t, backend)

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Pulled != 5 {
		t.Fatalf("pulled = %d, want 5", res.Pulled)
	}
	if n := atomic.LoadInt32(&backend.chunkCalls); n != 2 {
		t.Fatalf("chunk calls = %d, want 2", n)
	}
	st, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Checkpoint != "cp-final" || st.ResumeToken != "" {
		t.Fatalf("state after chunked pull = %+v", st)
	}
}

func TestSync_ResumesInterruptedChunkedPull(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	first := &scriptedBackend{
		pullResponses: []*api.PullResponse{
			{Data: []model.Record{makeRecord(1)}, Checkpoint: "cp-a", HasMore: true, ResumeToken: "tok", NextChunk: 2, TotalChunks: 2},
		},
		chunkErrs: []error{errs.ErrUnavailable},
	}
	eng := NewEngine(store, first, nil)
	if _, err := eng.Sync(context.Background()); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("first sync err = %v, want ErrUnavailable", err)
	}

	// A fresh process over the same replica picks up from the resume token
	// instead of pulling from scratch.
	second := &scriptedBackend{
		chunkResponses: []*api.PullResponse{
			{Data: []model.Record{makeRecord(1)}, Checkpoint: "cp-final"},
		},
	}
	eng2 := NewEngine(NewStore(dir), second, nil)
	if _, err := eng2.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if n := atomic.LoadInt32(&second.pullCalls); n != 0 {
		t.Fatalf("pull calls on resume = %d, want 0", n)
	}
	second.mu.Lock()
	resumes := second.resumes
	second.mu.Unlock()
	if len(resumes) != 1 || resumes[0] != "tok" {
		t.Fatalf("resumed with %v, want [tok]", resumes)
	}
}

func TestSync_ExpiredResumeRestartsFromCheckpoint(t *testing.T) {
	backend := &scriptedBackend{
		chunkErrs: []error{errs.ErrTokenExpired},
		pullResponses: []*api.PullResponse{
			{Data: []model.Record{makeRecord(1)}, Checkpoint: "cp-new"},
		},
	}
	eng, store := newEngineForTest(t, backend)
	if err := store.SaveState(SyncState{Checkpoint: "cp-old", ResumeToken: "stale"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	backend.mu.Lock()
	checkpoints := backend.checkpoints
	backend.mu.Unlock()
	if len(checkpoints) != 1 || checkpoints[0] != "cp-old" {
		t.Fatalf("restart pulled from %v, want [cp-old]", checkpoints)
	}
	st, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Checkpoint != "cp-new" || st.ResumeToken != "" {
		t.Fatalf("state after restart = %+v", st)
	}
}

func TestSync_PushDrainsOutbox(t *testing.T) {
	backend := &scriptedBackend{}
	eng, store := newEngineForTest(t, backend)

	for i := 0; i < 2; i++ {
		ch := model.Change{
			RecordID:    uuid.Must(uuid.NewV4()),
			Collection:  "bookings",
			BaseVersion: int64(i + 1),
			Payload:     json.RawMessage(`{"edited":true}`),
		}
		if err := store.Enqueue(ch); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Pushed != 2 {
		t.Fatalf("pushed = %d, want 2", res.Pushed)
	}
	outbox, err := store.Outbox()
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 0 {
		t.Fatalf("outbox size after sync = %d, want 0", len(outbox))
	}
}

func TestSync_ConflictLeavesOutboxAndIsReported(t *testing.T) {
	backend := &scriptedBackend{pushStatus: "conflict"}
	eng, store := newEngineForTest(t, backend)

	ch := model.Change{
		RecordID:    uuid.Must(uuid.NewV4()),
		Collection:  "bookings",
		BaseVersion: 3,
		Payload:     json.RawMessage(`{"edited":true}`),
	}
	if err := store.Enqueue(ch); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].RecordID != ch.RecordID.String() {
		t.Fatalf("conflicts = %+v, want one for %s", res.Conflicts, ch.RecordID)
	}
	// The server queued the change, so resolution happens there and the
	// outbox entry is done.
	outbox, err := store.Outbox()
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 0 {
		t.Fatalf("outbox size = %d, want 0", len(outbox))
	}
}

func TestSync_ConcurrentCallersJoinOneCycle(t *testing.T) {
	backend := &scriptedBackend{pullDelay: 20 * time.Millisecond}
	eng, _ := newEngineForTest(t, backend)

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Sync(context.Background()); err != nil {
				t.Errorf("sync: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&backend.pullCalls); n != 1 {
		t.Fatalf("pull calls = %d, want 1", n)
	}
}

func TestEnqueue_CoalescesEditsToSameRecord(t *testing.T) {
	store := NewStore(t.TempDir())
	id := uuid.Must(uuid.NewV4())

	first := model.Change{RecordID: id, Collection: "profile", BaseVersion: 4, Payload: json.RawMessage(`{"v":1}`)}
	second := model.Change{RecordID: id, Collection: "profile", BaseVersion: 5, Payload: json.RawMessage(`{"v":2}`)}
	if err := store.Enqueue(first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := store.Enqueue(second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	outbox, err := store.Outbox()
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 1 {
		t.Fatalf("outbox size = %d, want 1", len(outbox))
	}
	if string(outbox[0].Payload) != `{"v":2}` {
		t.Fatalf("payload = %s, want latest edit", outbox[0].Payload)
	}
	if outbox[0].BaseVersion != 4 {
		t.Fatalf("base version = %d, want the original 4", outbox[0].BaseVersion)
	}
}

func TestApplyBatch_TombstoneRemovesLocalCopy(t *testing.T) {
	store := NewStore(t.TempDir())
	rec := makeRecord(2)
	if err := store.ApplyBatch([]model.Record{rec}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	dead := rec
	dead.Deleted = true
	dead.Version = 3
	if err := store.ApplyBatch([]model.Record{dead}); err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}

	replica, err := store.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if _, ok := replica[rec.ID.String()]; ok {
		t.Fatal("tombstoned record still in replica")
	}
}
