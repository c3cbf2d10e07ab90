package localsync

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/phelinki/smor-ting-sub004/internal/client/api"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// Backend is the network surface the engine needs. *api.Client satisfies it.
type Backend interface {
	Pull(ctx context.Context, checkpoint string) (*api.PullResponse, error)
	Chunk(ctx context.Context, resumeToken string) (*api.PullResponse, error)
	Push(ctx context.Context, changes []model.Change) ([]api.PushOutcome, error)
}

// Result summarizes one sync cycle.
type Result struct {
	Pulled     int
	Pushed     int
	Conflicts  []api.PushOutcome
	Checkpoint string
}

// Engine runs the pull-then-push cycle. Pull goes first so a conflicting
// server write is in the replica before the outbox is submitted against it.
type Engine struct {
	store   *Store
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	sf singleflight.Group
}

// NewEngine builds an engine over the given replica and backend.
func NewEngine(store *Store, backend Backend, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, backend: backend, log: log, now: time.Now}
}

// Sync runs one full cycle. Concurrent callers join the in-flight cycle and
// share its result.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	res, err, _ := e.sf.Do("sync", func() (any, error) {
		return e.run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Result), nil
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	result := &Result{}
	if err := e.pull(ctx, result); err != nil {
		return nil, err
	}
	if err := e.push(ctx, result); err != nil {
		return nil, err
	}

	st, err := e.store.State()
	if err != nil {
		return nil, err
	}
	st.LastSyncAt = e.now().UTC()
	if err := e.store.SaveState(st); err != nil {
		return nil, err
	}
	result.Checkpoint = st.Checkpoint
	return result, nil
}

// pull drains the server's change feed, following chunk cursors until the
// feed reports no more data. An interrupted chunked pull resumes from the
// persisted token; an expired token falls back to a fresh pull from the last
// durable checkpoint, which is safe because applying a record twice is
// idempotent.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	st, err := e.store.State()
	if err != nil {
		return err
	}
	for {
		var resp *api.PullResponse
		if st.ResumeToken != "" {
			resp, err = e.backend.Chunk(ctx, st.ResumeToken)
			if errors.Is(err, errs.ErrTokenExpired) {
				e.log.Info("resume token expired, restarting pull from checkpoint")
				st.ResumeToken, st.NextChunk, st.TotalChunks = "", 0, 0
				if err := e.store.SaveState(st); err != nil {
					return err
				}
				continue
			}
		} else {
			resp, err = e.backend.Pull(ctx, st.Checkpoint)
		}
		if err != nil {
			return err
		}

		if err := e.store.ApplyBatch(resp.Data); err != nil {
			return err
		}
		result.Pulled += len(resp.Data)

		st.Checkpoint = resp.Checkpoint
		st.ResumeToken = resp.ResumeToken
		st.NextChunk = resp.NextChunk
		st.TotalChunks = resp.TotalChunks
		if !resp.HasMore {
			st.ResumeToken, st.NextChunk, st.TotalChunks = "", 0, 0
		}
		// Records are on disk, now the cursor may move past them.
		if err := e.store.SaveState(st); err != nil {
			return err
		}
		if !resp.HasMore {
			return nil
		}
	}
}

// push submits the outbox. Both accepted and conflicting changes leave the
// outbox: once the server has queued a change, resolution happens there.
func (e *Engine) push(ctx context.Context, result *Result) error {
	outbox, err := e.store.Outbox()
	if err != nil {
		return err
	}
	if len(outbox) == 0 {
		return nil
	}

	outcomes, err := e.backend.Push(ctx, outbox)
	if err != nil {
		return err
	}
	byID := make(map[string]model.Change, len(outbox))
	for _, ch := range outbox {
		byID[ch.RecordID.String()] = ch
	}
	var taken []model.Change
	for _, out := range outcomes {
		ch, ok := byID[out.RecordID]
		if !ok {
			continue
		}
		taken = append(taken, ch)
		if out.Status == "conflict" {
			result.Conflicts = append(result.Conflicts, out)
		}
	}
	ids := make([]uuid.UUID, 0, len(taken))
	for _, ch := range taken {
		ids = append(ids, ch.RecordID)
	}
	if err := e.store.RemoveFromOutbox(ids); err != nil {
		return err
	}
	result.Pushed = len(taken)
	return nil
}
