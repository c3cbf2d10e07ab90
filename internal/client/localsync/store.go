// Package localsync keeps the device-side replica: a file-backed record
// cache, a durable sync checkpoint, and an outbox of offline edits, plus the
// engine that runs the pull-then-push cycle against the backend.
package localsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/phelinki/smor-ting-sub004/internal/model"
)

const (
	recordsFile = "records.json"
	stateFile   = "state.json"
	outboxFile  = "outbox.json"
)

// SyncState is the durable cursor of the replica. Checkpoint only moves after
// the records it covers are on disk, so a crash mid-pull re-fetches rather
// than skips.
type SyncState struct {
	Checkpoint  string    `json:"checkpoint"`
	ResumeToken string    `json:"resume_token,omitempty"`
	NextChunk   int       `json:"next_chunk,omitempty"`
	TotalChunks int       `json:"total_chunks,omitempty"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
}

// Store is the file-backed replica root. All writes go through a temp file
// and rename so a crash never leaves a half-written file behind.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) writeJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (s *Store) readJSON(name string, v any) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// Records returns the cached replica keyed by record ID.
func (s *Store) Records() (map[string]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordsLocked()
}

func (s *Store) recordsLocked() (map[string]model.Record, error) {
	records := make(map[string]model.Record)
	if _, err := s.readJSON(recordsFile, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ApplyBatch merges pulled records into the replica. Tombstones drop the
// local copy. The whole batch lands in one write.
func (s *Store) ApplyBatch(batch []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.recordsLocked()
	if err != nil {
		return err
	}
	for _, r := range batch {
		if r.Deleted {
			delete(records, r.ID.String())
			continue
		}
		records[r.ID.String()] = r
	}
	return s.writeJSON(recordsFile, records)
}

// State returns the durable sync cursor, zero when none exists yet.
func (s *Store) State() (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st SyncState
	_, err := s.readJSON(stateFile, &st)
	return st, err
}

// SaveState persists the cursor. Call it only after ApplyBatch succeeded for
// everything the cursor covers.
func (s *Store) SaveState(st SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(stateFile, st)
}

// Outbox returns the pending offline edits in submission order.
func (s *Store) Outbox() ([]model.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outboxLocked()
}

func (s *Store) outboxLocked() ([]model.Change, error) {
	var out []model.Change
	if _, err := s.readJSON(outboxFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Enqueue records an offline edit and applies it to the replica
// optimistically. A second edit to the same record coalesces into the
// earlier outbox entry, keeping its original base version so the server sees
// the true ancestry.
func (s *Store) Enqueue(ch model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outbox, err := s.outboxLocked()
	if err != nil {
		return err
	}
	merged := false
	for i := range outbox {
		if outbox[i].RecordID == ch.RecordID {
			outbox[i].Payload = ch.Payload
			outbox[i].Deleted = ch.Deleted
			merged = true
			break
		}
	}
	if !merged {
		outbox = append(outbox, ch)
	}
	if err := s.writeJSON(outboxFile, outbox); err != nil {
		return err
	}

	records, err := s.recordsLocked()
	if err != nil {
		return err
	}
	key := ch.RecordID.String()
	if ch.Deleted {
		delete(records, key)
	} else {
		rec, ok := records[key]
		if !ok {
			rec = model.Record{ID: ch.RecordID, Collection: ch.Collection}
		}
		rec.Payload = ch.Payload
		rec.UpdatedAt = time.Now().UTC()
		records[key] = rec
	}
	return s.writeJSON(recordsFile, records)
}

// RemoveFromOutbox drops the entries for the given record IDs after the
// server has taken ownership of them.
func (s *Store) RemoveFromOutbox(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	outbox, err := s.outboxLocked()
	if err != nil {
		return err
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := outbox[:0]
	for _, ch := range outbox {
		if _, ok := drop[ch.RecordID]; !ok {
			kept = append(kept, ch)
		}
	}
	return s.writeJSON(outboxFile, kept)
}
