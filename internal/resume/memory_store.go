package resume

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process cursor store for tests and single-node
// deployments without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	cursor  Cursor
	expires time.Time
}

// NewMemoryStore creates an in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, token string, c Cursor, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memEntry{cursor: c, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expires) {
		delete(s.entries, token)
		return nil, nil
	}
	c := e.cursor
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}
