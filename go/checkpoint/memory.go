package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoint history in process memory, bounded to
// HistoryLimit entries per connector so long-lived jobs don't grow it
// without end.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h = append(s.history[cp.ConnectorName], cp)
	if len(h) > HistoryLimit {
		h = h[len(h)-HistoryLimit:]
	}
	s.history[cp.ConnectorName] = h
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, connector string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h = s.history[connector]
	if len(h) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return h[len(h)-1], nil
}

func (s *MemoryStore) List(_ context.Context, connector string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h = s.history[connector]
	var out = make([]Checkpoint, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
	}
	return out, nil
}
