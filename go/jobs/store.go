package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists job records keyed by connector name.
type Store interface {
	// Save upserts a job by its connector name.
	Save(ctx context.Context, job Job) error
	// Get returns one job, or ErrJobNotFound.
	Get(ctx context.Context, name string) (Job, error)
	// List returns every job, sorted by connector name.
	List(ctx context.Context) ([]Job, error)
}

// MemoryStore keeps jobs in process memory. It backs deployments without
// a job_lifecycle target and the tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Save(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ConnectorName] = job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var job, ok = s.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return job, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out = make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorName < out[j].ConnectorName })
	return out, nil
}
