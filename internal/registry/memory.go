package registry

import (
	"context"
	"sort"
	"sync"

	"voice-transcribe-go/internal/jobid"
	"voice-transcribe-go/internal/types"
)

// MemoryStore keeps jobs in a process-local map. It only suits a single
// API instance; multi-instance deployments use PostgresStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]types.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]types.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) FindByTaskID(_ context.Context, taskID string) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  types.Job
		found bool
	)
	for id, job := range s.jobs {
		if !jobid.MatchesTask(id, taskID) {
			continue
		}
		if !found || job.CreatedAt.After(best.CreatedAt) {
			best, found = job, true
		}
	}
	if !found {
		return types.Job{}, ErrNotFound
	}
	return best.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status.IsTerminal() {
		return ErrTerminal
	}
	next := job.Clone()
	next.ProcessingEvents = current.ProcessingEvents
	s.jobs[job.ID] = next
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, id string, ev types.ProcessingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Details != nil {
		d := *ev.Details
		ev.Details = &d
	}
	job.ProcessingEvents = append(job.ProcessingEvents, ev)
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]types.Job, error) {
	s.mu.RLock()
	out := make([]types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
