package trainstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

type jobRecord struct {
	job  trainjob.Job
	logs []trainjob.LogEntry
}

// MemStore keeps jobs in memory.
type MemStore struct {
	mu      sync.RWMutex
	items   map[string]*jobRecord
	current string
	config  trainjob.Config
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*jobRecord)}
}

func (s *MemStore) CreateJob(_ context.Context, job trainjob.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Config = job.Config.Clone()
	s.items[job.ID] = &jobRecord{job: job}
	s.current = job.ID
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id string) (trainjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return trainjob.Job{}, ErrNotFound
	}
	return copyJob(rec.job), nil
}

func (s *MemStore) CurrentJob(ctx context.Context) (trainjob.Job, error) {
	s.mu.RLock()
	id := s.current
	s.mu.RUnlock()
	if id == "" {
		return trainjob.Job{}, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, status trainjob.Status, progress int, message string) error {
	return s.update(id, func(rec *jobRecord) {
		applyStatus(&rec.job, status, progress, message, time.Now().UTC())
	})
}

func (s *MemStore) AppendLog(_ context.Context, id string, entry trainjob.LogEntry) error {
	return s.update(id, func(rec *jobRecord) {
		rec.logs = append(rec.logs, entry)
	})
}

func (s *MemStore) Logs(_ context.Context, id string, page, pageSize int) ([]trainjob.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	start, end := trainjob.PageWindow(len(rec.logs), page, pageSize)
	return append([]trainjob.LogEntry{}, rec.logs[start:end]...), nil
}

func (s *MemStore) SetResult(_ context.Context, id string, result trainjob.Result, weightsURI string) error {
	return s.update(id, func(rec *jobRecord) {
		res := result
		rec.job.Result = &res
		rec.job.WeightsURI = weightsURI
		rec.job.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) Config(_ context.Context) (trainjob.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, ErrNotFound
	}
	return s.config.Clone(), nil
}

func (s *MemStore) SaveConfig(_ context.Context, cfg trainjob.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg.Clone()
	return nil
}

func (s *MemStore) ListJobs(_ context.Context) ([]trainjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trainjob.Job, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, copyJob(rec.job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) update(id string, fn func(rec *jobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	fn(rec)
	return nil
}

func copyJob(job trainjob.Job) trainjob.Job {
	out := job
	out.Config = job.Config.Clone()
	if job.Result != nil {
		res := *job.Result
		out.Result = &res
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

var _ Store = (*MemStore)(nil)
