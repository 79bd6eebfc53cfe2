package logstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"formrelay/internal/formrelay/domain"
	"formrelay/pkg/errors"
	"formrelay/pkg/logger"
)

// jobLog holds one job's append-only record sequence. Each jobLog has its
// own mutex so id allocation for one job never blocks another job.
type jobLog struct {
	mu      sync.RWMutex
	owner   string
	nextID  uint64
	records []domain.LogRecord
}

// MemoryStore is the in-memory Store backend. Records live for the process
// lifetime; it backs tests and single-node deployments without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*jobLog
	closed bool
	logger *logger.Logger
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(log *logger.Logger) *MemoryStore {
	if log == nil {
		log = logger.WithField("component", "log-store")
	}
	return &MemoryStore{
		jobs:   make(map[string]*jobLog),
		logger: log,
	}
}

func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (domain.LogRecord, error) {
	select {
	case <-ctx.Done():
		return domain.LogRecord{}, ctx.Err()
	default:
	}

	jl, err := s.getOrCreate(req.JobID, req.Owner)
	if err != nil {
		return domain.LogRecord{}, err
	}

	jl.mu.Lock()
	defer jl.mu.Unlock()

	jl.nextID++
	rec := domain.LogRecord{
		ID:         jl.nextID,
		JobID:      req.JobID,
		CampaignID: req.CampaignID,
		Timestamp:  time.Now().UTC(),
		Level:      req.Level,
		Message:    req.Message,
	}
	jl.records = append(jl.records, rec)

	return rec, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]domain.LogRecord, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	s.mu.RLock()
	buckets := make([]*jobLog, 0, len(s.jobs))
	if f.JobID != "" {
		if jl, ok := s.jobs[f.JobID]; ok {
			buckets = append(buckets, jl)
		}
	} else {
		// Deterministic (job_id, id) order across jobs
		ids := make([]string, 0, len(s.jobs))
		for id := range s.jobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			buckets = append(buckets, s.jobs[id])
		}
	}
	s.mu.RUnlock()

	var matched []domain.LogRecord
	for _, jl := range buckets {
		jl.mu.RLock()
		if f.Owner != "" && jl.owner != f.Owner {
			jl.mu.RUnlock()
			continue
		}
		for _, rec := range jl.records {
			if matches(rec, f) {
				matched = append(matched, rec)
			}
		}
		jl.mu.RUnlock()
	}

	total := int64(len(matched))
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []domain.LogRecord{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]domain.LogRecord, end-offset)
	copy(page, matched[offset:end])
	return page, total, nil
}

func (s *MemoryStore) Tail(ctx context.Context, jobID string, afterID uint64) ([]domain.LogRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	jl, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return []domain.LogRecord{}, nil
	}

	jl.mu.RLock()
	defer jl.mu.RUnlock()

	// Records are stored in id order; binary search for the boundary.
	idx := sort.Search(len(jl.records), func(i int) bool {
		return jl.records[i].ID > afterID
	})

	out := make([]domain.LogRecord, len(jl.records)-idx)
	copy(out, jl.records[idx:])
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil
	}
	delete(s.jobs, jobID)
	s.logger.Debug("pruned job records", "jobId", jobID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.jobs = make(map[string]*jobLog)
	return nil
}

func (s *MemoryStore) getOrCreate(jobID, owner string) (*jobLog, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.ErrStoreClosed
	}
	if jl, ok := s.jobs[jobID]; ok {
		s.mu.RUnlock()
		return jl, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrStoreClosed
	}
	if jl, ok := s.jobs[jobID]; ok {
		return jl, nil
	}
	jl := &jobLog{owner: owner}
	s.jobs[jobID] = jl
	return jl, nil
}

func matches(rec domain.LogRecord, f Filter) bool {
	if f.CampaignID != "" && rec.CampaignID != f.CampaignID {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	return true
}
