// Package registry tracks job identity, lifecycle state and ownership. It
// is the leaf dependency of the rest of the pipeline: the Log Store, the
// feed and both endpoints all consult it, but only a job's own execution
// context ever writes to it.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"formrelay/internal/formrelay/domain"
	"formrelay/pkg/errors"
	"formrelay/pkg/logger"
)

// System is the privileged requester identity used by internal callers
// (the runner, the feed). It bypasses ownership checks.
const System = ""

// Pruner removes a terminal job's log records once retention expires.
// Satisfied by logstore.Store.
type Pruner interface {
	Prune(ctx context.Context, jobID string) error
}

// Registry is the in-memory job registry. Job state is single-writer (the
// job's execution context); readers take the read lock only.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	retention time.Duration
	pruner    Pruner
	timers    map[string]*time.Timer
	closed    bool
	logger    *logger.Logger
}

func New(retention time.Duration, pruner Pruner, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.WithField("component", "registry")
	}
	return &Registry{
		jobs:      make(map[string]*domain.Job),
		retention: retention,
		pruner:    pruner,
		timers:    make(map[string]*time.Timer),
		logger:    log,
	}
}

// Create registers a new job atomically in state queued. The id is never
// reused; params are immutable from here on.
func (r *Registry) Create(owner string, params domain.JobParams) (domain.Job, error) {
	if owner == "" {
		return domain.Job{}, errors.NewValidationError("owner", "required")
	}
	if params.DatasetName == "" {
		return domain.Job{}, errors.NewValidationError("dataset", "missing required dataset reference")
	}
	if len(params.Targets) == 0 {
		return domain.Job{}, errors.NewValidationError("targets", "dataset contains no targets")
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Owner:     owner,
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Params:    params,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.Job{}, errors.ErrStoreClosed
	}
	r.jobs[job.ID] = job

	r.logger.Info("job created", "jobId", job.ID, "owner", owner, "targets", len(params.Targets))
	return *job, nil
}

// Get returns the job, enforcing ownership unless the requester is System.
func (r *Registry) Get(jobID, requester string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, errors.WrapJobError(jobID, "get", errors.ErrNotFound)
	}
	if requester != System && job.Owner != requester {
		return domain.Job{}, errors.WrapJobError(jobID, "get", errors.ErrForbidden)
	}
	return *job, nil
}

// List returns the owner's jobs, newest first.
func (r *Registry) List(owner string) []domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if owner == System || job.Owner == owner {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Transition moves the job to next. Only the job's execution context calls
// this. An out-of-order transition is fatal to the job: if it is still
// non-terminal it is forced to failed before the error is returned.
// Reaching a terminal state schedules retention pruning.
func (r *Registry) Transition(jobID string, next domain.JobState) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, errors.WrapJobError(jobID, "transition", errors.ErrNotFound)
	}

	if !job.State.CanTransitionTo(next) {
		err := errors.NewTransitionError(jobID, string(job.State), string(next))
		if !job.State.IsTerminal() {
			r.logger.Error("out-of-order transition, forcing job to failed",
				"jobId", jobID, "from", job.State, "to", next)
			job.State = domain.StateFailed
			job.UpdatedAt = time.Now().UTC()
			r.scheduleRetentionLocked(jobID)
		}
		return *job, err
	}

	job.State = next
	job.UpdatedAt = time.Now().UTC()
	if next.IsTerminal() {
		r.scheduleRetentionLocked(jobID)
	}

	r.logger.Debug("job transitioned", "jobId", jobID, "state", next)
	return *job, nil
}

// Touch bumps updated_at; the feed calls it on every record receipt.
func (r *Registry) Touch(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.UpdatedAt = time.Now().UTC()
	}
}

// Close cancels pending retention timers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	return nil
}

// scheduleRetentionLocked arms the pruning timer for a terminal job.
// Caller holds r.mu. Retention <= 0 keeps records forever.
func (r *Registry) scheduleRetentionLocked(jobID string) {
	if r.retention <= 0 || r.pruner == nil {
		return
	}
	if _, armed := r.timers[jobID]; armed {
		return
	}
	r.timers[jobID] = time.AfterFunc(r.retention, func() {
		if err := r.pruner.Prune(context.Background(), jobID); err != nil {
			r.logger.Warn("retention pruning failed", "jobId", jobID, "error", err)
		}
		r.mu.Lock()
		delete(r.timers, jobID)
		r.mu.Unlock()
	})
}
