package client

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"formrelay/pkg/errors"
)

const defaultPollInterval = 2 * time.Second

// Reconciler maintains one complete, duplicate-free, ordered view of a
// job's logs by merging two concurrent sources: a live stream and a
// fixed-interval query poll. The poll cross-checks the stream while it
// is healthy and keeps records flowing while it is down; the stream
// reconnects from its highest seen record id after any disconnect or
// drop. The handler is invoked exactly once per record id, possibly
// from either source's goroutine; Records always reflects id order.
type Reconciler struct {
	session      *Session
	jobID        string
	onRecord     func(Record)
	pollInterval time.Duration

	mu         sync.Mutex
	seen       map[uint64]struct{}
	records    []Record
	highest    uint64
	startAfter uint64
	state      string
}

func NewReconciler(session *Session, jobID string, onRecord func(Record)) *Reconciler {
	if onRecord == nil {
		onRecord = func(Record) {}
	}
	return &Reconciler{
		session:      session,
		jobID:        jobID,
		onRecord:     onRecord,
		pollInterval: defaultPollInterval,
		seen:         map[uint64]struct{}{},
	}
}

// PollEvery sets the interval of the background query poll. Must be
// called before Run.
func (r *Reconciler) PollEvery(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// StartAfter skips every record with id at or below afterID, as if they
// had already been seen. Must be called before Run.
func (r *Reconciler) StartAfter(afterID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startAfter = afterID
	if afterID > r.highest {
		r.highest = afterID
	}
}

// Run follows the job until it reaches a terminal state or the context
// is cancelled. Credential and validation failures are returned
// immediately; everything else is retried with capped exponential
// backoff that resets whenever progress is made.
func (r *Reconciler) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go r.poll(pollCtx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.followStream(ctx, bo)
		switch {
		case err == nil:
			// Stream closed after a terminal state; one last query sweep
			// in case the final page and the stream raced.
			if err := r.catchUp(ctx); err != nil && !retryable(err) {
				return err
			}
			return nil
		case !retryable(err):
			return err
		}

		// Stream path is struggling; make progress over the query path
		// before the next attempt.
		if err := r.catchUp(ctx); err != nil && !retryable(err) {
			return err
		}
		if r.TerminalState() != "" {
			return nil
		}

		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// poll sweeps the query endpoint at a fixed interval for as long as Run
// is active. Errors are left for Run's own paths to classify; the merge
// rule makes overlap with the stream harmless.
func (r *Reconciler) poll(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.catchUp(ctx)
		}
	}
}

// followStream consumes one stream connection until the server closes
// it. Returns nil only when the job finished.
func (r *Reconciler) followStream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	stream, err := r.session.StreamLogs(ctx, r.jobID, r.HighestSeen())
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			if r.TerminalState() != "" {
				return nil
			}
			return errors.ErrSubscriberDropped
		}
		if err != nil {
			return err
		}

		switch ev.Kind {
		case EventRecord:
			if r.merge(ev.Record) {
				bo.Reset()
			}
		case EventState:
			r.setState(ev.State)
		case EventError:
			// Server dropped us for falling behind; resync from highest.
			return errors.ErrSubscriberDropped
		}
	}
}

// catchUp pages through the query endpoint and merges anything the
// stream has not delivered yet.
func (r *Reconciler) catchUp(ctx context.Context) error {
	offset := 0
	for {
		page, err := r.session.QueryLogs(ctx, LogQuery{JobID: r.jobID, Limit: 200, Offset: offset})
		if err != nil {
			return err
		}
		for _, rec := range page.Items {
			r.merge(rec)
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || int64(offset) >= page.Total {
			break
		}
	}

	job, err := r.session.GetJob(ctx, r.jobID)
	if err != nil {
		return err
	}
	if IsTerminalState(job.State) {
		r.setState(job.State)
	}
	return nil
}

// merge applies the idempotent merge rule: a record id is delivered at
// most once, regardless of which path produced it.
func (r *Reconciler) merge(rec Record) bool {
	r.mu.Lock()
	if rec.ID <= r.startAfter {
		r.mu.Unlock()
		return false
	}
	if _, dup := r.seen[rec.ID]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[rec.ID] = struct{}{}
	r.records = append(r.records, rec)
	sort.Slice(r.records, func(i, j int) bool { return r.records[i].ID < r.records[j].ID })
	if rec.ID > r.highest {
		r.highest = rec.ID
	}
	r.mu.Unlock()

	r.onRecord(rec)
	return true
}

func (r *Reconciler) setState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if IsTerminalState(state) {
		r.state = state
	}
}

// Records returns the merged view so far, in id order.
func (r *Reconciler) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// HighestSeen returns the largest record id observed on any path.
func (r *Reconciler) HighestSeen() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highest
}

// TerminalState returns the job's final state, or "" while it runs.
func (r *Reconciler) TerminalState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// retryable reports whether the reconciler may try again. Credential,
// validation and missing-job failures never recover on their own.
func retryable(err error) bool {
	return !errors.IsUnauthorized(err) && !errors.IsNotFound(err) && !errors.IsValidation(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
