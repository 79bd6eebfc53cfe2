// Package feed is the facade the rest of the system appends through and
// streams from. It composes the registry, the log store and the
// broadcaster so that every durably stored record is also offered to live
// subscribers, and every stream sees replay and live delivery as one
// gap-free, duplicate-free sequence.
package feed

import (
	"context"
	"time"

	"formrelay/internal/formrelay/broadcast"
	"formrelay/internal/formrelay/domain"
	"formrelay/internal/formrelay/logstore"
	"formrelay/internal/formrelay/registry"
	"formrelay/pkg/errors"
	"formrelay/pkg/logger"
)

const defaultHeartbeat = 15 * time.Second

// Sink receives stream output. The SSE handler adapts the HTTP response to
// this; tests use in-memory fakes.
type Sink interface {
	SendRecord(rec domain.LogRecord) error
	SendState(state domain.JobState) error
	SendHeartbeat() error
}

type Feed struct {
	registry    *registry.Registry
	store       logstore.Store
	broadcaster *broadcast.Broadcaster
	heartbeat   time.Duration
	logger      *logger.Logger
}

func New(reg *registry.Registry, store logstore.Store, b *broadcast.Broadcaster, heartbeat time.Duration, log *logger.Logger) *Feed {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if log == nil {
		log = logger.WithField("component", "feed")
	}
	return &Feed{
		registry:    reg,
		store:       store,
		broadcaster: b,
		heartbeat:   heartbeat,
		logger:      log,
	}
}

// Append durably stores one record for the job and offers it to live
// subscribers. Fails with NotFound for unknown jobs and InvalidState once
// the job is terminal; in the latter case no record is created.
func (f *Feed) Append(ctx context.Context, jobID string, level domain.Level, message string) (domain.LogRecord, error) {
	job, err := f.registry.Get(jobID, registry.System)
	if err != nil {
		return domain.LogRecord{}, err
	}
	if job.IsTerminal() {
		// A producer still writing here is a bug or a race in the job's
		// own execution context.
		f.logger.Warn("append rejected on terminal job", "jobId", jobID, "state", job.State)
		return domain.LogRecord{}, errors.WrapJobError(jobID, "append", errors.ErrInvalidState)
	}

	rec, err := f.store.Append(ctx, logstore.AppendRequest{
		JobID:      jobID,
		Owner:      job.Owner,
		CampaignID: job.Params.CampaignID,
		Level:      level,
		Message:    message,
	})
	if err != nil {
		return domain.LogRecord{}, errors.WrapJobError(jobID, "append", err)
	}

	f.registry.Touch(jobID)

	event := broadcast.Event{Type: broadcast.EventLog, JobID: jobID, Record: rec}
	f.publish(ctx, job.Owner, event)

	return rec, nil
}

// Transition moves the job through its lifecycle and notifies live
// subscribers of the new state so streams can close on terminal
// transitions.
func (f *Feed) Transition(ctx context.Context, jobID string, next domain.JobState) (domain.Job, error) {
	job, err := f.registry.Transition(jobID, next)
	if err != nil && !errors.IsInvalidTransition(err) {
		return job, err
	}

	// On an invalid transition the registry may have forced the job to
	// failed; subscribers still need to hear about that.
	f.publish(ctx, job.Owner, broadcast.Event{Type: broadcast.EventState, JobID: jobID, State: job.State})
	return job, err
}

// Tail exposes reconnect recovery reads without going through a stream.
func (f *Feed) Tail(ctx context.Context, jobID string, afterID uint64) ([]domain.LogRecord, error) {
	return f.store.Tail(ctx, jobID, afterID)
}

// Stream drives one subscriber connection for a single job: replay
// everything after afterID, then forward live events, with one shared
// cursor guaranteeing no gap and no duplicate across the boundary.
// Heartbeats fire on quiet streams so the consumer can tell a quiet job
// from a dead connection. Returns nil on terminal close or caller
// cancellation, ErrSubscriberDropped if the broadcaster dropped us.
//
// Ownership must be checked by the caller; Stream trusts jobID.
func (f *Feed) Stream(ctx context.Context, jobID string, afterID uint64, sink Sink) error {
	job, err := f.registry.Get(jobID, registry.System)
	if err != nil {
		return err
	}

	// Subscribe before replay so nothing published between the two is lost.
	events, unsubscribe, err := f.broadcaster.Subscribe(ctx, broadcast.JobTopic(jobID))
	if err != nil {
		return err
	}
	defer unsubscribe()

	cursor := afterID
	replay, err := f.store.Tail(ctx, jobID, afterID)
	if err != nil {
		return err
	}
	for _, rec := range replay {
		if err := sink.SendRecord(rec); err != nil {
			return err
		}
		cursor = rec.ID
	}

	// The job may have finished before or during replay.
	job, err = f.registry.Get(jobID, registry.System)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return f.finishTerminal(ctx, jobID, cursor, job.State, sink)
	}

	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sink.SendHeartbeat(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				f.logger.Warn("stream subscriber dropped by broadcaster", "jobId", jobID)
				return errors.ErrSubscriberDropped
			}
			switch ev.Type {
			case broadcast.EventLog:
				if ev.Record.ID <= cursor {
					continue // already delivered during replay
				}
				if err := sink.SendRecord(ev.Record); err != nil {
					return err
				}
				cursor = ev.Record.ID
			case broadcast.EventState:
				if ev.State.IsTerminal() {
					return f.finishTerminal(ctx, jobID, cursor, ev.State, sink)
				}
				if err := sink.SendState(ev.State); err != nil {
					return err
				}
			}
		}
	}
}

// StreamAll forwards live events for every job the owner has. There is no
// replay: record ids are per-job, so an after_id has no meaning here and
// history belongs to the query endpoint.
func (f *Feed) StreamAll(ctx context.Context, owner string, sink Sink) error {
	events, unsubscribe, err := f.broadcaster.Subscribe(ctx, broadcast.AccountTopic(owner))
	if err != nil {
		return err
	}
	defer unsubscribe()

	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sink.SendHeartbeat(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return errors.ErrSubscriberDropped
			}
			switch ev.Type {
			case broadcast.EventLog:
				if err := sink.SendRecord(ev.Record); err != nil {
					return err
				}
			case broadcast.EventState:
				if err := sink.SendState(ev.State); err != nil {
					return err
				}
			}
		}
	}
}

// finishTerminal flushes anything appended between the last delivery and
// the terminal transition, sends the final state, and ends the stream.
// A final tail covers the append/transition race window.
func (f *Feed) finishTerminal(ctx context.Context, jobID string, cursor uint64, state domain.JobState, sink Sink) error {
	remaining, err := f.store.Tail(ctx, jobID, cursor)
	if err != nil {
		return err
	}
	for _, rec := range remaining {
		if err := sink.SendRecord(rec); err != nil {
			return err
		}
	}
	return sink.SendState(state)
}

func (f *Feed) publish(ctx context.Context, owner string, event broadcast.Event) {
	if err := f.broadcaster.Publish(ctx, broadcast.JobTopic(event.JobID), event); err != nil {
		f.logger.Warn("failed to publish job event", "jobId", event.JobID, "error", err)
	}
	if owner == "" {
		return
	}
	if err := f.broadcaster.Publish(ctx, broadcast.AccountTopic(owner), event); err != nil {
		f.logger.Warn("failed to publish account event", "owner", owner, "error", err)
	}
}
