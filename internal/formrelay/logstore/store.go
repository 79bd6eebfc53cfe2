// Package logstore owns LogRecord persistence: an append-only, per-job
// ordered sequence of records that serves as the source of truth for
// history and reconnect recovery.
package logstore

import (
	"context"

	"formrelay/internal/formrelay/domain"
)

const (
	// MaxPageSize is the hard clamp applied to query limits.
	MaxPageSize = 200
	// DefaultPageSize applies when a query does not specify a limit.
	DefaultPageSize = 50
)

// AppendRequest carries everything the store needs to persist one record.
// The store assigns the record id and timestamp; producers never do.
type AppendRequest struct {
	JobID      string
	Owner      string
	CampaignID string
	Level      domain.Level
	Message    string
}

// Filter narrows a Query. Zero values mean "no constraint" except Owner,
// which callers on the HTTP path always set to scope results to the
// requesting account. All set fields combine with logical AND.
type Filter struct {
	JobID      string
	Owner      string
	CampaignID string
	Level      domain.Level
	Limit      int
	Offset     int
}

// Store is the persistence contract for log records.
//
// Append must be linearizable per job: no two concurrent appends for the
// same job may receive the same id, and ids strictly increase with append
// order. Appends for distinct jobs must not contend.
type Store interface {
	// Append persists a new record, assigning the next id for the job and
	// the server-side timestamp.
	Append(ctx context.Context, req AppendRequest) (domain.LogRecord, error)

	// Query returns a page of records matching the filter plus the total
	// matching count. Records are ordered by id for a single job, and by
	// (job_id, id) otherwise. An offset beyond the total yields an empty
	// page, never an error.
	Query(ctx context.Context, f Filter) ([]domain.LogRecord, int64, error)

	// Tail returns all records for the job with id > afterID, in id order.
	// Used for stream replay and reconnect recovery.
	Tail(ctx context.Context, jobID string, afterID uint64) ([]domain.LogRecord, error)

	// Prune removes all records for the job. Only called for terminal jobs
	// after the retention period.
	Prune(ctx context.Context, jobID string) error

	Close() error
}

// clampLimit applies the page-size policy shared by both backends.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
