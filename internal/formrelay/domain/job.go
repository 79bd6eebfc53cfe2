package domain

import (
	"time"
)

// JobState represents the current lifecycle state of a job
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateHalted    JobState = "HALTED"
)

// stateRank orders states so transitions can be checked for monotonicity.
// Terminal states share a rank: no terminal state follows another.
func (s JobState) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed, StateHalted:
		return 2
	default:
		return -1
	}
}

// IsValid reports whether the state is one of the known lifecycle states.
func (s JobState) IsValid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether the state permits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateHalted
}

// CanTransitionTo reports whether moving to next respects the lifecycle
// ordering queued -> running -> {completed|failed|halted}.
func (s JobState) CanTransitionTo(next JobState) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// JobParams is the immutable execution configuration captured at creation.
type JobParams struct {
	DatasetName    string   `json:"dataset_name"`
	Targets        []string `json:"targets"`
	Proxy          string   `json:"proxy,omitempty"`
	HaltOnObstacle bool     `json:"halt_on_obstacle"`
	CampaignID     string   `json:"campaign_id,omitempty"`
}

// Job represents one campaign run tracked by the pipeline
type Job struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Params    JobParams `json:"params"`
}

// IsRunning returns true if the job is currently running
func (j *Job) IsRunning() bool {
	return j.State == StateRunning
}

// IsTerminal returns true if the job has reached a permanent state and is
// read-only history.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}
