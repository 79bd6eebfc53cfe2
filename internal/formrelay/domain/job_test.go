package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{StateQueued, false},
		{StateRunning, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateHalted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestJobState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    JobState
		to      JobState
		allowed bool
	}{
		{"queued to running", StateQueued, StateRunning, true},
		{"queued to failed", StateQueued, StateFailed, true},
		{"queued to halted", StateQueued, StateHalted, true},
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to halted", StateRunning, StateHalted, true},
		{"running back to queued", StateRunning, StateQueued, false},
		{"completed to running", StateCompleted, StateRunning, false},
		{"completed to failed", StateCompleted, StateFailed, false},
		{"failed to halted", StateFailed, StateHalted, false},
		{"queued to queued", StateQueued, StateQueued, false},
		{"unknown target", StateQueued, JobState("PAUSED"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	assert.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	lvl, err = ParseLevel("WARNING")
	assert.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("LOUD")
	assert.Error(t, err)
}
