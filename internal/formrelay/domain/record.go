package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a level name to a Level, accepting any casing.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level: %q", s)
	}
}

// IsValid reports whether the level is one of the four known severities.
func (l Level) IsValid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// LogRecord is one immutable, ordered unit of progress information for a job.
// ID is monotonically increasing and unique within a job; it defines the
// total order every observer sees. Timestamp is assigned by the store at
// append time, never by the producer.
type LogRecord struct {
	ID         uint64    `json:"id"`
	JobID      string    `json:"job_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
}
