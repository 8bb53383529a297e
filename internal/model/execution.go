package model

import (
	"encoding/json"
	"time"
)

// Execution status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Resource tier constants.
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status is a terminal state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// LogEvent is a single structured progress event emitted by an execution unit.
type LogEvent struct {
	Step    int    `json:"step"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// LogLine represents a single persisted log line from an execution.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution represents one sandboxed run of a composed workflow.
type Execution struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Tier           string          `json:"tier,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	DurationMS     *int            `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}
