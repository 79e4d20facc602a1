package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusPaused             Status = "PAUSED"
	StatusInterventionNeeded Status = "INTERVENTION_NEEDED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCancelled          Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a task in state s owns a live browser session.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusInterventionNeeded
}

// DefaultMaxRetries bounds consecutive action retries before the task is
// flagged for human intervention.
const DefaultMaxRetries = 3

// Task is one user-submitted automation request and its lifecycle record.
// Prompt is immutable after creation. CurrentSessionID is non-empty exactly
// while Status.Active() holds.
type Task struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Prompt           string     `json:"prompt"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	Result           string     `json:"result,omitempty"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	LiveViewURL      string     `json:"live_view_url,omitempty"`
}
