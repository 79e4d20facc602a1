package db

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	gorm.Model
	TaskID           string     `json:"task_id" gorm:"uniqueIndex"`
	OwnerID          string     `json:"owner_id" gorm:"index"`
	Prompt           string     `json:"prompt"`
	Status           string     `json:"status" gorm:"index"` // PENDING, RUNNING, PAUSED, INTERVENTION_NEEDED, COMPLETED, FAILED, CANCELLED
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	FailureReason    string     `json:"failure_reason"`
	Result           string     `json:"result" gorm:"type:json"`
	CurrentSessionID string     `json:"current_session_id" gorm:"index"`
	LiveViewURL      string     `json:"live_view_url"`
}

// TaskStepRecord is one append-only step log entry. Rows are created once by
// the task's single executor and never updated; the composite unique index
// enforces that no two steps of a task share a sequence number.
type TaskStepRecord struct {
	gorm.Model
	TaskID    string    `json:"task_id" gorm:"index:idx_task_step,unique"`
	Sequence  uint64    `json:"sequence" gorm:"index:idx_task_step,unique"`
	StepType  string    `json:"step_type"` // thinking, action, observation, error
	Payload   string    `json:"payload" gorm:"type:json"`
	EmittedAt time.Time `json:"emitted_at" gorm:"index"`
}
