package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	taskdb "browser-task-orchestrator/internal/orchestrator/db"
	"browser-task-orchestrator/internal/task"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Store is the persistence boundary of the orchestration core. Terminal-state
// writes must be durable before the orchestrator reports completion; the
// backing implementation is otherwise free to choose its engine.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	LoadTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]*task.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	AppendStep(ctx context.Context, step task.Step) error
	ListSteps(ctx context.Context, taskID string) ([]task.Step, error)
}

// GormStore implements Store on GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an initialized GORM handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the backing tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&taskdb.TaskRecord{}, &taskdb.TaskStepRecord{})
}

func toRecord(t *task.Task) *taskdb.TaskRecord {
	return &taskdb.TaskRecord{
		TaskID:           t.ID,
		OwnerID:          t.OwnerID,
		Prompt:           t.Prompt,
		Status:           string(t.Status),
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		RetryCount:       t.RetryCount,
		MaxRetries:       t.MaxRetries,
		FailureReason:    t.FailureReason,
		Result:           t.Result,
		CurrentSessionID: t.CurrentSessionID,
		LiveViewURL:      t.LiveViewURL,
	}
}

func fromRecord(r *taskdb.TaskRecord) *task.Task {
	return &task.Task{
		ID:               r.TaskID,
		OwnerID:          r.OwnerID,
		Prompt:           r.Prompt,
		Status:           task.Status(r.Status),
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		FailureReason:    r.FailureReason,
		Result:           r.Result,
		CurrentSessionID: r.CurrentSessionID,
		LiveViewURL:      r.LiveViewURL,
	}
}

func (s *GormStore) SaveTask(ctx context.Context, t *task.Task) error {
	record := toRecord(t)
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	t.CreatedAt = record.CreatedAt
	return nil
}

func (s *GormStore) UpdateTask(ctx context.Context, t *task.Task) error {
	updates := map[string]interface{}{
		"status":             string(t.Status),
		"started_at":         t.StartedAt,
		"completed_at":       t.CompletedAt,
		"retry_count":        t.RetryCount,
		"failure_reason":     t.FailureReason,
		"result":             t.Result,
		"current_session_id": t.CurrentSessionID,
		"live_view_url":      t.LiveViewURL,
		"updated_at":         time.Now(),
	}
	result := s.db.WithContext(ctx).Model(&taskdb.TaskRecord{}).Where("task_id = ?", t.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update task %s: %w", t.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) LoadTask(ctx context.Context, taskID string) (*task.Task, error) {
	var record taskdb.TaskRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return fromRecord(&record), nil
}

func (s *GormStore) ListTasksByOwner(ctx context.Context, ownerID string) ([]*task.Task, error) {
	var records []taskdb.TaskRecord
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at desc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks for owner %s: %w", ownerID, err)
	}
	tasks := make([]*task.Task, 0, len(records))
	for i := range records {
		tasks = append(tasks, fromRecord(&records[i]))
	}
	return tasks, nil
}

func (s *GormStore) ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	var records []taskdb.TaskRecord
	err := s.db.WithContext(ctx).Where("status IN ?", values).Order("created_at asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	tasks := make([]*task.Task, 0, len(records))
	for i := range records {
		tasks = append(tasks, fromRecord(&records[i]))
	}
	return tasks, nil
}

func (s *GormStore) AppendStep(ctx context.Context, step task.Step) error {
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("marshal step payload for task %s: %w", step.TaskID, err)
	}
	record := taskdb.TaskStepRecord{
		TaskID:    step.TaskID,
		Sequence:  step.Sequence,
		StepType:  string(step.Type),
		Payload:   string(payload),
		EmittedAt: step.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("append step %d for task %s: %w", step.Sequence, step.TaskID, err)
	}
	return nil
}

func (s *GormStore) ListSteps(ctx context.Context, taskID string) ([]task.Step, error) {
	var records []taskdb.TaskStepRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("sequence asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list steps for task %s: %w", taskID, err)
	}
	steps := make([]task.Step, 0, len(records))
	for _, r := range records {
		var payload task.StepPayload
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode step %d payload for task %s: %w", r.Sequence, taskID, err)
		}
		steps = append(steps, task.Step{
			TaskID:    r.TaskID,
			Sequence:  r.Sequence,
			Type:      task.StepType(r.StepType),
			Payload:   payload,
			Timestamp: r.EmittedAt,
		})
	}
	return steps, nil
}
