package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType classifies one unit of agent output.
type StepType string

const (
	StepThinking    StepType = "thinking"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
	StepError       StepType = "error"
)

// ThinkingPayload carries the decision rationale for the upcoming action.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ActionPayload describes one browser action proposed by the decider.
type ActionPayload struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ObservationPayload captures the browser state after an action ran.
type ObservationPayload struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// ErrorPayload records a non-retryable condition surfaced to observers.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepPayload is a tagged union keyed by the step's type. Exactly one field
// is non-nil.
type StepPayload struct {
	Thinking    *ThinkingPayload    `json:"thinking,omitempty"`
	Action      *ActionPayload      `json:"action,omitempty"`
	Observation *ObservationPayload `json:"observation,omitempty"`
	Error       *ErrorPayload       `json:"error,omitempty"`
}

// Validate checks the payload variant matches the declared step type.
func (p StepPayload) Validate(t StepType) error {
	switch t {
	case StepThinking:
		if p.Thinking == nil {
			return fmt.Errorf("step payload: missing thinking variant")
		}
	case StepAction:
		if p.Action == nil {
			return fmt.Errorf("step payload: missing action variant")
		}
	case StepObservation:
		if p.Observation == nil {
			return fmt.Errorf("step payload: missing observation variant")
		}
	case StepError:
		if p.Error == nil {
			return fmt.Errorf("step payload: missing error variant")
		}
	default:
		return fmt.Errorf("step payload: unknown step type %q", t)
	}
	return nil
}

// Step is one append-only log entry owned by a single task. Sequence is
// strictly increasing within a task; steps are never mutated after creation.
type Step struct {
	TaskID    string      `json:"task_id"`
	Sequence  uint64      `json:"sequence"`
	Type      StepType    `json:"type"`
	Payload   StepPayload `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewThinkingStep builds a thinking step.
func NewThinkingStep(taskID string, seq uint64, text string) Step {
	return Step{
		TaskID:    taskID,
		Sequence:  seq,
		Type:      StepThinking,
		Payload:   StepPayload{Thinking: &ThinkingPayload{Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// NewActionStep builds an action step.
func NewActionStep(taskID string, seq uint64, name string, args json.RawMessage) Step {
	return Step{
		TaskID:    taskID,
		Sequence:  seq,
		Type:      StepAction,
		Payload:   StepPayload{Action: &ActionPayload{Name: name, Args: args}},
		Timestamp: time.Now().UTC(),
	}
}

// NewObservationStep builds an observation step.
func NewObservationStep(taskID string, seq uint64, text, url string) Step {
	return Step{
		TaskID:    taskID,
		Sequence:  seq,
		Type:      StepObservation,
		Payload:   StepPayload{Observation: &ObservationPayload{Text: text, URL: url}},
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorStep builds an error step.
func NewErrorStep(taskID string, seq uint64, code, message string) Step {
	return Step{
		TaskID:    taskID,
		Sequence:  seq,
		Type:      StepError,
		Payload:   StepPayload{Error: &ErrorPayload{Code: code, Message: message}},
		Timestamp: time.Now().UTC(),
	}
}
