package task

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a state change is attempted from a
// source state that does not permit it. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid task state transition")

// Machine owns the lifecycle of a single task. All transitions are
// mutex-guarded; illegal ones are rejected, never silently coerced.
//
// PENDING -> RUNNING <-> PAUSED -> {COMPLETED | FAILED}
// RUNNING/PAUSED -> INTERVENTION_NEEDED -> RUNNING
// any non-terminal -> CANCELLED
type Machine struct {
	mu      sync.Mutex
	status  Status
	changed chan struct{}
}

// NewMachine creates a machine in the given state. Tasks loaded from the
// store resume from their persisted status; new tasks start PENDING.
func NewMachine(initial Status) *Machine {
	return &Machine{status: initial, changed: make(chan struct{})}
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Changed returns a channel closed on the next transition. Callers re-arm by
// calling Changed again after it fires; the executor uses this to park while
// the task is paused or awaiting intervention.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *Machine) transition(to Status, allowedFrom ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, from := range allowedFrom {
		if m.status == from {
			m.status = to
			close(m.changed)
			m.changed = make(chan struct{})
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, to)
}

// Start moves PENDING -> RUNNING.
func (m *Machine) Start() error {
	return m.transition(StatusRunning, StatusPending)
}

// RequestPause moves RUNNING -> PAUSED. The in-flight step always completes;
// the executor only observes the status between steps, so the browser is left
// in a consistent, inspectable state.
func (m *Machine) RequestPause() error {
	return m.transition(StatusPaused, StatusRunning)
}

// Resume moves PAUSED or INTERVENTION_NEEDED back to RUNNING, clearing any
// pending intervention.
func (m *Machine) Resume() error {
	return m.transition(StatusRunning, StatusPaused, StatusInterventionNeeded)
}

// FlagIntervention moves RUNNING or PAUSED to INTERVENTION_NEEDED. Execution
// halts until a human resolves the blocking condition and resumes.
func (m *Machine) FlagIntervention() error {
	return m.transition(StatusInterventionNeeded, StatusRunning, StatusPaused)
}

// Complete moves RUNNING -> COMPLETED.
func (m *Machine) Complete() error {
	return m.transition(StatusCompleted, StatusRunning)
}

// Fail moves RUNNING -> FAILED.
func (m *Machine) Fail() error {
	return m.transition(StatusFailed, StatusRunning)
}

// Cancel moves any non-terminal state to CANCELLED. Used for explicit user
// stop and for timeout enforcement.
func (m *Machine) Cancel() error {
	return m.transition(StatusCancelled,
		StatusPending, StatusRunning, StatusPaused, StatusInterventionNeeded)
}
