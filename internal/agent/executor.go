package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"browser-task-orchestrator/internal/browser"
	"browser-task-orchestrator/internal/task"
)

const (
	// DefaultActionTimeout bounds one decide+act step.
	DefaultActionTimeout = 10 * time.Second
	// historyWindow is how many recent step lines the decider sees.
	historyWindow = 10
)

// Config tunes one executor.
type Config struct {
	ActionTimeout time.Duration
	MaxRetries    int
}

// DefaultConfig returns the standard executor tunables.
func DefaultConfig() Config {
	return Config{
		ActionTimeout: DefaultActionTimeout,
		MaxRetries:    task.DefaultMaxRetries,
	}
}

// StepSink receives every emitted step, in sequence order. The orchestrator
// wires this to persistence and the event broadcaster.
type StepSink func(step task.Step)

// Executor runs the decide -> act -> observe loop for one task against one
// browser page. It is the single writer of the task's step log.
type Executor struct {
	taskID  string
	prompt  string
	machine *task.Machine
	page    browser.Page
	decider Decider
	actions *Registry
	emit    StepSink
	cfg     Config

	seq     uint64
	retries int
	history []string

	mu            sync.Mutex
	result        string
	failureReason string
}

// NewExecutor wires an executor. The machine must already be RUNNING or about
// to be started by the caller.
func NewExecutor(taskID, prompt string, machine *task.Machine, page browser.Page, decider Decider, cfg Config, emit StepSink) *Executor {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = task.DefaultMaxRetries
	}
	return &Executor{
		taskID:  taskID,
		prompt:  prompt,
		machine: machine,
		page:    page,
		decider: decider,
		actions: NewRegistry(),
		emit:    emit,
		cfg:     cfg,
	}
}

// Result returns the final answer recorded by a done action.
func (e *Executor) Result() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// FailureReason returns the reason recorded on a fatal failure.
func (e *Executor) FailureReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureReason
}

// Retries returns the current consecutive-failure count.
func (e *Executor) Retries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries
}

// Run drives the loop until the task reaches a terminal state or ctx is
// cancelled. Pause and intervention park the loop between steps; a started
// action always runs to completion or failure before the flags are observed.
func (e *Executor) Run(ctx context.Context) {
	for {
		changed := e.machine.Changed()
		status := e.machine.Status()

		switch {
		case status.Terminal():
			return
		case status == task.StatusPaused || status == task.StatusInterventionNeeded:
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		case status == task.StatusRunning:
			select {
			case <-ctx.Done():
				return
			default:
			}
			e.step(ctx)
		default:
			// PENDING machine handed to a running executor is a wiring bug.
			log.Printf("executor: task %s in unexpected state %s, stopping", e.taskID, status)
			return
		}
	}
}

// step performs one decide+act+observe iteration and applies the error
// policy: retryable failures bump the counter until intervention, fatal
// failures end the task.
func (e *Executor) step(ctx context.Context) {
	err := e.runStep(ctx)
	switch {
	case err == nil:
		e.mu.Lock()
		e.retries = 0
		e.mu.Unlock()
	case ctx.Err() != nil:
		// Shutdown or watchdog cancel; the orchestrator settles final state.
		return
	case isFatal(err):
		reason := err.Error()
		e.emitStep(task.NewErrorStep(e.taskID, e.nextSeq(), codeFatalSession, reason))
		e.mu.Lock()
		e.failureReason = reason
		e.mu.Unlock()
		if ferr := e.machine.Fail(); ferr != nil {
			log.Printf("executor: task %s fail transition rejected: %v", e.taskID, ferr)
		}
	default:
		e.mu.Lock()
		e.retries++
		retries := e.retries
		e.mu.Unlock()
		log.Printf("executor: task %s action failed (attempt %d/%d): %v", e.taskID, retries, e.cfg.MaxRetries, err)
		if retries >= e.cfg.MaxRetries {
			msg := fmt.Sprintf("retries exhausted after %d consecutive action failures: %v", retries, err)
			e.emitStep(task.NewErrorStep(e.taskID, e.nextSeq(), codeIntervention, msg))
			if ierr := e.machine.FlagIntervention(); ierr != nil {
				log.Printf("executor: task %s intervention transition rejected: %v", e.taskID, ierr)
			}
			e.mu.Lock()
			e.retries = 0
			e.mu.Unlock()
		}
	}
}

// runStep consumes current browser state, asks the decider for the next
// action, and executes it, emitting thinking, action and observation steps in
// that order with increasing sequence numbers.
func (e *Executor) runStep(ctx context.Context) error {
	// Pause requested since the loop check: return without acting.
	if e.machine.Status() != task.StatusRunning {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	snapshot, err := e.page.Snapshot(stepCtx)
	if err != nil {
		return e.classify("snapshot", err, stepCtx)
	}

	decision, err := e.decider.Decide(stepCtx, &Goal{
		Prompt:   e.prompt,
		Snapshot: snapshot,
		History:  e.history,
	})
	if err != nil {
		return e.classify("decide", err, stepCtx)
	}

	e.emitStep(task.NewThinkingStep(e.taskID, e.nextSeq(), decision.Thinking))

	if err := e.actions.Validate(decision.Action.Name, decision.Action.Args); err != nil {
		return fmt.Errorf("%w: invalid action: %v", ErrActionFailed, err)
	}

	e.emitStep(task.NewActionStep(e.taskID, e.nextSeq(), decision.Action.Name, decision.Action.Args))

	switch decision.Action.Name {
	case ActionDone:
		var args doneArgs
		_ = json.Unmarshal(decision.Action.Args, &args)
		e.emitStep(task.NewObservationStep(e.taskID, e.nextSeq(), "task complete", ""))
		e.recordHistory(fmt.Sprintf("done: %s", args.Result))
		e.mu.Lock()
		e.result = args.Result
		e.mu.Unlock()
		if cerr := e.machine.Complete(); cerr != nil {
			log.Printf("executor: task %s complete transition rejected: %v", e.taskID, cerr)
		}
		return nil
	case ActionIntervene:
		var args interveneArgs
		_ = json.Unmarshal(decision.Action.Args, &args)
		e.emitStep(task.NewErrorStep(e.taskID, e.nextSeq(), codeIntervention, args.Reason))
		e.recordHistory(fmt.Sprintf("intervene: %s", args.Reason))
		if ierr := e.machine.FlagIntervention(); ierr != nil {
			log.Printf("executor: task %s intervention transition rejected: %v", e.taskID, ierr)
		}
		return nil
	}

	observation, err := e.actions.Execute(stepCtx, e.page, decision.Action.Name, decision.Action.Args)
	if err != nil {
		return e.classify(decision.Action.Name, err, stepCtx)
	}

	e.emitStep(task.NewObservationStep(e.taskID, e.nextSeq(), observation, ""))
	e.recordHistory(fmt.Sprintf("%s -> %s", decision.Action.Name, observation))
	return nil
}

// classify maps a raw step error onto the retry policy. Deadline overruns of
// a single step count as failed actions; session loss is fatal.
func (e *Executor) classify(op string, err error, stepCtx context.Context) error {
	if isFatal(err) {
		return fmt.Errorf("%w: %s: %v", ErrFatalSession, op, err)
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s timed out after %s", ErrActionFailed, op, e.cfg.ActionTimeout)
	}
	return fmt.Errorf("%w: %s: %v", ErrActionFailed, op, err)
}

func (e *Executor) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Executor) emitStep(step task.Step) {
	if e.emit != nil {
		e.emit(step)
	}
}

func (e *Executor) recordHistory(line string) {
	e.history = append(e.history, line)
	if len(e.history) > historyWindow {
		e.history = e.history[len(e.history)-historyWindow:]
	}
}
