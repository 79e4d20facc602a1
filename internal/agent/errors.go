package agent

import (
	"errors"

	"browser-task-orchestrator/internal/browser"
)

var (
	// ErrActionFailed marks a single failed browser action. Retried locally
	// up to the task's configured maximum; never surfaced beyond the retry
	// counter.
	ErrActionFailed = errors.New("action failed")

	// ErrFatalSession marks an unusable browser session or provider failure.
	// The task fails directly, no retry.
	ErrFatalSession = errors.New("fatal session error")

	// ErrInterventionRequired marks a condition the agent cannot resolve
	// without a human (CAPTCHA, login wall) or exhausted retries.
	ErrInterventionRequired = errors.New("intervention required")
)

// Error step codes recorded in the task's step log.
const (
	codeFatalSession = "FATAL_SESSION_ERROR"
	codeIntervention = "INTERVENTION_REQUIRED"
)

func isFatal(err error) bool {
	return errors.Is(err, ErrFatalSession) || errors.Is(err, browser.ErrSessionClosed)
}
