package agent

import (
	"context"
	"encoding/json"
)

// Goal is the context handed to the decision function for one step.
type Goal struct {
	// Prompt is the task's natural-language instruction.
	Prompt string
	// Snapshot summarizes the current browser state.
	Snapshot string
	// History holds recent action/observation lines, oldest first.
	History []string
}

// Decision is one proposed step: the rationale and the action to take.
type Decision struct {
	Thinking string         `json:"thinking"`
	Action   ProposedAction `json:"action"`
}

// ProposedAction names an action from the registry with its raw arguments.
type ProposedAction struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Decider is the injected decision function. Backed by an LLM provider in
// production; treated as an opaque, possibly slow, possibly failing
// dependency whose timeout and retry are owned by the executor.
type Decider interface {
	Decide(ctx context.Context, goal *Goal) (*Decision, error)
}
