package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"browser-task-orchestrator/internal/browser"
	"browser-task-orchestrator/pkg/validation"
)

// Action names understood by the executor. done and intervene are control
// actions resolved by the executor itself; the rest run against the browser.
const (
	ActionNavigate  = "navigate"
	ActionClick     = "click"
	ActionType      = "type"
	ActionExtract   = "extract"
	ActionDone      = "done"
	ActionIntervene = "intervene"
)

type navigateArgs struct {
	URL string `json:"url"`
}

type clickArgs struct {
	Selector string `json:"selector"`
}

type typeArgs struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

type extractArgs struct {
	Selector string `json:"selector"`
}

type doneArgs struct {
	Result string `json:"result"`
}

type interveneArgs struct {
	Reason string `json:"reason"`
}

type actionDef struct {
	schema string
	run    func(ctx context.Context, page browser.Page, args json.RawMessage) (string, error)
}

// Registry holds the executable action set and the JSON schema guarding each
// action's arguments. Decider output is validated before it ever reaches the
// browser; malformed output is a retryable action failure.
type Registry struct {
	validator *validation.Validator
	actions   map[string]actionDef
}

// NewRegistry builds the default browser action set.
func NewRegistry() *Registry {
	r := &Registry{
		validator: validation.NewValidator(),
		actions:   make(map[string]actionDef),
	}

	r.actions[ActionNavigate] = actionDef{
		schema: `{"type":"object","properties":{"url":{"type":"string","minLength":1}},"required":["url"],"additionalProperties":false}`,
		run: func(ctx context.Context, page browser.Page, raw json.RawMessage) (string, error) {
			var args navigateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if err := page.Navigate(ctx, args.URL); err != nil {
				return "", err
			}
			return fmt.Sprintf("navigated to %s", args.URL), nil
		},
	}
	r.actions[ActionClick] = actionDef{
		schema: `{"type":"object","properties":{"selector":{"type":"string","minLength":1}},"required":["selector"],"additionalProperties":false}`,
		run: func(ctx context.Context, page browser.Page, raw json.RawMessage) (string, error) {
			var args clickArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if err := page.Click(ctx, args.Selector); err != nil {
				return "", err
			}
			return fmt.Sprintf("clicked %s", args.Selector), nil
		},
	}
	r.actions[ActionType] = actionDef{
		schema: `{"type":"object","properties":{"selector":{"type":"string","minLength":1},"text":{"type":"string"}},"required":["selector","text"],"additionalProperties":false}`,
		run: func(ctx context.Context, page browser.Page, raw json.RawMessage) (string, error) {
			var args typeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if err := page.Type(ctx, args.Selector, args.Text); err != nil {
				return "", err
			}
			return fmt.Sprintf("typed into %s", args.Selector), nil
		},
	}
	r.actions[ActionExtract] = actionDef{
		schema: `{"type":"object","properties":{"selector":{"type":"string"}},"additionalProperties":false}`,
		run: func(ctx context.Context, page browser.Page, raw json.RawMessage) (string, error) {
			var args extractArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			return page.Extract(ctx, args.Selector)
		},
	}

	// Control actions: schema-validated here, resolved by the executor.
	r.actions[ActionDone] = actionDef{
		schema: `{"type":"object","properties":{"result":{"type":"string"}},"additionalProperties":false}`,
	}
	r.actions[ActionIntervene] = actionDef{
		schema: `{"type":"object","properties":{"reason":{"type":"string","minLength":1}},"required":["reason"],"additionalProperties":false}`,
	}
	return r
}

// Validate checks that name is a known action and args match its schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	def, ok := r.actions[name]
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	return r.validator.Validate(name, def.schema, args)
}

// Execute runs a browser action and returns its observation text. Control
// actions are rejected here; callers resolve them before execution.
func (r *Registry) Execute(ctx context.Context, page browser.Page, name string, args json.RawMessage) (string, error) {
	def, ok := r.actions[name]
	if !ok {
		return "", fmt.Errorf("unknown action %q", name)
	}
	if def.run == nil {
		return "", fmt.Errorf("action %q is not executable", name)
	}
	return def.run(ctx, page, args)
}

// Names lists the registered action names for prompt construction.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}
