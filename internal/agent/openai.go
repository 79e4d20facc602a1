package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultDeciderModel = "gpt-4o"

const deciderSystemPrompt = `You control a web browser to complete a task for a user.
On every turn you receive the task, recent history, and a snapshot of the current page.
Respond with a single JSON object and nothing else:
{"thinking": "<one short paragraph of reasoning>", "action": {"name": "<action>", "args": {...}}}

Actions:
- navigate {"url": "<absolute url>"}
- click {"selector": "<css selector>"}
- type {"selector": "<css selector>", "text": "<text to enter>"}
- extract {"selector": "<css selector, optional>"}
- done {"result": "<final answer for the user>"} when the task is complete
- intervene {"reason": "<why a human is needed>"} when blocked by a CAPTCHA, login wall, or anything you cannot resolve`

// OpenAIDecider implements Decider with an OpenAI-compatible chat completion
// endpoint. Model, key and base URL come from OPENAI_MODEL, OPENAI_API_KEY
// and OPENAI_BASE_URL.
type OpenAIDecider struct {
	client openai.Client
	model  string
}

// NewOpenAIDecider builds a decider from the environment.
func NewOpenAIDecider() (*OpenAIDecider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai decider: OPENAI_API_KEY is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultDeciderModel
	}
	return &OpenAIDecider{client: openai.NewClient(opts...), model: model}, nil
}

func (d *OpenAIDecider) Decide(ctx context.Context, goal *Goal) (*Decision, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n\n", goal.Prompt)
	if len(goal.History) > 0 {
		user.WriteString("History:\n")
		for _, line := range goal.History {
			fmt.Fprintf(&user, "- %s\n", line)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "Current page:\n%s", goal.Snapshot)

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(deciderSystemPrompt),
			openai.UserMessage(user.String()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai decider: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai decider: empty completion")
	}
	return parseDecision(resp.Choices[0].Message.Content)
}

// parseDecision extracts the decision JSON, tolerating markdown code fences
// around the object.
func parseDecision(content string) (*Decision, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var decision Decision
	if err := json.Unmarshal([]byte(trimmed), &decision); err != nil {
		return nil, fmt.Errorf("malformed decision %q: %w", truncateForLog(content), err)
	}
	if decision.Action.Name == "" {
		return nil, fmt.Errorf("decision has no action name")
	}
	return &decision, nil
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
