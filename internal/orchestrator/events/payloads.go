package events

// TaskTerminalPayload is published to Kafka when a task reaches a terminal
// status, so downstream consumers can react without polling the API.
type TaskTerminalPayload struct {
	TaskID        string `json:"task_id"`
	OwnerID       string `json:"owner_id"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}
