package store

import (
	"encoding/json"
	"time"
)

// TaskType tags the generation operation a task performs.
type TaskType string

const (
	TypeTranscription TaskType = "transcription"
	TypeTTS           TaskType = "tts"
	TypeImage         TaskType = "image"
	TypeVideo         TaskType = "video"
	TypeRealtime      TaskType = "realtime"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateTimedOut   State = "timed_out"
)

// IsTerminal reports whether the state is final. Terminal states are
// irreversible; the store rejects any transition away from them.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Task is the durable task record. The task store owns it; the claim and the
// work item carry only the task id plus ownership/scheduling fields.
type Task struct {
	ID             string            `json:"id"`
	Type           TaskType          `json:"type"`
	VirtualKeyID   string            `json:"virtual_key_id"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
	State          State             `json:"state"`
	Progress       int               `json:"progress"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
}

// StateUpdate describes an atomic state transition.
type StateUpdate struct {
	State    State
	Progress *int
	Result   json.RawMessage
	Error    string
	// RetryCount and NextRetryAt are written together when the orchestrator
	// schedules a retry (state goes back to Pending).
	RetryCount  *int
	NextRetryAt *time.Time
}
