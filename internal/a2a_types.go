package plexus

import (
	"encoding/json"
	"time"
)

// --- A2A task lifecycle ---

// TaskState is one A2A task lifecycle state.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskAuthRequired  TaskState = "auth-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
	TaskRejected      TaskState = "rejected"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskRejected:
		return true
	}
	return false
}

// taskEdges is the allowed transition set. Terminal states have no edges.
var taskEdges = map[TaskState][]TaskState{
	TaskSubmitted: {TaskWorking, TaskInputRequired, TaskAuthRequired,
		TaskCompleted, TaskFailed, TaskCanceled, TaskRejected},
	TaskWorking:       {TaskCompleted, TaskFailed, TaskCanceled, TaskInputRequired, TaskAuthRequired},
	TaskInputRequired: {TaskWorking, TaskCanceled},
	TaskAuthRequired:  {TaskWorking, TaskCanceled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to TaskState) bool {
	for _, s := range taskEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskStatus is the current state of a task plus an optional agent message.
type TaskStatus struct {
	State     TaskState       `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// Task is one A2A task row. Artifacts, Metadata, RequestMessage and
// LatestMessage are stored as canonical JSON strings; parsers return empty
// objects on malformed input rather than failing.
type Task struct {
	ID               string          `json:"id"`
	ContextID        string          `json:"contextId"`
	OwnerKey         string          `json:"-"`
	OwnerAttribution string          `json:"-"`
	AgentID          string          `json:"agentId,omitempty"`
	Status           TaskStatus      `json:"status"`
	Artifacts        json.RawMessage `json:"artifacts,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	LatestMessage    json.RawMessage `json:"latestMessage,omitempty"`
	RequestMessage   json.RawMessage `json:"-"`
	IdempotencyKey   string          `json:"-"` // scoped hash; cleared after retention
	ErrorCode        string          `json:"errorCode,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	SubmittedAt      time.Time       `json:"submittedAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CanceledAt       *time.Time      `json:"canceledAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TaskEvent is one entry of a task's ordered event log. Sequence is 1-based,
// dense, and strictly monotonic per task.
type TaskEvent struct {
	TaskID    string          `json:"taskId"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Task event types.
const (
	EventTaskCreated        = "task-created"
	EventTaskStatusUpdate   = "task-status-update"
	EventTaskArtifactUpdate = "task-artifact-update"
	EventTaskMessage        = "task-message"
)

// PushConfig registers a webhook for a task's events. Authentication is
// encrypted at rest (AES-256-GCM, `enc:v1:` prefix) and decrypted on read.
type PushConfig struct {
	TaskID         string          `json:"taskId"`
	ConfigID       string          `json:"configId"`
	OwnerKey       string          `json:"-"`
	Endpoint       string          `json:"endpoint"`
	Authentication json.RawMessage `json:"authentication,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Enabled        bool            `json:"enabled"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PushAuth is the decrypted authentication payload of a push config.
type PushAuth struct {
	Scheme  string            `json:"scheme"` // "bearer", "headers", "hmac-sha256"
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"`
}

// SendMessageParams is the body of an A2A message/send or message/stream call.
type SendMessageParams struct {
	Message       json.RawMessage           `json:"message"`
	Metadata      json.RawMessage           `json:"metadata,omitempty"`
	Configuration *SendMessageConfiguration `json:"configuration,omitempty"`
}

// SendMessageConfiguration carries optional send options.
type SendMessageConfiguration struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	ContextID      string `json:"contextId,omitempty"`
}

// CanonicalJSON re-encodes raw JSON with sorted keys so byte comparison of
// equivalent payloads is stable. Malformed input is returned unchanged.
func CanonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v) // map keys sort lexically
	if err != nil {
		return raw
	}
	return out
}

// JSONOrEmpty parses s as JSON, returning "{}" when s is empty or malformed.
func JSONOrEmpty(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
