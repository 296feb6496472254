package domain

import "time"

// Thread is a named, durable conversation history. AgentID and ResourceID are
// optional owner scopes used for listing; Metadata is a free-form JSON object.
type Thread struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	AgentID    string         `json:"agent_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewThread carries caller-supplied fields for thread creation.
// ID is optional; one is generated when empty.
type NewThread struct {
	ID         string
	Title      string
	AgentID    string
	ResourceID string
	Metadata   map[string]any
}

// ThreadPatch is a partial thread update. Nil pointer fields are left
// untouched. Metadata keys are merged into the existing map: patch keys
// overwrite, keys absent from the patch survive.
type ThreadPatch struct {
	Title    *string
	AgentID  *string
	Metadata map[string]any
}

// ThreadStats summarizes a thread's stored messages.
type ThreadStats struct {
	ThreadID          string    `json:"thread_id"`
	MessageCount      int64     `json:"message_count"`
	UserMessages      int64     `json:"user_messages"`
	AssistantMessages int64     `json:"assistant_messages"`
	ToolMessages      int64     `json:"tool_messages"`
	CreatedAt         time.Time `json:"created_at"`
	LastMessageAt     time.Time `json:"last_message_at"`
	SizeBytes         int64     `json:"size_bytes"`
}
