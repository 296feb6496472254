package domain

import "time"

// EventKind discriminates AgentEvent payloads.
type EventKind string

const (
	KindTextDelta          EventKind = "text_delta"
	KindToolCallStart      EventKind = "tool_call_start"
	KindToolCallComplete   EventKind = "tool_call_complete"
	KindStepComplete       EventKind = "step_complete"
	KindGenerationComplete EventKind = "generation_complete"
	KindError              EventKind = "error"
)

// AgentEvent is one entry in a generation's ordered event stream. Exactly the
// fields matching Kind are populated. A stream carries exactly one terminal
// event (GenerationComplete or Error) and then closes.
type AgentEvent struct {
	Kind      EventKind    `json:"kind"`
	ThreadID  string       `json:"thread_id"`
	Delta     string       `json:"delta,omitempty"`
	Call      *ToolCall    `json:"call,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Result    *ToolResult  `json:"result,omitempty"`
	Step      *Step        `json:"step,omitempty"`
	Final     *FinalResult `json:"final,omitempty"`
	Err       string       `json:"error,omitempty"`
	Code      ErrorCode    `json:"code,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Terminal reports whether e ends its stream.
func (e AgentEvent) Terminal() bool {
	return e.Kind == KindGenerationComplete || e.Kind == KindError
}

// Step records one executor iteration: the assistant output it produced and,
// when the model requested tools, the calls with their paired results in the
// original call order.
type Step struct {
	Index       int          `json:"index"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Usage       Usage        `json:"usage"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// FinalResult is the terminal payload of a successful generation.
type FinalResult struct {
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	Steps     []Step    `json:"steps"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}
