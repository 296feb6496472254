package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published on the bus.
type EventType string

const (
	EventThreadCreated EventType = "thread.created"
	EventThreadUpdated EventType = "thread.updated"
	EventThreadDeleted EventType = "thread.deleted"

	EventMessageAppended EventType = "message.appended"

	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"

	EventStreamStarted       EventType = "stream.started"
	EventStreamDelta         EventType = "stream.delta"
	EventStepCompleted       EventType = "step.completed"
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationFailed    EventType = "generation.failed"

	EventRetentionSwept EventType = "retention.swept"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
