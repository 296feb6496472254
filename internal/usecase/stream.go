package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"agentcore/internal/domain"
)

// defaultStreamBuffer is the bounded event channel size when config does not
// say otherwise.
const defaultStreamBuffer = 64

// emitter delivers AgentEvents to at most one stream consumer and mirrors
// every event onto the process-wide bus. The out channel is bounded: when
// the consumer lags, emit blocks the generation loop instead of dropping
// events, so the delivered sequence always has no gaps. A nil out channel
// (batch mode) keeps only the bus mirror.
type emitter struct {
	out      chan domain.AgentEvent
	bus      domain.EventBus // optional, nil = no mirror
	threadID string
}

func newEmitter(threadID string, buffer int, bus domain.EventBus) *emitter {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &emitter{
		out:      make(chan domain.AgentEvent, buffer),
		bus:      bus,
		threadID: threadID,
	}
}

// newBusEmitter builds an emitter with no consumer channel, for batch mode.
func newBusEmitter(threadID string, bus domain.EventBus) *emitter {
	return &emitter{bus: bus, threadID: threadID}
}

// events returns the consumer side of the stream.
func (e *emitter) events() <-chan domain.AgentEvent { return e.out }

// emit delivers one event. It returns the context error when the consumer
// is gone, which unwinds the generation loop.
func (e *emitter) emit(ctx context.Context, ev domain.AgentEvent) error {
	ev.ThreadID = e.threadID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mirror(ctx, ev)

	if e.out == nil {
		return nil
	}
	select {
	case e.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminalEmitTimeout bounds how long a terminal event waits for a slow or
// departed consumer before being abandoned.
const terminalEmitTimeout = 5 * time.Second

// emitTerminal delivers the stream's terminal event. Unlike emit it ignores
// context cancellation — a cancelled consumer still deserves the Error
// event if it is draining — but gives up after a bounded wait so an
// abandoned stream cannot wedge the generation goroutine.
func (e *emitter) emitTerminal(ctx context.Context, ev domain.AgentEvent) {
	ev.ThreadID = e.threadID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mirror(context.WithoutCancel(ctx), ev)

	if e.out == nil {
		return
	}
	timer := time.NewTimer(terminalEmitTimeout)
	defer timer.Stop()
	select {
	case e.out <- ev:
	case <-timer.C:
	}
}

// close ends the stream. Call exactly once, after the terminal event.
func (e *emitter) close() {
	if e.out != nil {
		close(e.out)
	}
}

// mirror republishes the event on the bus so gateway and audit subscribers
// observe the same sequence without holding a stream subscription.
func (e *emitter) mirror(ctx context.Context, ev domain.AgentEvent) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:      busEventType(ev.Kind),
		Timestamp: ev.Timestamp,
		ThreadID:  e.threadID,
		Payload:   payload,
	})
}

func busEventType(kind domain.EventKind) domain.EventType {
	switch kind {
	case domain.KindTextDelta:
		return domain.EventStreamDelta
	case domain.KindToolCallStart:
		return domain.EventToolCallStarted
	case domain.KindToolCallComplete:
		return domain.EventToolCallCompleted
	case domain.KindStepComplete:
		return domain.EventStepCompleted
	case domain.KindGenerationComplete:
		return domain.EventGenerationCompleted
	case domain.KindError:
		return domain.EventGenerationFailed
	default:
		return domain.EventStreamDelta
	}
}

// maxToolCallSlots bounds the tool call slots the accumulator allocates.
// Indices past the bound are dropped so malformed deltas cannot exhaust
// memory.
const maxToolCallSlots = 50

// streamAccumulator folds incremental deltas into one complete assistant
// message. Tool calls accumulate by index: the first delta for an index
// carries ID and Name, later deltas append argument fragments.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCallSlots {
			break
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		slot := &acc.toolCalls[idx]
		if tc.ID != "" {
			slot.ID = tc.ID
		}
		if tc.Name != "" {
			slot.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			slot.Arguments = append(slot.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build assembles the accumulated message. Tool call slots that never
// received an ID are dropped; their paired fragments were unusable anyway.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		CreatedAt: time.Now().UTC(),
	}
	for _, tc := range acc.toolCalls {
		if tc.ID == "" && tc.Name == "" {
			continue
		}
		if tc.ID == "" {
			tc.ID = domain.NewID()
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg, acc.usage
}
