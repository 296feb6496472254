package usecase

import (
	"context"
	"testing"
	"time"

	"agentcore/internal/domain"
)

// collect drains a stream and returns every event, failing the test if no
// terminal arrives in time.
func collect(t *testing.T, ch <-chan domain.AgentEvent) []domain.AgentEvent {
	t.Helper()
	var events []domain.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate; got %d events", len(events))
		}
	}
}

func kinds(events []domain.AgentEvent) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestStreamTextDeltaOrder(t *testing.T) {
	llm := &mockStreamLLM{streams: [][]domain.StreamDelta{{
		{Content: "hel"},
		{Content: "lo"},
		{Done: true, Usage: &domain.Usage{TotalTokens: 7}},
	}}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	ch, err := sess.Stream(context.Background(), "hi")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)

	want := []domain.EventKind{
		domain.KindTextDelta,
		domain.KindTextDelta,
		domain.KindStepComplete,
		domain.KindGenerationComplete,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if events[0].Delta+events[1].Delta != "hello" {
		t.Fatalf("deltas = %q %q", events[0].Delta, events[1].Delta)
	}
	final := events[len(events)-1].Final
	if final == nil || final.Content != "hello" {
		t.Fatalf("final = %+v", final)
	}
}

func TestStreamToolCallEventOrder(t *testing.T) {
	llm := &mockStreamLLM{streams: [][]domain.StreamDelta{
		{
			{ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "alpha"}}},
			{ToolCalls: []domain.ToolCall{{Arguments: []byte(`{}`)}}},
			{Done: true},
		},
		{
			{Content: "done"},
			{Done: true},
		},
	}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})
	h.runner.onResult("alpha", "A")
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	ch, err := sess.Stream(context.Background(), "go")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)

	want := []domain.EventKind{
		domain.KindToolCallStart,
		domain.KindToolCallComplete,
		domain.KindStepComplete,
		domain.KindTextDelta,
		domain.KindStepComplete,
		domain.KindGenerationComplete,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if events[0].Call == nil || events[0].Call.ID != "call_1" {
		t.Fatalf("start event call = %+v", events[0].Call)
	}
	if events[1].CallID != "call_1" || events[1].Result == nil {
		t.Fatalf("complete event = %+v", events[1])
	}
}

// Exactly one terminal event per stream, and the channel closes after it.
func TestStreamSingleTerminalOnError(t *testing.T) {
	call := domain.ToolCall{ID: "call_1", Name: "alpha", Arguments: []byte(`{}`)}
	llm := &mockLLM{script: []chatScript{toolCallResponse(call)}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model", MaxSteps: 1})
	h.runner.onResult("alpha", "A")
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	ch, err := sess.Stream(context.Background(), "go")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)

	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminals = %d, want 1", terminals)
	}
	last := events[len(events)-1]
	if last.Kind != domain.KindError || last.Code != domain.CodeMaxSteps {
		t.Fatalf("last event = %+v", last)
	}
}

// A slow consumer blocks the producer instead of losing events.
func TestStreamBackpressureNoDrops(t *testing.T) {
	deltas := make([]domain.StreamDelta, 0, 40)
	for i := 0; i < 40; i++ {
		deltas = append(deltas, domain.StreamDelta{Content: "x"})
	}
	deltas = append(deltas, domain.StreamDelta{Done: true})

	llm := &mockStreamLLM{streams: [][]domain.StreamDelta{deltas}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model", StreamBuffer: 2})
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	ch, err := sess.Stream(context.Background(), "go")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var got []domain.AgentEvent
	for ev := range ch {
		time.Sleep(2 * time.Millisecond) // lag behind the producer
		got = append(got, ev)
	}

	textDeltas := 0
	for _, ev := range got {
		if ev.Kind == domain.KindTextDelta {
			textDeltas++
		}
	}
	if textDeltas != 40 {
		t.Fatalf("deltas delivered = %d, want 40", textDeltas)
	}
}

func TestStreamCancelledConsumerReleasesProducer(t *testing.T) {
	deltas := make([]domain.StreamDelta, 0, 200)
	for i := 0; i < 200; i++ {
		deltas = append(deltas, domain.StreamDelta{Content: "x"})
	}
	deltas = append(deltas, domain.StreamDelta{Done: true})

	llm := &mockStreamLLM{streams: [][]domain.StreamDelta{deltas}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model", StreamBuffer: 1})
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := sess.Stream(ctx, "go")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-ch // one event, then walk away
	cancel()

	// The generation goroutine must unwind and close the channel; a second
	// Generate on the session proves the mutex was released.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream channel never closed after cancel")
	}
}

// --- accumulator ---

func TestAccumulatorMergesContent(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{Content: "foo "})
	acc.addDelta(domain.StreamDelta{Content: "bar"})

	msg, _ := acc.build()
	if msg.Content != "foo bar" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.Role != domain.RoleAssistant {
		t.Fatalf("role = %s", msg.Role)
	}
}

func TestAccumulatorMergesToolCallFragments(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "calc"}}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: []byte(`{"a":`)}}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: []byte(`2}`)}}})

	msg, _ := acc.build()
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "calc" || string(tc.Arguments) != `{"a":2}` {
		t.Fatalf("tool call = %+v", tc)
	}
}

func TestAccumulatorDropsEmptySlots(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{})
	msg, _ := acc.build()
	if len(msg.ToolCalls) != 0 {
		t.Fatalf("tool calls = %d, want 0", len(msg.ToolCalls))
	}
}

func TestAccumulatorKeepsLastUsage(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{Usage: &domain.Usage{TotalTokens: 3}})
	acc.addDelta(domain.StreamDelta{Usage: &domain.Usage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 9}})

	_, usage := acc.build()
	if usage.TotalTokens != 9 || usage.PromptTokens != 4 {
		t.Fatalf("usage = %+v", usage)
	}
}
