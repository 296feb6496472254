package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agentcore/internal/domain"
)

func TestNewSessionUnknownThread(t *testing.T) {
	llm := &mockLLM{}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})

	_, err := NewSession(context.Background(), "no-such-thread", h.threads, h.engine, nil)
	if !errors.Is(err, domain.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestSessionSchemaSnapshotIsolated(t *testing.T) {
	llm := &mockLLM{}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})
	thread := h.newThread(t)

	schemas := []domain.ToolSchema{{Name: "calculator"}}
	sess := h.session(t, thread.ID, schemas)

	// Mutating the caller's slice after construction must not leak in.
	schemas[0].Name = "mutated"
	if got := sess.Schemas()[0].Name; got != "calculator" {
		t.Fatalf("snapshot leaked mutation: %q", got)
	}

	// Mutating the returned copy must not affect the session either.
	out := sess.Schemas()
	out[0].Name = "mutated-again"
	if got := sess.Schemas()[0].Name; got != "calculator" {
		t.Fatalf("returned slice aliases snapshot: %q", got)
	}
}

// Concurrent Generate calls on one session are serialized, so both complete
// and their message batches never interleave.
func TestSessionSerializesConcurrentGenerate(t *testing.T) {
	call := domain.ToolCall{ID: "call_1", Name: "alpha", Arguments: []byte(`{}`)}
	llm := &mockLLM{script: []chatScript{
		toolCallResponse(call), textResponse("first"),
		toolCallResponse(call), textResponse("second"),
	}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})
	h.runner.onResult("alpha", "A")
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = sess.Generate(context.Background(), "go")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}

	history := h.history(t, thread.ID)
	if len(history) != 8 {
		t.Fatalf("history = %d messages, want 8", len(history))
	}

	// Each generation's four messages are contiguous: user, assistant
	// (calls), tool, assistant (text) — twice, never interleaved.
	wantRoles := []string{
		domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant,
		domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant,
	}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Fatalf("history[%d].Role = %s, want %s", i, history[i].Role, want)
		}
	}

	// Sequences are strictly increasing.
	for i := 1; i < len(history); i++ {
		if history[i].Sequence <= history[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d: %d then %d",
				i, history[i-1].Sequence, history[i].Sequence)
		}
	}
}

// Generate is the drained equivalent of Stream: same terminal payload.
func TestGenerateMatchesStreamTerminal(t *testing.T) {
	llm := &mockLLM{script: []chatScript{textResponse("same answer"), textResponse("same answer")}}
	h := newHarness(t, llm, EngineConfig{Model: "test-model"})
	thread := h.newThread(t)
	sess := h.session(t, thread.ID, nil)

	batch, err := sess.Generate(context.Background(), "q")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ch, err := sess.Stream(context.Background(), "q")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != domain.KindGenerationComplete {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Final.Content != batch.Content {
		t.Fatalf("stream final %q != batch final %q", last.Final.Content, batch.Content)
	}
}
