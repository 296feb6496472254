package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"agentcore/internal/adapter/store"
	"agentcore/internal/domain"
)

func testLogger() *slog.Logger { return slog.Default() }

// --- Mocks ---

// chatScript is one scripted provider turn: either a response or an error.
type chatScript struct {
	resp *domain.ChatResponse
	err  error
}

type mockLLM struct {
	mu     sync.Mutex
	script []chatScript
	calls  int
}

func (m *mockLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.script) {
		m.calls++
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	turn := m.script[m.calls]
	m.calls++
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.resp, nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(content string) chatScript {
	return chatScript{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

func toolCallResponse(calls ...domain.ToolCall) chatScript {
	return chatScript{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// mockStreamLLM scripts whole delta streams per call.
type mockStreamLLM struct {
	mockLLM
	streams [][]domain.StreamDelta
	sCalls  int
}

func (m *mockStreamLLM) ChatStream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sCalls >= len(m.streams) {
		return nil, fmt.Errorf("unscripted stream call %d", m.sCalls)
	}
	deltas := m.streams[m.sCalls]
	m.sCalls++

	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// mockRunner implements ToolRunner with per-tool handlers and records every
// invocation.
type mockRunner struct {
	mu       sync.Mutex
	handlers map[string]func(call domain.ToolCall) domain.ToolResult
	invoked  []domain.ToolCall
}

func newMockRunner() *mockRunner {
	return &mockRunner{handlers: make(map[string]func(domain.ToolCall) domain.ToolResult)}
}

func (m *mockRunner) on(name string, fn func(domain.ToolCall) domain.ToolResult) {
	m.handlers[name] = fn
}

func (m *mockRunner) onResult(name, content string) {
	m.on(name, func(call domain.ToolCall) domain.ToolResult {
		return domain.ToolResult{ToolCallID: call.ID, Content: content}
	})
}

func (m *mockRunner) Invoke(_ context.Context, call domain.ToolCall) domain.ToolResult {
	m.mu.Lock()
	m.invoked = append(m.invoked, call)
	fn, ok := m.handlers[call.Name]
	m.mu.Unlock()
	if !ok {
		return domain.ToolResult{
			ToolCallID: call.ID,
			IsError:    true,
			Content:    fmt.Sprintf("unknown tool %q", call.Name),
		}
	}
	result := fn(call)
	result.ToolCallID = call.ID
	return result
}

func (m *mockRunner) invocations() []domain.ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ToolCall, len(m.invoked))
	copy(out, m.invoked)
	return out
}

// --- Harness ---

type harness struct {
	store   *store.MemoryStore
	threads *ThreadService
	llm     domain.LLMProvider
	runner  *mockRunner
	engine  *Engine
}

func newHarness(t *testing.T, llm domain.LLMProvider, cfg EngineConfig) *harness {
	t.Helper()
	mem := store.NewMemory()
	threads := NewThreadService(mem, nil, slog.Default())
	runner := newMockRunner()
	engine := NewEngine(EngineDeps{
		Provider:   llm,
		Tools:      runner,
		Threads:    threads,
		Classifier: NewErrorClassifier(),
		Logger:     slog.Default(),
	}, cfg)
	return &harness{store: mem, threads: threads, llm: llm, runner: runner, engine: engine}
}

func (h *harness) newThread(t *testing.T) domain.Thread {
	t.Helper()
	thread, err := h.threads.CreateThread(context.Background(), domain.NewThread{Title: "test"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func (h *harness) session(t *testing.T, threadID string, schemas []domain.ToolSchema) *Session {
	t.Helper()
	sess, err := NewSession(context.Background(), threadID, h.threads, h.engine, schemas)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess
}

func (h *harness) history(t *testing.T, threadID string) []domain.Message {
	t.Helper()
	msgs, err := h.threads.AllMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("all messages: %v", err)
	}
	return msgs
}

func rawArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return data
}
