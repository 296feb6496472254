package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentcore/internal/adapter/store"
	"agentcore/internal/adapter/tool"
	"agentcore/internal/domain"
	"agentcore/internal/usecase"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		p.calls++
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "done"},
		}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func assistantText(content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
		Usage:   domain.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
}

func assistantToolCall(name string, args string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID: domain.NewID(), Name: name, Arguments: json.RawMessage(args),
			}},
		},
		Usage: domain.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
}

// The full calculator loop against a real SQLite store: the model requests
// calculator("2+2"), the real tool computes 4, the model answers "4". The
// durable history is exactly user, assistant(call), tool, assistant.
func TestCalculatorScenario(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	s := NewStack(t)
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		assistantToolCall("calculator", `{"expression":"2+2"}`),
		assistantText("4"),
	}}
	engine := s.Engine(provider, usecase.EngineConfig{Model: "test-model"})
	thread, sess := s.Session(ctx, t, engine)

	result, err := sess.Generate(ctx, "what is 2+2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Content != "4" {
		t.Fatalf("content = %q, want 4", result.Content)
	}

	history, err := s.Threads.AllMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	wantRoles := []string{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Fatalf("history[%d].Role = %s, want %s", i, history[i].Role, want)
		}
	}
	if history[2].Content != "4" {
		t.Fatalf("tool result = %q, want 4", history[2].Content)
	}
	if history[2].ToolCallID != history[1].ToolCalls[0].ID {
		t.Fatal("tool result not paired to its call")
	}
}

// A handler that sleeps past the invoker timeout produces an error result;
// the generation still completes when the model then answers in text.
func TestToolTimeoutStillCompletes(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	s := NewStack(t)
	if err := s.Tools.Register(&slowWeatherTool{delay: 2 * time.Second}); err != nil {
		t.Fatalf("register: %v", err)
	}
	invoker := tool.NewInvoker(s.Tools, 100*time.Millisecond, slog.Default())

	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		assistantToolCall("weather", `{"city":"Paris"}`),
		assistantText("could not fetch the weather"),
	}}
	engine := usecase.NewEngine(usecase.EngineDeps{
		Provider:   provider,
		Tools:      invoker,
		Threads:    s.Threads,
		Classifier: usecase.NewErrorClassifier(),
		Bus:        s.Bus,
		Logger:     slog.Default(),
	}, usecase.EngineConfig{Model: "test-model"})
	thread, sess := s.Session(ctx, t, engine)

	result, err := sess.Generate(ctx, "weather in Paris?")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Content != "could not fetch the weather" {
		t.Fatalf("content = %q", result.Content)
	}

	history, err := s.Threads.AllMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// The timed-out call still has a durable tool-role result.
	var toolMsg *domain.Message
	for i := range history {
		if history[i].Role == domain.RoleTool {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result recorded")
	}
}

// The clock builtin round-trips through the schema-validated path.
func TestClockScenario(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	s := NewStack(t)
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		assistantToolCall("clock", `{}`),
		assistantText("it is now"),
	}}
	engine := s.Engine(provider, usecase.EngineConfig{Model: "test-model"})
	thread, sess := s.Session(ctx, t, engine)

	if _, err := sess.Generate(ctx, "what time is it?"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	history, _ := s.Threads.AllMessages(ctx, thread.ID)
	var toolMsg *domain.Message
	for i := range history {
		if history[i].Role == domain.RoleTool {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result recorded")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(toolMsg.Content), &payload); err != nil {
		t.Fatalf("clock result not JSON: %v", err)
	}
	if payload["weekday"] == "" {
		t.Fatalf("clock payload = %v", payload)
	}
}

// Step limit with a real store: a provider that keeps requesting tools hits
// the limit, the partial trace survives, the adapter is called exactly once.
func TestStepLimitWithDurableTrace(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	s := NewStack(t)
	provider := &scriptedProvider{responses: []*domain.ChatResponse{
		assistantToolCall("calculator", `{"expression":"1+1"}`),
		assistantToolCall("calculator", `{"expression":"2+2"}`),
	}}
	engine := s.Engine(provider, usecase.EngineConfig{Model: "test-model", MaxSteps: 1})
	thread, sess := s.Session(ctx, t, engine)

	_, err := sess.Generate(ctx, "loop forever")
	if err == nil {
		t.Fatal("expected step limit error")
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", provider.callCount())
	}

	history, herr := s.Threads.AllMessages(ctx, thread.ID)
	if herr != nil {
		t.Fatalf("history: %v", herr)
	}
	// user + assistant(call) + tool result: the partial trace is durable.
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
}

// History written through one store handle is visible after reopening the
// database file.
func TestHistorySurvivesReopen(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)
	logger := slog.Default()

	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	threads := usecase.NewThreadService(db, nil, logger)

	thread, err := threads.CreateThread(ctx, domain.NewThread{Title: "durable"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := threads.AddMessage(ctx, thread.ID, domain.Message{
		Role: domain.RoleUser, Content: "remember me",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	threads = usecase.NewThreadService(reopened, nil, logger)
	history, err := threads.AllMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "remember me" {
		t.Fatalf("history = %+v", history)
	}
}

// slowWeatherTool sleeps long enough to trip the invoker timeout.
type slowWeatherTool struct {
	delay time.Duration
}

func (s *slowWeatherTool) Name() string        { return "weather" }
func (s *slowWeatherTool) Description() string { return "Fetch the weather for a city." }
func (s *slowWeatherTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.Name(),
		Description: s.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"city": {"type": "string"}},
			"required": ["city"]
		}`),
	}
}

func (s *slowWeatherTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	select {
	case <-time.After(s.delay):
		return &domain.ToolResult{Content: "sunny"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
