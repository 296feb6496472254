package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		Model:   "gpt-4o-mini",
		APIKey:  "test-key",
		BaseURL: server.URL,
	}, testLogger())
}

func TestOpenAIChat(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want default applied", req.Model)
		}

		json.NewEncoder(w).Encode(wireResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []wireChoice{{
				Message:      wireMessage{Role: "assistant", Content: "The answer is 4."},
				FinishReason: "stop",
			}},
			Usage:   wireUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			Created: 1700000000,
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "What is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "The answer is 4." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Message.Role != domain.RoleAssistant {
		t.Errorf("Role = %q", resp.Message.Role)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
	if resp.ID != "chatcmpl-123" {
		t.Errorf("ID = %q", resp.ID)
	}
}

func TestOpenAIChatToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireResponse{
			ID:    "chatcmpl-tc",
			Model: "gpt-4o-mini",
			Choices: []wireChoice{{
				Message: wireMessage{
					Role: "assistant",
					ToolCalls: []wireToolCall{{
						ID:   "call_abc",
						Type: "function",
						Function: wireCallFunction{
							Name:      "calculator",
							Arguments: `{"expression":"2+2"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "compute 2+2"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "calculator" {
		t.Errorf("ToolCall = %+v", tc)
	}
	if string(tc.Arguments) != `{"expression":"2+2"}` {
		t.Errorf("Arguments = %s", tc.Arguments)
	}
}

func TestOpenAIRequestMapping(t *testing.T) {
	var captured wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(wireResponse{Choices: []wireChoice{{
			Message: wireMessage{Role: "assistant", Content: "ok"},
		}}})
	})

	temp := 0.7
	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "clock", Arguments: []byte(`{}`)},
			}},
			{Role: domain.RoleTool, Content: "12:00", Name: "clock", ToolCallID: "call_1"},
		},
		Tools: []domain.ToolSchema{{
			Name:        "clock",
			Description: "current time",
			Parameters:  []byte(`{"type":"object"}`),
		}},
		MaxTokens:   256,
		Temperature: temp,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(captured.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(captured.Messages))
	}
	// Assistant tool calls carry id/type/function.
	asst := captured.Messages[2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Type != "function" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	// Tool results are paired to their call via tool_call_id.
	toolMsg := captured.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "clock" {
		t.Errorf("tools = %+v", captured.Tools)
	}
	if captured.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", captured.MaxTokens)
	}
	if captured.Temperature == nil || *captured.Temperature != temp {
		t.Errorf("temperature = %v", captured.Temperature)
	}
}

func TestOpenAIZeroTemperatureOmitted(t *testing.T) {
	req := toWireRequest(domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if req.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", req.Temperature)
	}
	if req.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want omitted", req.MaxTokens)
	}
}

func TestOpenAIChatErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrRateLimit},
		{"bad key", http.StatusUnauthorized, `{"error":"invalid key"}`, domain.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, `{"error":"nope"}`, domain.ErrAuthInvalid},
		{"overflow", http.StatusBadRequest, `{"error":{"code":"context_length_exceeded"}}`, domain.ErrContextOverflow},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, domain.ErrProviderUnavailable},
		{"bad gateway", http.StatusBadGateway, `upstream died`, domain.ErrProviderUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := p.Chat(context.Background(), domain.ChatRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
			})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestOpenAIChatStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !req.Stream {
			t.Error("stream flag not set")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage not set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var doneCount int
	var usage *domain.Usage
	for d := range ch {
		content += d.Content
		if d.Done {
			doneCount++
		}
		if d.Usage != nil {
			usage = d.Usage
		}
	}

	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if doneCount != 1 {
		t.Errorf("done deltas = %d, want exactly 1", doneCount)
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOpenAIChatStreamToolCallFragments(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"calculator","arguments":""}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expr"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ession\":\"2+2\"}"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "2+2"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var firstID, name string
	var args string
	for d := range ch {
		for _, tc := range d.ToolCalls {
			if tc.ID != "" {
				firstID = tc.ID
			}
			if tc.Name != "" {
				name = tc.Name
			}
			args += string(tc.Arguments)
		}
	}

	if firstID != "call_9" || name != "calculator" {
		t.Errorf("call = %q %q", firstID, name)
	}
	if args != `{"expression":"2+2"}` {
		t.Errorf("assembled arguments = %q", args)
	}
}

func TestOpenAIChatStreamErrorStatus(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	})

	_, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
}

func TestOpenAIDefaultBaseURL(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{Name: "openai", Model: "gpt-4o"}, testLogger())
	if p.baseURL != defaultOpenAIBaseURL {
		t.Errorf("baseURL = %q", p.baseURL)
	}

	p = NewOpenAIProvider(config.ProviderConfig{Name: "local", BaseURL: "http://localhost:8080/v1/"}, testLogger())
	if p.baseURL != "http://localhost:8080/v1" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", p.baseURL)
	}
}

func TestOpenAIName(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{Name: "primary"}, testLogger())
	if p.Name() != "primary" {
		t.Errorf("Name = %q", p.Name())
	}
}
