package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/usecase"
)

// HandlerDeps holds the dependencies the RPC handlers operate on.
type HandlerDeps struct {
	Threads *usecase.ThreadService
	Engine  *usecase.Engine
	Tools   domain.ToolExecutor
	Bus     domain.EventBus
	Logger  *slog.Logger

	// sessions caches one Session per thread so concurrent generate calls on
	// the same thread serialize instead of interleaving.
	sessions sync.Map // threadID -> *usecase.Session
	// active tracks cancel funcs for in-flight generations, keyed by thread.
	active sync.Map // threadID -> context.CancelFunc
}

// session returns the cached session for a thread, creating it on first use.
func (d *HandlerDeps) session(ctx context.Context, threadID string) (*usecase.Session, error) {
	if v, ok := d.sessions.Load(threadID); ok {
		return v.(*usecase.Session), nil
	}
	var schemas []domain.ToolSchema
	if d.Tools != nil {
		schemas = d.Tools.Schemas()
	}
	sess, err := usecase.NewSession(ctx, threadID, d.Threads, d.Engine, schemas)
	if err != nil {
		return nil, err
	}
	actual, _ := d.sessions.LoadOrStore(threadID, sess)
	return actual.(*usecase.Session), nil
}

// RegisterDefaultHandlers registers the built-in RPC methods on the server.
func RegisterDefaultHandlers(s *Server, deps *HandlerDeps) {
	s.RegisterHandler("thread.create", threadCreateHandler(deps))
	s.RegisterHandler("thread.get", threadGetHandler(deps))
	s.RegisterHandler("thread.update", threadUpdateHandler(deps))
	s.RegisterHandler("thread.delete", threadDeleteHandler(deps))
	s.RegisterHandler("thread.list", threadListHandler(deps))
	s.RegisterHandler("thread.stats", threadStatsHandler(deps))
	s.RegisterHandler("thread.title", threadTitleHandler(deps))
	s.RegisterHandler("message.add", messageAddHandler(deps))
	s.RegisterHandler("message.list", messageListHandler(deps))
	s.RegisterHandler("message.search", messageSearchHandler(deps))
	s.RegisterHandler("message.delete", messageDeleteHandler(deps))
	s.RegisterHandler("agent.generate", agentGenerateHandler(deps))
	s.RegisterHandler("agent.stream", agentStreamHandler(deps))
	s.RegisterHandler("agent.abort", agentAbortHandler(deps))
	s.RegisterHandler("tool.list", toolListHandler(deps))
}

// --- threads ---

type threadCreateRequest struct {
	Title      string         `json:"title"`
	AgentID    string         `json:"agent_id"`
	ResourceID string         `json:"resource_id"`
	Metadata   map[string]any `json:"metadata"`
}

func threadCreateHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadCreateRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.ErrRPCInvalidPayload
			}
		}
		thread, err := deps.Threads.CreateThread(ctx, domain.NewThread{
			Title:      req.Title,
			AgentID:    req.AgentID,
			ResourceID: req.ResourceID,
			Metadata:   req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(thread)
	}
}

type threadIDRequest struct {
	ThreadID string `json:"thread_id"`
}

func decodeThreadID(payload json.RawMessage) (string, error) {
	var req threadIDRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", domain.ErrRPCInvalidPayload
	}
	if req.ThreadID == "" {
		return "", domain.ErrRPCInvalidPayload
	}
	return req.ThreadID, nil
}

func threadGetHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodeThreadID(payload)
		if err != nil {
			return nil, err
		}
		thread, err := deps.Threads.GetThread(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(thread)
	}
}

type threadUpdateRequest struct {
	ThreadID string         `json:"thread_id"`
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func threadUpdateHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadUpdateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		thread, err := deps.Threads.UpdateThread(ctx, req.ThreadID, domain.ThreadPatch{
			Title:    req.Title,
			Metadata: req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(thread)
	}
}

func threadDeleteHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodeThreadID(payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Threads.DeleteThread(ctx, id); err != nil {
			return nil, err
		}
		deps.sessions.Delete(id)
		return json.Marshal(map[string]bool{"deleted": true})
	}
}

type threadListRequest struct {
	AgentID    string `json:"agent_id"`
	ResourceID string `json:"resource_id"`
	Limit      int    `json:"limit"`
	Cursor     string `json:"cursor"`
}

type threadListResponse struct {
	Threads    []domain.Thread `json:"threads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func threadListHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadListRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		opts := domain.ListThreadsOptions{Limit: req.Limit, Cursor: req.Cursor}

		var (
			threads []domain.Thread
			next    string
			err     error
		)
		switch {
		case req.AgentID != "":
			threads, next, err = deps.Threads.ListThreadsByAgent(ctx, req.AgentID, opts)
		case req.ResourceID != "":
			threads, next, err = deps.Threads.ListThreadsByResource(ctx, req.ResourceID, opts)
		default:
			return nil, domain.ErrRPCInvalidPayload
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(threadListResponse{Threads: threads, NextCursor: next})
	}
}

func threadStatsHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodeThreadID(payload)
		if err != nil {
			return nil, err
		}
		stats, err := deps.Threads.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	}
}

func threadTitleHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodeThreadID(payload)
		if err != nil {
			return nil, err
		}
		title, err := deps.Threads.GenerateTitle(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"title": title})
	}
}

// --- messages ---

type messageAddRequest struct {
	ThreadID string `json:"thread_id"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	Name     string `json:"name"`
}

func messageAddHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req messageAddRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" || req.Role == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		msg, err := deps.Threads.AddMessage(ctx, req.ThreadID, domain.Message{
			Role:    req.Role,
			Content: req.Content,
			Name:    req.Name,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	}
}

type messageListRequest struct {
	ThreadID string   `json:"thread_id"`
	Limit    int      `json:"limit"`
	Cursor   string   `json:"cursor"`
	Reverse  bool     `json:"reverse"`
	Roles    []string `json:"roles"`
}

type messageListResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func messageListHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req messageListRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		msgs, next, err := deps.Threads.GetMessages(ctx, req.ThreadID, domain.ListMessagesOptions{
			Limit:   req.Limit,
			Cursor:  req.Cursor,
			Reverse: req.Reverse,
			Filter:  domain.MessageFilter{Roles: req.Roles},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(messageListResponse{Messages: msgs, NextCursor: next})
	}
}

type messageSearchRequest struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
}

func messageSearchHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req messageSearchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" || strings.TrimSpace(req.Query) == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		msgs, err := deps.Threads.SearchMessages(ctx, req.ThreadID, req.Query, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(messageListResponse{Messages: msgs})
	}
}

type messageDeleteRequest struct {
	ThreadID string   `json:"thread_id"`
	IDs      []string `json:"ids"`
}

func messageDeleteHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req messageDeleteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" || len(req.IDs) == 0 {
			return nil, domain.ErrRPCInvalidPayload
		}
		n, err := deps.Threads.DeleteMessages(ctx, req.ThreadID, req.IDs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{"deleted": n})
	}
}

// --- agent ---

type agentGenerateRequest struct {
	ThreadID string `json:"thread_id"`
	Input    string `json:"input"`
}

func agentGenerateHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentGenerateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" || req.Input == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		sess, err := deps.session(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		deps.active.Store(req.ThreadID, cancel)
		defer deps.active.Delete(req.ThreadID)

		result, err := sess.Generate(reqCtx, req.Input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

type agentStreamResponse struct {
	Streaming bool   `json:"streaming"`
	ThreadID  string `json:"thread_id"`
}

// agentStreamHandler starts a generation in the background and returns
// immediately. Deltas and the terminal event reach the client as event
// frames via the bus fan-out.
func agentStreamHandler(deps *HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentGenerateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ThreadID == "" || req.Input == "" {
			return nil, domain.ErrRPCInvalidPayload
		}

		sess, err := deps.session(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}

		// The RPC context dies with the dispatch goroutine; the generation
		// gets its own lifetime, ended by agent.abort or completion.
		genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		deps.active.Store(req.ThreadID, cancel)

		go func() {
			defer cancel()
			defer deps.active.Delete(req.ThreadID)

			if _, err := sess.Generate(genCtx, req.Input); err != nil {
				// The engine already emitted the terminal Error event.
				deps.Logger.Warn("stream generation failed",
					"thread_id", req.ThreadID, "error", err)
			}
		}()

		return json.Marshal(agentStreamResponse{Streaming: true, ThreadID: req.ThreadID})
	}
}

func agentAbortHandler(deps *HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		id, err := decodeThreadID(payload)
		if err != nil {
			return nil, err
		}

		aborted := false
		if v, ok := deps.active.LoadAndDelete(id); ok {
			v.(context.CancelFunc)()
			aborted = true
		}
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

// --- tools ---

func toolListHandler(deps *HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if deps.Tools == nil {
			return json.Marshal([]domain.ToolSchema{})
		}
		return json.Marshal(deps.Tools.Schemas())
	}
}

// --- HTTP surface ---

// RegisterHTTPHandlers wires the status and metrics endpoints plus a token
// auth wrapper around them. Returns the metrics collector so the composition
// root can keep a reference.
func RegisterHTTPHandlers(s *Server, deps *HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := NewMetrics(deps.Bus)

	authWrap := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if _, err := s.auth.Authenticate(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/healthz", healthHandler())
	s.RegisterHTTPRoute("/api/v1/status", authWrap(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authWrap(metricsHandler(deps, startTime, metrics)))
	return metrics
}
