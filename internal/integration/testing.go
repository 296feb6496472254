package integration

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"agentcore/internal/adapter/store"
	"agentcore/internal/adapter/tool"
	"agentcore/internal/domain"
	"agentcore/internal/usecase"
	"agentcore/internal/usecase/eventbus"
)

// SkipIfShort skips end-to-end tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
}

// NewTestContext creates a context bounded by timeout, cancelled on cleanup.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Stack is a fully wired execution core over a SQLite store and the builtin
// tools, with the provider left to the test.
type Stack struct {
	Store   *store.SQLiteStore
	Bus     *eventbus.Bus
	Threads *usecase.ThreadService
	Tools   *tool.Registry
	Invoker *tool.Invoker
}

// NewStack builds the stack on a temp database. Everything is torn down with
// the test.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	logger := slog.Default()

	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "agentcore.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewCalculatorTool()); err != nil {
		t.Fatalf("register calculator: %v", err)
	}
	if err := registry.Register(tool.NewClockTool()); err != nil {
		t.Fatalf("register clock: %v", err)
	}

	return &Stack{
		Store:   db,
		Bus:     bus,
		Threads: usecase.NewThreadService(db, bus, logger),
		Tools:   registry,
		Invoker: tool.NewInvoker(registry, 2*time.Second, logger),
	}
}

// Engine wires an engine over the stack with the given provider and config.
func (s *Stack) Engine(provider domain.LLMProvider, cfg usecase.EngineConfig) *usecase.Engine {
	return usecase.NewEngine(usecase.EngineDeps{
		Provider:   provider,
		Tools:      s.Invoker,
		Threads:    s.Threads,
		Classifier: usecase.NewErrorClassifier(),
		Bus:        s.Bus,
		Logger:     slog.Default(),
	}, cfg)
}

// Session opens a session on a fresh thread, returning both.
func (s *Stack) Session(ctx context.Context, t *testing.T, engine *usecase.Engine) (domain.Thread, *usecase.Session) {
	t.Helper()
	thread, err := s.Threads.CreateThread(ctx, domain.NewThread{Title: "e2e"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	sess, err := usecase.NewSession(ctx, thread.ID, s.Threads, engine, s.Tools.Schemas())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return thread, sess
}
