package usecase

import (
	"context"
	"sync"

	"agentcore/internal/domain"
)

// Session binds one thread, one tool descriptor snapshot, and one executor.
// The snapshot is taken at construction, so the set of tools a model sees
// never changes mid-session even if the registry gains tools later.
//
// Concurrent Generate/Stream calls on one session are serialized by an
// internal mutex rather than rejected; callers that need interleaving run
// separate sessions against the same thread.
type Session struct {
	mu       sync.Mutex
	threadID string
	threads  *ThreadService
	engine   *Engine
	schemas  []domain.ToolSchema
}

// NewSession constructs a session bound to an existing thread. Fails with
// ErrThreadNotFound when the thread does not exist.
func NewSession(ctx context.Context, threadID string, threads *ThreadService, engine *Engine, schemas []domain.ToolSchema) (*Session, error) {
	if _, err := threads.GetThread(ctx, threadID); err != nil {
		return nil, domain.WrapOp("NewSession", err)
	}

	snapshot := make([]domain.ToolSchema, len(schemas))
	copy(snapshot, schemas)

	return &Session{
		threadID: threadID,
		threads:  threads,
		engine:   engine,
		schemas:  snapshot,
	}, nil
}

// ThreadID returns the bound thread's ID.
func (s *Session) ThreadID() string { return s.threadID }

// Schemas returns the session's tool descriptor snapshot.
func (s *Session) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, len(s.schemas))
	copy(out, s.schemas)
	return out
}

// Generate runs one generation to completion and returns the terminal
// payload. Events still reach bus subscribers; only the per-call stream is
// skipped.
func (s *Session) Generate(ctx context.Context, input string) (*domain.FinalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sink := newBusEmitter(s.threadID, s.engine.deps.Bus)
	return s.engine.Run(ctx, s.threadID, input, s.schemas, sink)
}

// Stream starts one generation and returns its event channel immediately.
// The channel delivers events in emission order and closes after exactly
// one terminal event. Cancelling ctx stops the generation at the next safe
// boundary.
func (s *Session) Stream(ctx context.Context, input string) (<-chan domain.AgentEvent, error) {
	sink := newEmitter(s.threadID, s.engine.cfg.StreamBuffer, s.engine.deps.Bus)

	go func() {
		// The lock is taken here, not in Stream itself, so a queued call
		// waits without blocking the caller.
		s.mu.Lock()
		defer s.mu.Unlock()
		_, _ = s.engine.Run(ctx, s.threadID, input, s.schemas, sink)
	}()

	return sink.events(), nil
}
