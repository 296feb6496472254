package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

// maxTitleRunes bounds generated and caller-supplied thread titles.
const maxTitleRunes = 80

// ThreadService owns thread lifecycle and message passthrough. All message
// writes flow through here so a thread's UpdatedAt always reflects its last
// activity.
type ThreadService struct {
	store  domain.Store
	bus    domain.EventBus // optional, nil = no events
	logger *slog.Logger

	// Title generation is optional; without a provider GenerateTitle falls
	// back to truncating the first user message.
	titler     domain.LLMProvider
	titleModel string
}

// NewThreadService creates a thread service over store.
func NewThreadService(store domain.Store, bus domain.EventBus, logger *slog.Logger) *ThreadService {
	return &ThreadService{store: store, bus: bus, logger: logger}
}

// WithTitler enables model-backed title generation.
func (s *ThreadService) WithTitler(provider domain.LLMProvider, model string) *ThreadService {
	s.titler = provider
	s.titleModel = model
	return s
}

// CreateThread persists a new thread. An empty ID gets a generated ULID.
func (s *ThreadService) CreateThread(ctx context.Context, params domain.NewThread) (domain.Thread, error) {
	ctx, span := tracer.StartSpan(ctx, "threads.create")
	defer span.End()

	now := time.Now().UTC()
	thread := domain.Thread{
		ID:         params.ID,
		Title:      truncateRunes(params.Title, maxTitleRunes),
		AgentID:    params.AgentID,
		ResourceID: params.ResourceID,
		Metadata:   params.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if thread.ID == "" {
		thread.ID = domain.NewID()
	}

	if err := s.store.CreateThread(ctx, thread); err != nil {
		tracer.RecordError(span, err)
		return domain.Thread{}, domain.WrapOp("ThreadService.CreateThread", err)
	}

	s.publish(ctx, domain.EventThreadCreated, thread.ID, thread)
	s.logger.Debug("thread created", "thread_id", thread.ID, "agent_id", thread.AgentID)
	tracer.SetOK(span)
	return thread, nil
}

// GetThread loads a thread by ID.
func (s *ThreadService) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	thread, err := s.store.GetThread(ctx, id)
	if err != nil {
		return domain.Thread{}, domain.WrapOp("ThreadService.GetThread", err)
	}
	return thread, nil
}

// UpdateThread applies a partial update. Metadata merges key-by-key: patch
// keys overwrite, keys absent from the patch survive. Replacing the whole
// map would silently drop metadata set by other writers.
func (s *ThreadService) UpdateThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	ctx, span := tracer.StartSpan(ctx, "threads.update", tracer.WithThread(id))
	defer span.End()

	thread, err := s.store.GetThread(ctx, id)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Thread{}, domain.WrapOp("ThreadService.UpdateThread", err)
	}

	if patch.Title != nil {
		thread.Title = truncateRunes(*patch.Title, maxTitleRunes)
	}
	if patch.AgentID != nil {
		thread.AgentID = *patch.AgentID
	}
	if len(patch.Metadata) > 0 {
		if thread.Metadata == nil {
			thread.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			thread.Metadata[k] = v
		}
	}
	thread.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateThread(ctx, thread); err != nil {
		tracer.RecordError(span, err)
		return domain.Thread{}, domain.WrapOp("ThreadService.UpdateThread", err)
	}

	s.publish(ctx, domain.EventThreadUpdated, thread.ID, thread)
	tracer.SetOK(span)
	return thread, nil
}

// DeleteThread removes a thread and all of its messages. Destructive and
// not reversible.
func (s *ThreadService) DeleteThread(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "threads.delete", tracer.WithThread(id))
	defer span.End()

	if err := s.store.DeleteThread(ctx, id); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("ThreadService.DeleteThread", err)
	}

	s.publish(ctx, domain.EventThreadDeleted, id, nil)
	s.logger.Info("thread deleted", "thread_id", id)
	tracer.SetOK(span)
	return nil
}

// AddMessage appends a message and bumps the thread's UpdatedAt. The store
// assigns the sequence inside its own critical section, so concurrent
// appends never collide.
func (s *ThreadService) AddMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "threads.add_message", tracer.WithThread(threadID))
	defer span.End()

	stored, err := s.store.Append(ctx, threadID, msg)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Message{}, domain.WrapOp("ThreadService.AddMessage", err)
	}

	if err := s.store.TouchThread(ctx, threadID, stored.CreatedAt); err != nil {
		// The message is durable; a failed touch only leaves UpdatedAt stale.
		s.logger.Warn("touch thread failed", "thread_id", threadID, "error", err)
	}

	s.publish(ctx, domain.EventMessageAppended, threadID, stored)
	tracer.SetOK(span)
	return stored, nil
}

// GetMessages returns one page of messages. Read-only and idempotent:
// identical reads without intervening writes return identical pages and
// cursors.
func (s *ThreadService) GetMessages(ctx context.Context, threadID string, opts domain.ListMessagesOptions) ([]domain.Message, string, error) {
	msgs, next, err := s.store.List(ctx, threadID, opts)
	if err != nil {
		return nil, "", domain.WrapOp("ThreadService.GetMessages", err)
	}
	if len(msgs) == 0 {
		// The stores report an empty page for an unknown thread; callers get
		// NotFound instead of silently reading nothing.
		if _, err := s.store.GetThread(ctx, threadID); err != nil {
			return nil, "", domain.WrapOp("ThreadService.GetMessages", err)
		}
	}
	return msgs, next, nil
}

// AllMessages drains every page of a thread in ascending sequence order.
// The executor uses it to rebuild model context at each step.
func (s *ThreadService) AllMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	var all []domain.Message
	opts := domain.ListMessagesOptions{Limit: 200}
	for {
		page, next, err := s.store.List(ctx, threadID, opts)
		if err != nil {
			return nil, domain.WrapOp("ThreadService.AllMessages", err)
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		opts.Cursor = next
	}
}

// ListThreadsByAgent pages threads owned by an agent.
func (s *ThreadService) ListThreadsByAgent(ctx context.Context, agentID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	threads, next, err := s.store.ListThreadsByAgent(ctx, agentID, opts)
	if err != nil {
		return nil, "", domain.WrapOp("ThreadService.ListThreadsByAgent", err)
	}
	return threads, next, nil
}

// ListThreadsByResource pages threads owned by a resource.
func (s *ThreadService) ListThreadsByResource(ctx context.Context, resourceID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	threads, next, err := s.store.ListThreadsByResource(ctx, resourceID, opts)
	if err != nil {
		return nil, "", domain.WrapOp("ThreadService.ListThreadsByResource", err)
	}
	return threads, next, nil
}

// Stats aggregates message counts and sizes for a thread.
func (s *ThreadService) Stats(ctx context.Context, threadID string) (domain.ThreadStats, error) {
	stats, err := s.store.Stats(ctx, threadID)
	if err != nil {
		return domain.ThreadStats{}, domain.WrapOp("ThreadService.Stats", err)
	}
	return stats, nil
}

// SearchMessages returns up to limit messages containing query, newest
// first.
func (s *ThreadService) SearchMessages(ctx context.Context, threadID, query string, limit int) ([]domain.Message, error) {
	msgs, err := s.store.SearchMessages(ctx, threadID, query, limit)
	if err != nil {
		return nil, domain.WrapOp("ThreadService.SearchMessages", err)
	}
	return msgs, nil
}

// DeleteMessages removes specific messages and reports how many existed.
func (s *ThreadService) DeleteMessages(ctx context.Context, threadID string, ids []string) (int64, error) {
	n, err := s.store.DeleteMessages(ctx, threadID, ids)
	if err != nil {
		return 0, domain.WrapOp("ThreadService.DeleteMessages", err)
	}
	return n, nil
}

// GenerateTitle derives a short title from the thread's first user message
// and persists it. With a configured provider the model writes the title;
// otherwise the message itself is truncated.
func (s *ThreadService) GenerateTitle(ctx context.Context, threadID string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "threads.generate_title", tracer.WithThread(threadID))
	defer span.End()

	msgs, _, err := s.store.List(ctx, threadID, domain.ListMessagesOptions{
		Limit:  1,
		Filter: domain.MessageFilter{Roles: []string{domain.RoleUser}},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("ThreadService.GenerateTitle", err)
	}
	if len(msgs) == 0 {
		return "", domain.NewDomainError("ThreadService.GenerateTitle", domain.ErrMessageNotFound, threadID)
	}

	title := truncateRunes(strings.TrimSpace(msgs[0].Content), maxTitleRunes)
	if s.titler != nil {
		if t, titleErr := s.titleFromModel(ctx, msgs[0].Content); titleErr == nil && t != "" {
			title = t
		} else if titleErr != nil {
			s.logger.Warn("title generation fell back to truncation",
				"thread_id", threadID, "error", titleErr)
		}
	}

	if _, err := s.UpdateThread(ctx, threadID, domain.ThreadPatch{Title: &title}); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return title, nil
}

func (s *ThreadService) titleFromModel(ctx context.Context, firstUserMsg string) (string, error) {
	resp, err := s.titler.Chat(ctx, domain.ChatRequest{
		Model: s.titleModel,
		Messages: []domain.Message{
			{
				Role: domain.RoleSystem,
				Content: "Write a concise title (at most six words) for a conversation " +
					"that starts with the user message below. Reply with the title only.",
			},
			{Role: domain.RoleUser, Content: firstUserMsg},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(strings.Trim(resp.Message.Content, `"`))
	return truncateRunes(title, maxTitleRunes), nil
}

func (s *ThreadService) publish(ctx context.Context, eventType domain.EventType, threadID string, payload any) {
	if s.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ThreadID:  threadID,
		Payload:   raw,
	})
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
