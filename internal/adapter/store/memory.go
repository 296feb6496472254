package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcore/internal/domain"
)

// MemoryStore implements domain.Store entirely in memory. It backs the
// "memory" driver and the test suites of the layers above.
type MemoryStore struct {
	mu      sync.RWMutex
	nextKey int64
	threads map[string]*memThread
}

type memThread struct {
	key      int64 // creation order, the paging tiebreaker
	thread   domain.Thread
	lastSeq  int64
	messages []domain.Message
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*memThread)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- threads ---

func (s *MemoryStore) CreateThread(_ context.Context, t domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %s: %w", t.ID, domain.ErrDuplicate)
	}
	s.nextKey++
	s.threads[t.ID] = &memThread{key: s.nextKey, thread: copyThread(t)}
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.threads[id]
	if !ok {
		return domain.Thread{}, domain.ErrThreadNotFound
	}
	return copyThread(mt.thread), nil
}

func (s *MemoryStore) UpdateThread(_ context.Context, t domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.threads[t.ID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	mt.thread = copyThread(t)
	return nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; !ok {
		return domain.ErrThreadNotFound
	}
	delete(s.threads, id)
	return nil
}

func (s *MemoryStore) ListThreadsByAgent(_ context.Context, agentID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	return s.listThreads(func(t domain.Thread) bool { return t.AgentID == agentID }, opts)
}

func (s *MemoryStore) ListThreadsByResource(_ context.Context, resourceID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	return s.listThreads(func(t domain.Thread) bool { return t.ResourceID == resourceID }, opts)
}

// listThreads pages newest activity first, creation key breaking ties, the
// same total order the sqlite driver produces.
func (s *MemoryStore) listThreads(match func(domain.Thread) bool, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	limit := normalizeLimit(opts.Limit)
	afterAt, afterKey, err := decodeThreadCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	var afterTime time.Time
	if afterAt != "" {
		afterTime, err = time.Parse(time.RFC3339Nano, afterAt)
		if err != nil {
			return nil, "", fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
		}
	}

	s.mu.RLock()
	candidates := make([]*memThread, 0, len(s.threads))
	for _, mt := range s.threads {
		if !match(mt.thread) {
			continue
		}
		if afterAt != "" {
			at := mt.thread.UpdatedAt
			if !(at.Before(afterTime) || (at.Equal(afterTime) && mt.key < afterKey)) {
				continue
			}
		}
		candidates = append(candidates, mt)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.thread.UpdatedAt.Equal(b.thread.UpdatedAt) {
			return a.thread.UpdatedAt.After(b.thread.UpdatedAt)
		}
		return a.key > b.key
	})

	next := ""
	if len(candidates) > limit {
		candidates = candidates[:limit]
		last := candidates[limit-1]
		next = encodeThreadCursor(last.thread.UpdatedAt.UTC().Format(time.RFC3339Nano), last.key)
	}

	threads := make([]domain.Thread, len(candidates))
	for i, mt := range candidates {
		threads[i] = copyThread(mt.thread)
	}
	return threads, next, nil
}

func (s *MemoryStore) TouchThread(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.threads[id]
	if !ok {
		return domain.ErrThreadNotFound
	}
	mt.thread.UpdatedAt = at
	return nil
}

func (s *MemoryStore) StaleThreads(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	type stale struct {
		id string
		at time.Time
	}
	var found []stale
	for id, mt := range s.threads {
		if mt.thread.UpdatedAt.Before(cutoff) {
			found = append(found, stale{id, mt.thread.UpdatedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

// --- messages ---

func (s *MemoryStore) Append(_ context.Context, threadID string, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.threads[threadID]
	if !ok {
		return domain.Message{}, domain.ErrThreadNotFound
	}

	if msg.ID != "" {
		for _, m := range mt.messages {
			if m.ID == msg.ID {
				return copyMessage(m), nil
			}
		}
	} else {
		msg.ID = domain.NewID()
	}

	mt.lastSeq++
	msg.ThreadID = threadID
	msg.Sequence = mt.lastSeq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	mt.messages = append(mt.messages, copyMessage(msg))
	return msg, nil
}

func (s *MemoryStore) List(_ context.Context, threadID string, opts domain.ListMessagesOptions) ([]domain.Message, string, error) {
	limit := normalizeLimit(opts.Limit)
	cursorSeq, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	mt, ok := s.threads[threadID]
	if !ok {
		s.mu.RUnlock()
		return nil, "", nil
	}
	var matched []domain.Message
	for _, m := range mt.messages {
		if matchesFilter(m, opts.Filter) {
			matched = append(matched, copyMessage(m))
		}
	}
	s.mu.RUnlock()

	if opts.Reverse {
		sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence > matched[j].Sequence })
		if cursorSeq > 0 {
			matched = keepWhere(matched, func(m domain.Message) bool { return m.Sequence < cursorSeq })
		}
	} else {
		sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence < matched[j].Sequence })
		if cursorSeq > 0 {
			matched = keepWhere(matched, func(m domain.Message) bool { return m.Sequence > cursorSeq })
		}
	}

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = encodeCursor(matched[limit-1].Sequence)
	}
	return matched, next, nil
}

func (s *MemoryStore) DeleteThreadMessages(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mt, ok := s.threads[threadID]; ok {
		mt.messages = nil
	}
	return nil
}

func (s *MemoryStore) DeleteMessages(_ context.Context, threadID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.threads[threadID]
	if !ok {
		return 0, nil
	}
	var kept []domain.Message
	var removed int64
	for _, m := range mt.messages {
		if drop[m.ID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	mt.messages = kept
	return removed, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, threadID, query string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	var found []domain.Message
	for i := len(mt.messages) - 1; i >= 0 && len(found) < limit; i-- {
		if strings.Contains(mt.messages[i].Content, query) {
			found = append(found, copyMessage(mt.messages[i]))
		}
	}
	return found, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, threadID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.threads[threadID]
	if !ok {
		return 0, nil
	}
	return int64(len(mt.messages)), nil
}

func (s *MemoryStore) Stats(_ context.Context, threadID string) (domain.ThreadStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.threads[threadID]
	if !ok {
		return domain.ThreadStats{}, domain.ErrThreadNotFound
	}

	stats := domain.ThreadStats{
		ThreadID:     threadID,
		MessageCount: int64(len(mt.messages)),
		CreatedAt:    mt.thread.CreatedAt,
	}
	var maxSeq int64
	for _, m := range mt.messages {
		switch m.Role {
		case domain.RoleUser:
			stats.UserMessages++
		case domain.RoleAssistant:
			stats.AssistantMessages++
		case domain.RoleTool:
			stats.ToolMessages++
		}
		stats.SizeBytes += messageSize(m)
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
			stats.LastMessageAt = m.CreatedAt
		}
	}
	return stats, nil
}

// --- helpers ---

// messageSize mirrors the sqlite driver's LENGTH(content)+LENGTH(tool_calls)
// accounting, where an empty call list is stored as "[]".
func messageSize(m domain.Message) int64 {
	size := int64(len(m.Content))
	if len(m.ToolCalls) == 0 {
		return size + int64(len("[]"))
	}
	if data, err := json.Marshal(m.ToolCalls); err == nil {
		size += int64(len(data))
	}
	return size
}

func matchesFilter(m domain.Message, f domain.MessageFilter) bool {
	if len(f.Roles) > 0 {
		ok := false
		for _, r := range f.Roles {
			if m.Role == r {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AfterSequence > 0 && m.Sequence <= f.AfterSequence {
		return false
	}
	if f.BeforeSequence > 0 && m.Sequence >= f.BeforeSequence {
		return false
	}
	return true
}

func keepWhere(msgs []domain.Message, keep func(domain.Message) bool) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func copyThread(t domain.Thread) domain.Thread {
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

func copyMessage(m domain.Message) domain.Message {
	if m.ToolCalls != nil {
		calls := make([]domain.ToolCall, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		m.ToolCalls = calls
	}
	return m
}
