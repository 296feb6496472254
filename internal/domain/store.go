package domain

import (
	"context"
	"time"
)

// MessageFilter narrows message listing. The zero value matches everything.
type MessageFilter struct {
	Roles          []string // allowlist; empty means all roles
	AfterSequence  int64    // exclusive lower bound when > 0
	BeforeSequence int64    // exclusive upper bound when > 0
}

// ListMessagesOptions controls message pagination.
type ListMessagesOptions struct {
	Limit   int    // default 50, capped at 200
	Cursor  string // opaque cursor from a previous page
	Reverse bool   // descending sequence order
	Filter  MessageFilter
}

// ListThreadsOptions controls thread pagination.
type ListThreadsOptions struct {
	Limit  int    // default 50, capped at 200
	Cursor string // opaque cursor from a previous page
}

// MessageStore persists ordered, immutable conversation messages.
type MessageStore interface {
	// Append stores msg under threadID, assigning an ID when the caller did
	// not supply one and the next per-thread sequence atomically. Appending a
	// client-supplied ID that already exists in the thread returns the stored
	// message unchanged. Appending to a missing thread fails with
	// ErrThreadNotFound.
	Append(ctx context.Context, threadID string, msg Message) (Message, error)

	// List returns one page of messages in ascending sequence order
	// (descending when opts.Reverse) plus the cursor for the next page,
	// empty when the listing is exhausted.
	List(ctx context.Context, threadID string, opts ListMessagesOptions) ([]Message, string, error)

	// DeleteThreadMessages removes every message belonging to threadID.
	DeleteThreadMessages(ctx context.Context, threadID string) error

	// DeleteMessages removes the named messages and reports how many existed.
	DeleteMessages(ctx context.Context, threadID string, ids []string) (int64, error)

	// SearchMessages returns up to limit messages whose content contains
	// query, newest first.
	SearchMessages(ctx context.Context, threadID string, query string, limit int) ([]Message, error)

	// CountMessages returns the number of stored messages in threadID.
	CountMessages(ctx context.Context, threadID string) (int64, error)

	// Stats aggregates per-role counts, last activity, and stored size.
	Stats(ctx context.Context, threadID string) (ThreadStats, error)
}

// ThreadStore persists thread records.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)
	// UpdateThread replaces the stored record for thread.ID.
	UpdateThread(ctx context.Context, thread Thread) error
	// DeleteThread removes the thread record and cascades to its messages.
	DeleteThread(ctx context.Context, id string) error
	ListThreadsByAgent(ctx context.Context, agentID string, opts ListThreadsOptions) ([]Thread, string, error)
	ListThreadsByResource(ctx context.Context, resourceID string, opts ListThreadsOptions) ([]Thread, string, error)
	// TouchThread bumps UpdatedAt without altering other fields.
	TouchThread(ctx context.Context, id string, at time.Time) error
	// StaleThreads returns IDs of threads not updated since cutoff, oldest
	// first, at most limit.
	StaleThreads(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Store is the combined persistence backend.
type Store interface {
	ThreadStore
	MessageStore
	Close() error
}
