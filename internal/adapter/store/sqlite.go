package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentcore/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

const selectMessageSQL = "SELECT id, thread_id, role, content, name, tool_calls, tool_call_id, seq, created_at FROM messages"
const selectThreadSQL = "SELECT id, title, agent_id, resource_id, metadata, created_at, updated_at FROM threads"

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// A single connection serializes writers, so concurrent appends to one
	// thread can never race on the same sequence number.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			agent_id    TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '{}',
			last_seq    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id);
		CREATE INDEX IF NOT EXISTS idx_threads_resource ON threads(resource_id);
		CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT NOT NULL,
			thread_id    TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT NOT NULL DEFAULT '[]',
			tool_call_id TEXT NOT NULL DEFAULT '',
			seq          INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (thread_id, id),
			UNIQUE (thread_id, seq)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}

// --- threads ---

func (s *SQLiteStore) CreateThread(ctx context.Context, t domain.Thread) error {
	metaJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO threads (id, title, agent_id, resource_id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Title, t.AgentID, t.ResourceID, metaJSON,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storageErr("create thread", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("thread %s: %w", t.ID, domain.ErrDuplicate)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	row := s.db.QueryRowContext(ctx, selectThreadSQL+" WHERE id = ?", id)
	return scanThread(row)
}

func (s *SQLiteStore) UpdateThread(ctx context.Context, t domain.Thread) error {
	metaJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE threads SET title = ?, agent_id = ?, resource_id = ?, metadata = ?, updated_at = ? WHERE id = ?",
		t.Title, t.AgentID, t.ResourceID, metaJSON,
		t.UpdatedAt.UTC().Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return storageErr("update thread", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete thread", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", id); err != nil {
		return storageErr("delete thread messages", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id)
	if err != nil {
		return storageErr("delete thread", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrThreadNotFound
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete thread", err)
	}
	return nil
}

func (s *SQLiteStore) ListThreadsByAgent(ctx context.Context, agentID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	return s.listThreads(ctx, "agent_id", agentID, opts)
}

func (s *SQLiteStore) ListThreadsByResource(ctx context.Context, resourceID string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	return s.listThreads(ctx, "resource_id", resourceID, opts)
}

// listThreads pages newest activity first. updated_at timestamps are stored
// as RFC3339Nano text, which compares correctly as strings for UTC wall
// clocks; rowid breaks ties so the order is total and cursors never skip or
// repeat a row.
func (s *SQLiteStore) listThreads(ctx context.Context, column, value string, opts domain.ListThreadsOptions) ([]domain.Thread, string, error) {
	limit := normalizeLimit(opts.Limit)
	afterAt, afterKey, err := decodeThreadCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := "SELECT rowid, id, title, agent_id, resource_id, metadata, created_at, updated_at FROM threads WHERE " + column + " = ?"
	args := []any{value}
	if afterAt != "" {
		query += " AND (updated_at < ? OR (updated_at = ? AND rowid < ?))"
		args = append(args, afterAt, afterAt, afterKey)
	}
	query += " ORDER BY updated_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", storageErr("list threads", err)
	}
	defer rows.Close()

	var threads []domain.Thread
	var keys []int64
	var updatedStrs []string
	for rows.Next() {
		var rowid int64
		var t domain.Thread
		var metaStr, createdStr, updatedStr string
		if err := rows.Scan(&rowid, &t.ID, &t.Title, &t.AgentID, &t.ResourceID, &metaStr, &createdStr, &updatedStr); err != nil {
			return nil, "", storageErr("scan thread", err)
		}
		if err := json.Unmarshal([]byte(metaStr), &t.Metadata); err != nil {
			return nil, "", fmt.Errorf("unmarshal thread metadata: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		threads = append(threads, t)
		keys = append(keys, rowid)
		updatedStrs = append(updatedStrs, updatedStr)
	}
	if err := rows.Err(); err != nil {
		return nil, "", storageErr("list threads", err)
	}

	next := ""
	if len(threads) > limit {
		threads = threads[:limit]
		// Cursor points at the last returned row, not the peeked one.
		next = encodeThreadCursor(updatedStrs[limit-1], keys[limit-1])
	}
	return threads, next, nil
}

func (s *SQLiteStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE threads SET updated_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return storageErr("touch thread", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *SQLiteStore) StaleThreads(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM threads WHERE updated_at < ? ORDER BY updated_at ASC LIMIT ?",
		cutoff.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, storageErr("stale threads", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan stale thread", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- messages ---

func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg domain.Message) (domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, storageErr("append message", err)
	}
	defer tx.Rollback()

	if msg.ID != "" {
		// A client-supplied ID that already exists is a replay: return the
		// stored message untouched without consuming a sequence number.
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			selectMessageSQL+" WHERE thread_id = ? AND id = ?", threadID, msg.ID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrMessageNotFound) {
			return domain.Message{}, err
		}
	} else {
		msg.ID = domain.NewID()
	}

	// last_seq lives on the thread row so sequences keep increasing even
	// after tail deletions. The update doubles as the existence check.
	res, err := tx.ExecContext(ctx, "UPDATE threads SET last_seq = last_seq + 1 WHERE id = ?", threadID)
	if err != nil {
		return domain.Message{}, storageErr("next sequence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Message{}, domain.ErrThreadNotFound
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT last_seq FROM threads WHERE id = ?", threadID).Scan(&seq); err != nil {
		return domain.Message{}, storageErr("next sequence", err)
	}

	msg.ThreadID = threadID
	msg.Sequence = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	callsJSON := []byte("[]")
	if len(msg.ToolCalls) > 0 {
		callsJSON, err = json.Marshal(msg.ToolCalls)
		if err != nil {
			return domain.Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, thread_id, role, content, name, tool_calls, tool_call_id, seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.Name, string(callsJSON), msg.ToolCallID,
		msg.Sequence, msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return domain.Message{}, storageErr("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Message{}, storageErr("append message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) List(ctx context.Context, threadID string, opts domain.ListMessagesOptions) ([]domain.Message, string, error) {
	limit := normalizeLimit(opts.Limit)
	cursorSeq, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	conds := []string{"thread_id = ?"}
	args := []any{threadID}

	if roles := opts.Filter.Roles; len(roles) > 0 {
		conds = append(conds, "role IN ("+placeholders(len(roles))+")")
		for _, r := range roles {
			args = append(args, r)
		}
	}
	if opts.Filter.AfterSequence > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, opts.Filter.AfterSequence)
	}
	if opts.Filter.BeforeSequence > 0 {
		conds = append(conds, "seq < ?")
		args = append(args, opts.Filter.BeforeSequence)
	}

	order := "seq ASC"
	if opts.Reverse {
		order = "seq DESC"
		if cursorSeq > 0 {
			conds = append(conds, "seq < ?")
			args = append(args, cursorSeq)
		}
	} else if cursorSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, cursorSeq)
	}

	query := selectMessageSQL + " WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY " + order + " LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", storageErr("list messages", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", storageErr("list messages", err)
	}

	next := ""
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next = encodeCursor(msgs[len(msgs)-1].Sequence)
	}
	return msgs, next, nil
}

func (s *SQLiteStore) DeleteThreadMessages(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", threadID); err != nil {
		return storageErr("delete thread messages", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, threadID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, threadID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE thread_id = ? AND id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, storageErr("delete messages", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) SearchMessages(ctx context.Context, threadID, query string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		selectMessageSQL+` WHERE thread_id = ? AND content LIKE ? ESCAPE '\' ORDER BY seq DESC LIMIT ?`,
		threadID, pattern, limit,
	)
	if err != nil {
		return nil, storageErr("search messages", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, threadID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE thread_id = ?", threadID).Scan(&n); err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, threadID string) (domain.ThreadStats, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return domain.ThreadStats{}, err
	}

	stats := domain.ThreadStats{ThreadID: threadID, CreatedAt: thread.CreatedAt}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN role = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN role = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN role = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(LENGTH(content) + LENGTH(tool_calls)), 0)
		FROM messages WHERE thread_id = ?`,
		domain.RoleUser, domain.RoleAssistant, domain.RoleTool, threadID,
	).Scan(&stats.MessageCount, &stats.UserMessages, &stats.AssistantMessages, &stats.ToolMessages, &stats.SizeBytes)
	if err != nil {
		return domain.ThreadStats{}, storageErr("thread stats", err)
	}

	var lastStr string
	err = s.db.QueryRowContext(ctx,
		"SELECT created_at FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", threadID).Scan(&lastStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// empty thread: LastMessageAt stays zero
	case err != nil:
		return domain.ThreadStats{}, storageErr("thread stats", err)
	default:
		stats.LastMessageAt, _ = time.Parse(time.RFC3339Nano, lastStr)
	}
	return stats, nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.Message, error) {
	var m domain.Message
	var callsStr, createdStr string
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Name, &callsStr, &m.ToolCallID, &m.Sequence, &createdStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, domain.ErrMessageNotFound
		}
		return domain.Message{}, storageErr("scan message", err)
	}
	if callsStr != "" && callsStr != "[]" && callsStr != "null" {
		if err := json.Unmarshal([]byte(callsStr), &m.ToolCalls); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return m, nil
}

func scanThread(row scanner) (domain.Thread, error) {
	var t domain.Thread
	var metaStr, createdStr, updatedStr string
	if err := row.Scan(&t.ID, &t.Title, &t.AgentID, &t.ResourceID, &metaStr, &createdStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Thread{}, domain.ErrThreadNotFound
		}
		return domain.Thread{}, storageErr("scan thread", err)
	}
	if err := json.Unmarshal([]byte(metaStr), &t.Metadata); err != nil {
		return domain.Thread{}, fmt.Errorf("unmarshal thread metadata: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return t, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal thread metadata: %w", err)
	}
	return string(b), nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
