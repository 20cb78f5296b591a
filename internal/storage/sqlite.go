package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed Store using the pure-Go sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	tool_call_id    TEXT NOT NULL DEFAULT '',
	tool_name       TEXT NOT NULL DEFAULT '',
	tool_calls_json TEXT NOT NULL DEFAULT '',
	image_paths     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

// NewSQLiteStore opens (creating if needed) a store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The driver does not support concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert appends a record.
func (s *SQLiteStore) Insert(ctx context.Context, rec *MessageRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	paths := ""
	if len(rec.ImagePaths) > 0 {
		encoded, err := json.Marshal(rec.ImagePaths)
		if err != nil {
			return fmt.Errorf("encode image paths: %w", err)
		}
		paths = string(encoded)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, tool_call_id, tool_name, tool_calls_json, image_paths)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.ConversationID, rec.Role, rec.Content, createdAt,
		rec.ToolCallID, rec.ToolName, rec.ToolCallsJSON, paths)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns a conversation's records in insertion order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]*MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at, tool_call_id, tool_name, tool_calls_json, image_paths
		 FROM messages WHERE conversation_id = ? ORDER BY rowid ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var paths string
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Role, &rec.Content,
			&rec.CreatedAt, &rec.ToolCallID, &rec.ToolName, &rec.ToolCallsJSON, &paths); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if paths != "" {
			if err := json.Unmarshal([]byte(paths), &rec.ImagePaths); err != nil {
				return nil, fmt.Errorf("decode image paths: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Conversations lists conversation ids, most recently written first.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM messages GROUP BY conversation_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
