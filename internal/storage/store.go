// Package storage defines the persistence boundary for conversation
// records and provides in-memory and SQLite implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation has no stored records.
var ErrNotFound = errors.New("storage: not found")

// MessageRecord is the persisted projection of one conversation turn.
// Records are append-only and order-preserving by insertion.
type MessageRecord struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time

	// Tool linkage, set on tool-role records.
	ToolCallID string
	ToolName   string

	// ToolCallsJSON is the serialized tool-call list of an assistant turn.
	ToolCallsJSON string

	// ImagePaths references media produced by a tool execution.
	ImagePaths []string
}

// MessageStore accepts message records for durable storage.
type MessageStore interface {
	Insert(ctx context.Context, rec *MessageRecord) error
}

// ConversationStore is the read side used to seed a coordinator's
// in-memory history after a cold start.
type ConversationStore interface {
	// Messages returns all records for a conversation in insertion order.
	Messages(ctx context.Context, conversationID string) ([]*MessageRecord, error)

	// Conversations lists known conversation ids, most recent first.
	Conversations(ctx context.Context) ([]string, error)
}

// Store combines both sides of the persistence boundary.
type Store interface {
	MessageStore
	ConversationStore
}
