package models

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleMeta marks runtime bookkeeping records such as summary boundaries.
	// Meta records are persisted but never replayed to the model.
	RoleMeta Role = "meta"
)

// ToolCall is a model-issued request to invoke a tool. Input is the raw
// JSON argument payload, parsed lazily by the executor.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Attachment carries transient media for a single model call. Attachments
// are never retained in conversation history or persisted for replay.
type Attachment struct {
	// Type is one of "image", "audio", "video", "document".
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
	// URL is either a base64 data URL or a fetchable location.
	URL string `json:"url"`
}

// Message is the canonical conversation turn exchanged between the
// runtime, the providers, and storage.
//
// A tool-role message always carries ToolCallID referencing a preceding
// assistant ToolCalls entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName link a tool-role observation back to the
	// assistant call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Attachments are per-call media, dropped before the message is
	// stored in history.
	Attachments []Attachment `json:"-"`
}

// Conversation is the durable identity a coordinator operates on.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool { return a.Type == "image" }

// IsAudio reports whether the attachment is audio.
func (a Attachment) IsAudio() bool { return a.Type == "audio" }

// IsVideo reports whether the attachment is video.
func (a Attachment) IsVideo() bool { return a.Type == "video" }

// IsDocument reports whether the attachment is a document.
func (a Attachment) IsDocument() bool { return a.Type == "document" }

// WithoutAttachments returns a copy of the message safe to retain in
// history.
func (m Message) WithoutAttachments() Message {
	m.Attachments = nil
	return m
}
