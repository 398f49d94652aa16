// Package session defines conversation records and their persistence.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role values for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ImageRef points at a stored media blob attached to a message.
type ImageRef struct {
	// Blob is the media record name, "{hash}.{ext}".
	Blob     string `json:"blob"`
	MimeType string `json:"mime_type"`
}

// Message is one conversation turn. Immutable once created except for
// edit-in-place on user turns. ParentID/SiblingID carry branch linkage:
// a regenerated or edited alternative records the message it replaces
// as its sibling.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []ImageRef `json:"images,omitempty"`
	TokenCount int        `json:"token_count,omitempty"` // cached estimate, 0 = uncomputed
	CreatedAt  int64      `json:"created_at"`
	ParentID   string     `json:"parent_id,omitempty"`
	SiblingID  string     `json:"sibling_id,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
}

// Conversation owns its messages; they are never shared across
// conversations. Summary and SummarizedUpTo are mutated only by the
// summarization flow, and the watermark never moves backward.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	Summary        string    `json:"summary,omitempty"`
	SummarizedUpTo int64     `json:"summarized_up_to,omitempty"` // timestamp watermark
	FolderID       string    `json:"folder_id,omitempty"`
	CreatedAt      int64     `json:"created_at"`
	UpdatedAt      int64     `json:"updated_at"`
}

// Summary is the rolling conversation summary record. At most one live
// record per conversation; overwritten, never versioned.
type Summary struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	SummarizedUpTo int64  `json:"summarized_up_to"`
	TokenCount     int    `json:"token_count"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Folder groups conversations in the UI layer.
type Folder struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// EmbeddingRecord is one embedded message in a conversation's
// collection. Append-only; one record per eligible message.
type EmbeddingRecord struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Vector         []float32 `json:"vector"`
	// ContentSnapshot keeps up to 500 chars for cheap re-display.
	ContentSnapshot string `json:"content_snapshot"`
	CreatedAt       int64  `json:"created_at"`
}
