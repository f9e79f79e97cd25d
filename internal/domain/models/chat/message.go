package chat

import (
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ModelUser is the sentinel stored in the model field of user-authored messages.
const ModelUser = "user"

// Message is a single turn in a conversation. Messages form a tree via
// ParentID for branching; an unbranched conversation is the degenerate tree
// where every message has exactly one child, and creation-timestamp order is
// the linear view.
//
// Content and Reasoning are mutable only while IsComplete is false (an
// assistant placeholder being filled by a stream). User and system messages
// are created complete.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	ParentID       *string   `json:"parent_id,omitempty" db:"parent_id"` // nil = root
	Role           string    `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	Reasoning      string    `json:"reasoning,omitempty" db:"reasoning"`
	Model          string    `json:"model" db:"model"` // "user" for user-authored
	IsComplete     bool      `json:"is_complete" db:"is_complete"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`

	// ChildrenIDs is derived from ParentID links on read (stored explicitly
	// in the local-store document form).
	ChildrenIDs []string `json:"children_ids,omitempty"`
}

// IsPlaceholder reports whether the message is an empty incomplete assistant
// message, the detectable state that recovery logic depends on.
func (m *Message) IsPlaceholder() bool {
	return m.Role == RoleAssistant && !m.IsComplete && m.Content == "" && m.Reasoning == ""
}
