package chat

import (
	"time"
)

// DefaultTitle is the title given to every freshly created conversation.
// Auto-titling may replace it until the user renames explicitly.
const DefaultTitle = "New Chat"

// Conversation is a chat session owned by a user, or by nobody when it was
// created by an anonymous (local-store) session.
type Conversation struct {
	ID             string    `json:"id" db:"id"`
	OwnerID        string    `json:"owner_id,omitempty" db:"owner_id"`
	Title          string    `json:"title" db:"title"`
	HasBeenRenamed bool      `json:"has_been_renamed" db:"has_been_renamed"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// IsAnonymous reports whether the conversation has no owner identity.
func (c *Conversation) IsAnonymous() bool {
	return c.OwnerID == ""
}
