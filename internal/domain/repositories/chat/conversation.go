package chat

import (
	"context"

	"open3/internal/domain/models/chat"
)

// ConversationRepository defines the record-store contract for conversations.
// Implemented by the Postgres repository (authenticated users) and the local
// Pebble-backed store (anonymous sessions).
type ConversationRepository interface {
	// CreateConversation persists a new conversation and assigns its ID.
	CreateConversation(ctx context.Context, conv *chat.Conversation) error

	// GetConversation retrieves a conversation by ID.
	// Returns domain.ErrNotFound if not found.
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)

	// ListConversations retrieves all conversations for an owner, newest first.
	// The local store ignores ownerID (it holds a single device's data).
	ListConversations(ctx context.Context, ownerID string) ([]chat.Conversation, error)

	// RenameConversation updates the title. renamedByUser marks the title as
	// explicitly set, which stops auto-titling from overwriting it.
	RenameConversation(ctx context.Context, id, title string, renamedByUser bool) error

	// DeleteConversation removes a conversation and cascades to its messages.
	DeleteConversation(ctx context.Context, id string) error
}
