package chat

import (
	"context"

	"open3/internal/domain/models/chat"
)

// MessageRepository defines the record-store contract for messages.
//
// Append and complete mutations are individually atomic and never run inside
// a transaction; only one stream per conversation ever performs them on a
// given message, enforced by the beacon registry. Creates and deletes may be
// composed through a TransactionManager on backends that support one.
type MessageRepository interface {
	// CreateMessage persists a new message and assigns its ID.
	// Validates that ParentID, when set, refers to a message in the same
	// conversation.
	CreateMessage(ctx context.Context, msg *chat.Message) error

	// GetMessage retrieves a message by ID, with ChildrenIDs populated.
	// Returns domain.ErrNotFound if not found.
	GetMessage(ctx context.Context, id string) (*chat.Message, error)

	// ListMessages retrieves all messages of a conversation ordered
	// oldest-first by creation time, with ChildrenIDs populated.
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)

	// AppendMessageContent concatenates a content delta onto the message.
	AppendMessageContent(ctx context.Context, id, delta string) error

	// AppendMessageReasoning concatenates a reasoning delta onto the message.
	AppendMessageReasoning(ctx context.Context, id, delta string) error

	// CompleteMessage sets is_complete. Content and reasoning are immutable
	// afterwards.
	CompleteMessage(ctx context.Context, id string) error

	// DeleteMessage removes the message and its entire descendant subtree,
	// detaching it from its parent.
	DeleteMessage(ctx context.Context, id string) error
}
