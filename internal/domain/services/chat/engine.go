package chat

import (
	"context"

	"open3/internal/domain/models/chat"
)

// SubmitRequest carries one user keystroke-submission into the engine.
type SubmitRequest struct {
	ConversationID string  `json:"conversation_id"`
	Text           string  `json:"text"`
	Model          string  `json:"model"`
	Credential     string  `json:"-"` // personal API key, never echoed
	SystemPrompt   *string `json:"system_prompt,omitempty"`
}

// SubmitResult returns the persisted pair of messages for one logical turn.
type SubmitResult struct {
	UserMessage      *chat.Message `json:"user_message"`
	AssistantMessage *chat.Message `json:"assistant_message"`
}

// RegenerateRequest re-answers an existing user message.
type RegenerateRequest struct {
	ConversationID    string  `json:"conversation_id"`
	FromUserMessageID string  `json:"from_user_message_id"`
	Credential        string  `json:"-"`
	SystemPrompt      *string `json:"system_prompt,omitempty"`
}

// EditRequest replaces a user message's text and re-answers it.
type EditRequest struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	Text           string  `json:"text"`
	Credential     string  `json:"-"`
	SystemPrompt   *string `json:"system_prompt,omitempty"`
}

// BranchRequest forks a conversation at a cut message.
type BranchRequest struct {
	ConversationID string  `json:"conversation_id"`
	CutMessageID   string  `json:"cut_message_id"`
	Credential     string  `json:"-"`
	SystemPrompt   *string `json:"system_prompt,omitempty"`
}

// EngineService is the only surface the presentation layer calls to mutate
// conversation state. One instance exists per persistence backend.
type EngineService interface {
	// Submit persists the user message and an assistant placeholder, then
	// streams the completion into the placeholder in the background.
	// Returns domain.ErrStreamActive if the conversation is already streaming.
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)

	// Regenerate deletes everything after the given user message and
	// restreams. No-op (nil, nil) when the message is not user-authored.
	Regenerate(ctx context.Context, req *RegenerateRequest) (*chat.Message, error)

	// Edit replaces a user message with new text, discards its old answer
	// subtree, and streams a fresh answer. No-op (nil, nil) for non-user
	// messages.
	Edit(ctx context.Context, req *EditRequest) (*SubmitResult, error)

	// Branch copies the strict-precedence prefix of the cut message into a
	// new conversation and, when the cut message was user-authored, answers it.
	Branch(ctx context.Context, req *BranchRequest) (string, error)

	// DeleteMessage removes a message and its descendant subtree.
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// Interrupt cancels the conversation's active stream, if any. The partial
	// assistant message keeps is_complete=false.
	Interrupt(conversationID string)

	// Recover restarts an interrupted stream found on mount (anonymous path).
	// Returns true when a restart was started.
	Recover(ctx context.Context, conversationID string) (bool, error)
}

// CreateConversationRequest creates an empty conversation.
type CreateConversationRequest struct {
	OwnerID string `json:"-"`
	Title   string `json:"title,omitempty"`
}

// RenameConversationRequest renames a conversation on the user's behalf.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// ConversationService exposes conversation CRUD over either backend.
type ConversationService interface {
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]chat.Conversation, error)
	RenameConversation(ctx context.Context, id string, req *RenameConversationRequest) (*chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}
