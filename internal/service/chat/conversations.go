package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"open3/internal/domain"
	chatModels "open3/internal/domain/models/chat"
	chatRepo "open3/internal/domain/repositories/chat"
	chatSvc "open3/internal/domain/services/chat"
)

// Conversations implements ConversationService over one backend.
type Conversations struct {
	conversations chatRepo.ConversationRepository
	messages      chatRepo.MessageRepository
	logger        *slog.Logger
}

// NewConversations creates the conversation CRUD service.
func NewConversations(conversations chatRepo.ConversationRepository, messages chatRepo.MessageRepository, logger *slog.Logger) *Conversations {
	return &Conversations{
		conversations: conversations,
		messages:      messages,
		logger:        logger,
	}
}

// CreateConversation creates an empty conversation. A missing title falls
// back to the default.
func (s *Conversations) CreateConversation(ctx context.Context, req *chatSvc.CreateConversationRequest) (*chatModels.Conversation, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = chatModels.DefaultTitle
	}

	now := time.Now()
	conversation := &chatModels.Conversation{
		OwnerID:   req.OwnerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.CreateConversation(ctx, conversation); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created", "conversation_id", conversation.ID)
	return conversation, nil
}

// GetConversation returns one conversation by id.
func (s *Conversations) GetConversation(ctx context.Context, id string) (*chatModels.Conversation, error) {
	return s.conversations.GetConversation(ctx, id)
}

// ListConversations returns the owner's conversations, most recent first.
func (s *Conversations) ListConversations(ctx context.Context, ownerID string) ([]chatModels.Conversation, error) {
	return s.conversations.ListConversations(ctx, ownerID)
}

// RenameConversation sets a user-chosen title, which also suppresses future
// automatic titling.
func (s *Conversations) RenameConversation(ctx context.Context, id string, req *chatSvc.RenameConversationRequest) (*chatModels.Conversation, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := validation.ValidateStruct(req,
		validation.Field(&req.Title, validation.Required, validation.Length(1, 200)),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := s.conversations.RenameConversation(ctx, id, req.Title, true); err != nil {
		return nil, err
	}
	return s.conversations.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Conversations) DeleteConversation(ctx context.Context, id string) error {
	if err := s.conversations.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// ListMessages returns a conversation's messages, oldest first, with
// children populated.
func (s *Conversations) ListMessages(ctx context.Context, conversationID string) ([]chatModels.Message, error) {
	if _, err := s.conversations.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	return s.messages.ListMessages(ctx, conversationID)
}
