package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"open3/internal/domain"
	chat "open3/internal/domain/models/chat"
)

// CreateMessage appends a message to its conversation document and assigns
// its ID. The parent, when set, must belong to the same conversation.
func (c *ChatStore) CreateMessage(ctx context.Context, msg *chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(msg.ConversationID)
	if err != nil {
		return err
	}

	if msg.ParentID != nil {
		parent := findMessage(doc, *msg.ParentID)
		if parent == nil {
			return fmt.Errorf("parent message %s: %w", *msg.ParentID, domain.ErrNotFound)
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ChildrenIDs = nil

	doc.Messages = append(doc.Messages, *msg)
	if msg.ParentID != nil {
		parent := findMessage(doc, *msg.ParentID)
		parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
	}
	doc.Conversation.UpdatedAt = time.Now()

	if err := c.saveDocument(doc); err != nil {
		return err
	}
	return c.store.Set(messageKey(msg.ID), msg.ConversationID)
}

// GetMessage returns a message by id, located through its conversation entry.
func (c *ChatStore) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.documentForMessage(id)
	if err != nil {
		return nil, err
	}
	msg := findMessage(doc, id)
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	copied := *msg
	return &copied, nil
}

// ListMessages returns all messages of a conversation, oldest first.
func (c *ChatStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(conversationID)
	if err != nil {
		return nil, err
	}

	messages := make([]chat.Message, len(doc.Messages))
	copy(messages, doc.Messages)
	return messages, nil
}

// AppendMessageContent appends a delta to an incomplete message's content.
func (c *ChatStore) AppendMessageContent(ctx context.Context, id, delta string) error {
	return c.appendField(id, delta, func(msg *chat.Message) {
		msg.Content += delta
	})
}

// AppendMessageReasoning appends a delta to an incomplete message's
// reasoning.
func (c *ChatStore) AppendMessageReasoning(ctx context.Context, id, delta string) error {
	return c.appendField(id, delta, func(msg *chat.Message) {
		msg.Reasoning += delta
	})
}

func (c *ChatStore) appendField(id, delta string, apply func(*chat.Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.documentForMessage(id)
	if err != nil {
		return err
	}
	msg := findMessage(doc, id)
	if msg == nil {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if msg.IsComplete {
		return fmt.Errorf("message %s is not streaming: %w", id, domain.ErrNotFound)
	}

	apply(msg)
	doc.Conversation.UpdatedAt = time.Now()
	return c.saveDocument(doc)
}

// CompleteMessage marks a message as finished streaming.
func (c *ChatStore) CompleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.documentForMessage(id)
	if err != nil {
		return err
	}
	msg := findMessage(doc, id)
	if msg == nil {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	msg.IsComplete = true
	doc.Conversation.UpdatedAt = time.Now()
	return c.saveDocument(doc)
}

// DeleteMessage removes a message and all of its descendants.
func (c *ChatStore) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.documentForMessage(id)
	if err != nil {
		return err
	}
	target := findMessage(doc, id)
	if target == nil {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	doomed := map[string]bool{}
	collectSubtree(doc, id, doomed)

	if target.ParentID != nil {
		if parent := findMessage(doc, *target.ParentID); parent != nil {
			parent.ChildrenIDs = removeID(parent.ChildrenIDs, id)
		}
	}

	kept := doc.Messages[:0]
	for _, msg := range doc.Messages {
		if !doomed[msg.ID] {
			kept = append(kept, msg)
		}
	}
	doc.Messages = kept
	doc.Conversation.UpdatedAt = time.Now()

	if err := c.saveDocument(doc); err != nil {
		return err
	}
	for doomedID := range doomed {
		if err := c.store.Delete(messageKey(doomedID)); err != nil {
			return err
		}
	}
	return nil
}

// documentForMessage loads the conversation document containing a message.
func (c *ChatStore) documentForMessage(id string) (*conversationDocument, error) {
	conversationID, ok, err := c.store.Get(messageKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return c.loadDocument(conversationID)
}

func findMessage(doc *conversationDocument, id string) *chat.Message {
	for i := range doc.Messages {
		if doc.Messages[i].ID == id {
			return &doc.Messages[i]
		}
	}
	return nil
}

func collectSubtree(doc *conversationDocument, id string, out map[string]bool) {
	out[id] = true
	msg := findMessage(doc, id)
	if msg == nil {
		return
	}
	for _, childID := range msg.ChildrenIDs {
		collectSubtree(doc, childID, out)
	}
}

func removeID(ids []string, id string) []string {
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return kept
}
