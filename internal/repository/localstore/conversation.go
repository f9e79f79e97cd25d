package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"open3/internal/domain"
	chat "open3/internal/domain/models/chat"
)

// conversationDocument is the JSON value stored per conversation. Messages
// carry their children lists inline so tree traversal needs no extra reads.
type conversationDocument struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
}

// ChatStore implements the conversation and message repositories over a
// Store. A single mutex serializes writers; anonymous sessions are
// single-device so contention is not a concern.
type ChatStore struct {
	store  *Store
	logger *slog.Logger
	mu     sync.Mutex
}

// NewChatStore creates a ChatStore over an open local store.
func NewChatStore(store *Store, logger *slog.Logger) *ChatStore {
	return &ChatStore{store: store, logger: logger}
}

func conversationKey(id string) string {
	return conversationKeyPrefix + id
}

func messageKey(id string) string {
	return messageKeyPrefix + id
}

// loadDocument reads a conversation document. A corrupt value is replaced
// with a fresh empty document for the same id rather than surfaced as an
// error, so one bad record cannot wedge the device.
func (c *ChatStore) loadDocument(id string) (*conversationDocument, error) {
	raw, ok, err := c.store.Get(conversationKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}

	var doc conversationDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		c.logger.Warn("corrupt conversation document, resetting", "conversation_id", id, "error", err)
		now := time.Now()
		doc = conversationDocument{
			Conversation: chat.Conversation{
				ID:        id,
				Title:     chat.DefaultTitle,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
	}
	return &doc, nil
}

func (c *ChatStore) saveDocument(doc *conversationDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", doc.Conversation.ID, err)
	}
	return c.store.Set(conversationKey(doc.Conversation.ID), string(raw))
}

func (c *ChatStore) loadIndex() ([]string, error) {
	raw, ok, err := c.store.Get(conversationIndexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		c.logger.Warn("corrupt conversation index, resetting", "error", err)
		return nil, nil
	}
	return ids, nil
}

func (c *ChatStore) saveIndex(ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode conversation index: %w", err)
	}
	return c.store.Set(conversationIndexKey, string(raw))
}

// CreateConversation stores a new conversation document and registers its
// id, assigning one when the caller left it empty.
func (c *ChatStore) CreateConversation(ctx context.Context, conversation *chat.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conversation.ID == "" {
		conversation.ID = uuid.NewString()
	}

	now := time.Now()
	conversation.CreatedAt = now
	conversation.UpdatedAt = now

	doc := conversationDocument{Conversation: *conversation}
	if err := c.saveDocument(&doc); err != nil {
		return err
	}

	ids, err := c.loadIndex()
	if err != nil {
		return err
	}
	ids = append(ids, conversation.ID)
	return c.saveIndex(ids)
}

// GetConversation returns the conversation metadata for an id.
func (c *ChatStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(id)
	if err != nil {
		return nil, err
	}
	conversation := doc.Conversation
	return &conversation, nil
}

// ListConversations returns all local conversations, most recently updated
// first. The ownerID argument is ignored; everything in the store belongs to
// the device.
func (c *ChatStore) ListConversations(ctx context.Context, ownerID string) ([]chat.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.loadIndex()
	if err != nil {
		return nil, err
	}

	conversations := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		doc, err := c.loadDocument(id)
		if err != nil {
			// Index entries can outlive their documents after a partial
			// delete; skip them.
			c.logger.Warn("indexed conversation missing", "conversation_id", id)
			continue
		}
		conversations = append(conversations, doc.Conversation)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

// RenameConversation updates the title. When renamedByUser is true the
// conversation is marked as renamed, which suppresses later automatic
// titling.
func (c *ChatStore) RenameConversation(ctx context.Context, id, title string, renamedByUser bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(id)
	if err != nil {
		return err
	}

	doc.Conversation.Title = title
	if renamedByUser {
		doc.Conversation.HasBeenRenamed = true
	}
	doc.Conversation.UpdatedAt = time.Now()
	return c.saveDocument(doc)
}

// DeleteConversation removes the document, its message location entries, and
// the index entry.
func (c *ChatStore) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(id)
	if err != nil {
		return err
	}

	for _, message := range doc.Messages {
		if err := c.store.Delete(messageKey(message.ID)); err != nil {
			return err
		}
	}
	if err := c.store.Delete(conversationKey(id)); err != nil {
		return err
	}

	ids, err := c.loadIndex()
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	return c.saveIndex(remaining)
}
