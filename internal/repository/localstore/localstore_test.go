package localstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"open3/internal/domain"
	chat "open3/internal/domain/models/chat"
)

func newTestChatStore(t *testing.T) *ChatStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return NewChatStore(store, logger)
}

func mustCreateConversation(t *testing.T, cs *ChatStore, id string) *chat.Conversation {
	t.Helper()

	conversation := &chat.Conversation{ID: id, Title: chat.DefaultTitle}
	if err := cs.CreateConversation(context.Background(), conversation); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conversation
}

func mustCreateMessage(t *testing.T, cs *ChatStore, conversationID string, parentID *string, role, content string) *chat.Message {
	t.Helper()

	msg := &chat.Message{
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           role,
		Content:        content,
		Model:          chat.ModelUser,
		IsComplete:     true,
	}
	if err := cs.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return msg
}

func TestConversationLifecycle(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()

	mustCreateConversation(t, cs, "conv-a")
	mustCreateConversation(t, cs, "conv-b")

	conversations, err := cs.ListConversations(ctx, "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}

	if err := cs.RenameConversation(ctx, "conv-a", "Trip planning", true); err != nil {
		t.Fatalf("RenameConversation: %v", err)
	}
	got, err := cs.GetConversation(ctx, "conv-a")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Trip planning" || !got.HasBeenRenamed {
		t.Errorf("after rename got title=%q renamed=%v", got.Title, got.HasBeenRenamed)
	}

	if err := cs.DeleteConversation(ctx, "conv-a"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := cs.GetConversation(ctx, "conv-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	conversations, err = cs.ListConversations(ctx, "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ID != "conv-b" {
		t.Errorf("expected only conv-b to remain, got %v", conversations)
	}
}

func TestCreateMessageValidatesParent(t *testing.T) {
	cs := newTestChatStore(t)
	mustCreateConversation(t, cs, "conv")

	missing := "no-such-message"
	msg := &chat.Message{
		ConversationID: "conv",
		ParentID:       &missing,
		Role:           chat.RoleUser,
		Content:        "hi",
		Model:          chat.ModelUser,
		IsComplete:     true,
	}
	if err := cs.CreateMessage(context.Background(), msg); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing parent, got %v", err)
	}
}

func TestMessageTreeChildren(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	mustCreateConversation(t, cs, "conv")

	root := mustCreateMessage(t, cs, "conv", nil, chat.RoleUser, "question")
	first := mustCreateMessage(t, cs, "conv", &root.ID, chat.RoleAssistant, "answer one")
	second := mustCreateMessage(t, cs, "conv", &root.ID, chat.RoleAssistant, "answer two")

	got, err := cs.GetMessage(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if len(got.ChildrenIDs) != 2 || got.ChildrenIDs[0] != first.ID || got.ChildrenIDs[1] != second.ID {
		t.Errorf("unexpected children %v", got.ChildrenIDs)
	}

	messages, err := cs.ListMessages(ctx, "conv")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != root.ID {
		t.Errorf("expected root first, got %s", messages[0].ID)
	}
}

func TestAppendAndComplete(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	mustCreateConversation(t, cs, "conv")

	root := mustCreateMessage(t, cs, "conv", nil, chat.RoleUser, "question")
	placeholder := &chat.Message{
		ConversationID: "conv",
		ParentID:       &root.ID,
		Role:           chat.RoleAssistant,
		Model:          "openai/gpt-4o-mini",
	}
	if err := cs.CreateMessage(ctx, placeholder); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	for _, delta := range []string{"Hel", "lo", " there"} {
		if err := cs.AppendMessageContent(ctx, placeholder.ID, delta); err != nil {
			t.Fatalf("AppendMessageContent(%q): %v", delta, err)
		}
	}
	if err := cs.AppendMessageReasoning(ctx, placeholder.ID, "thinking"); err != nil {
		t.Fatalf("AppendMessageReasoning: %v", err)
	}
	if err := cs.CompleteMessage(ctx, placeholder.ID); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}

	got, err := cs.GetMessage(ctx, placeholder.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "Hello there" {
		t.Errorf("content = %q, want %q", got.Content, "Hello there")
	}
	if got.Reasoning != "thinking" {
		t.Errorf("reasoning = %q, want %q", got.Reasoning, "thinking")
	}
	if !got.IsComplete {
		t.Error("message not marked complete")
	}

	if err := cs.AppendMessageContent(ctx, placeholder.ID, "more"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("append to completed message: got %v, want ErrNotFound", err)
	}
}

func TestDeleteMessageCascades(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	mustCreateConversation(t, cs, "conv")

	root := mustCreateMessage(t, cs, "conv", nil, chat.RoleUser, "q1")
	reply := mustCreateMessage(t, cs, "conv", &root.ID, chat.RoleAssistant, "a1")
	followup := mustCreateMessage(t, cs, "conv", &reply.ID, chat.RoleUser, "q2")
	leaf := mustCreateMessage(t, cs, "conv", &followup.ID, chat.RoleAssistant, "a2")

	if err := cs.DeleteMessage(ctx, reply.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	for _, id := range []string{reply.ID, followup.ID, leaf.ID} {
		if _, err := cs.GetMessage(ctx, id); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("message %s: expected ErrNotFound, got %v", id, err)
		}
	}

	got, err := cs.GetMessage(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetMessage root: %v", err)
	}
	if len(got.ChildrenIDs) != 0 {
		t.Errorf("root children = %v, want empty", got.ChildrenIDs)
	}
}

func TestCorruptDocumentResets(t *testing.T) {
	cs := newTestChatStore(t)
	ctx := context.Background()
	mustCreateConversation(t, cs, "conv")
	mustCreateMessage(t, cs, "conv", nil, chat.RoleUser, "hello")

	if err := cs.store.Set(conversationKey("conv"), "{not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := cs.GetConversation(ctx, "conv")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ID != "conv" || got.Title != chat.DefaultTitle {
		t.Errorf("reset document = %+v", got)
	}

	messages, err := cs.ListMessages(ctx, "conv")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty messages after reset, got %d", len(messages))
	}
}
