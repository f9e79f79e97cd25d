package chat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	chatModels "open3/internal/domain/models/chat"
)

func watcherFixture(t *testing.T) (*SettleWatcher, *memStore, *chatModels.Message) {
	t.Helper()
	store := newMemStore()
	conv := newConversation(t, store)
	msg := &chatModels.Message{
		ConversationID: conv.ID,
		Role:           chatModels.RoleAssistant,
		Model:          "m",
	}
	if err := store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher := NewSettleWatcher(store, 10*time.Millisecond, time.Second, logger)
	return watcher, store, msg
}

func TestWaitSettledOnCompletion(t *testing.T) {
	watcher, store, msg := watcherFixture(t)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.AppendMessageContent(ctx, msg.ID, "done")
		_ = store.CompleteMessage(ctx, msg.ID)
	}()

	settled, err := watcher.WaitSettled(ctx, msg.ID)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if !settled {
		t.Error("expected settle on completion")
	}
}

func TestWaitSettledOnStillContent(t *testing.T) {
	watcher, store, msg := watcherFixture(t)
	ctx := context.Background()

	// Content arrives, then goes still without is_complete ever being set.
	if err := store.AppendMessageContent(ctx, msg.ID, "stalled output"); err != nil {
		t.Fatalf("AppendMessageContent: %v", err)
	}

	settled, err := watcher.WaitSettled(ctx, msg.ID)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if !settled {
		t.Error("expected settle on unchanged non-empty content")
	}
}

func TestWaitSettledIgnoresEmptyContent(t *testing.T) {
	watcher, _, msg := watcherFixture(t)

	// An empty placeholder never settles; the call gives up at maxWait.
	settled, err := watcher.WaitSettled(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if settled {
		t.Error("empty placeholder must not count as settled")
	}
}

func TestWaitSettledHonorsContext(t *testing.T) {
	watcher, _, msg := watcherFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := watcher.WaitSettled(ctx, msg.ID); err == nil {
		t.Error("expected context error")
	}
}
