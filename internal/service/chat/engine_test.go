package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"open3/internal/domain"
	chatModels "open3/internal/domain/models/chat"
	chatSvc "open3/internal/domain/services/chat"
	"open3/internal/service/llm/catalog"
)

// memStore is an in-memory implementation of both repositories.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*chatModels.Conversation
	messages      map[string]*chatModels.Message
	seq           int
	order         map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*chatModels.Conversation),
		messages:      make(map[string]*chatModels.Message),
		order:         make(map[string]int),
	}
}

func (s *memStore) CreateConversation(ctx context.Context, c *chatModels.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		s.seq++
		c.ID = fmt.Sprintf("conv-%d", s.seq)
	}
	copied := *c
	s.conversations[c.ID] = &copied
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, id string) (*chatModels.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	copied := *c
	return &copied, nil
}

func (s *memStore) ListConversations(ctx context.Context, ownerID string) ([]chatModels.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chatModels.Conversation
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) RenameConversation(ctx context.Context, id, title string, renamedByUser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	c.Title = title
	if renamedByUser {
		c.HasBeenRenamed = true
	}
	return nil
}

func (s *memStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	for msgID, msg := range s.messages {
		if msg.ConversationID == id {
			delete(s.messages, msgID)
		}
	}
	return nil
}

func (s *memStore) CreateMessage(ctx context.Context, msg *chatModels.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ParentID != nil {
		parent, ok := s.messages[*msg.ParentID]
		if !ok {
			return fmt.Errorf("parent message: %w", domain.ErrNotFound)
		}
		if parent.ConversationID != msg.ConversationID {
			return fmt.Errorf("%w: parent in another conversation", domain.ErrValidation)
		}
	}
	s.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	copied.ChildrenIDs = nil
	s.messages[msg.ID] = &copied
	s.order[msg.ID] = s.seq
	if msg.ParentID != nil {
		parent := s.messages[*msg.ParentID]
		parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
	}
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*chatModels.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	copied := *msg
	return &copied, nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID string) ([]chatModels.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chatModels.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

func (s *memStore) AppendMessageContent(ctx context.Context, id, delta string) error {
	return s.append(id, func(msg *chatModels.Message) { msg.Content += delta })
}

func (s *memStore) AppendMessageReasoning(ctx context.Context, id, delta string) error {
	return s.append(id, func(msg *chatModels.Message) { msg.Reasoning += delta })
}

func (s *memStore) append(id string, apply func(*chatModels.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.IsComplete {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	apply(msg)
	return nil
}

func (s *memStore) CompleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	msg.IsComplete = true
	return nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	var doomed []string
	var collect func(string)
	collect = func(target string) {
		doomed = append(doomed, target)
		for _, child := range s.messages[target].ChildrenIDs {
			collect(child)
		}
	}
	collect(id)
	if msg.ParentID != nil {
		if parent, ok := s.messages[*msg.ParentID]; ok {
			kept := parent.ChildrenIDs[:0]
			for _, child := range parent.ChildrenIDs {
				if child != id {
					kept = append(kept, child)
				}
			}
			parent.ChildrenIDs = kept
		}
	}
	for _, target := range doomed {
		delete(s.messages, target)
		delete(s.order, target)
	}
	return nil
}

// scriptedProvider replays a fixed event sequence and records the request.
type scriptedProvider struct {
	mu      sync.Mutex
	events  []chatSvc.StreamEvent
	openErr error
	hold    chan struct{} // when set, held open until closed or ctx done
	reqs    []*chatSvc.CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) lastRequest() *chatSvc.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reqs) == 0 {
		return nil
	}
	return p.reqs[len(p.reqs)-1]
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req *chatSvc.CompletionRequest) (<-chan chatSvc.StreamEvent, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	openErr := p.openErr
	events := make([]chatSvc.StreamEvent, len(p.events))
	copy(events, p.events)
	hold := p.hold
	p.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}

	ch := make(chan chatSvc.StreamEvent)
	go func() {
		defer close(ch)
		for _, event := range events {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func testEngine(t *testing.T, provider chatSvc.CompletionProvider) (*Engine, *memStore, *Beacon) {
	t.Helper()
	registry, err := catalog.NewRegistry()
	if err != nil {
		t.Fatalf("catalog.NewRegistry: %v", err)
	}
	store := newMemStore()
	beacon := NewBeacon()
	engine := NewEngine(&EngineConfig{
		Conversations: store,
		Messages:      store,
		Provider:      provider,
		Catalog:       registry,
		Beacon:        beacon,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return engine, store, beacon
}

// waitStreamEnd blocks until the conversation's beacon claim is released,
// which happens strictly after the message is finalized.
func waitStreamEnd(t *testing.T, beacon *Beacon, conversationID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, active := beacon.Claim(conversationID); !active {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for stream to end")
}

func newConversation(t *testing.T, store *memStore) *chatModels.Conversation {
	t.Helper()
	c := &chatModels.Conversation{Title: chatModels.DefaultTitle}
	if err := store.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return c
}

func TestSubmitStreamsCompletion(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{
		{Reasoning: "let me think"},
		{Content: "Hello"},
		{Content: ", world"},
	}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	// Subscribe before submitting so the terminal update is not missed.
	clientID, updates := beacon.Subscribe(conv.ID)
	defer beacon.Unsubscribe(conv.ID, clientID)

	result, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "  hi there  ",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.UserMessage.Content != "hi there" {
		t.Errorf("user text = %q, want trimmed", result.UserMessage.Content)
	}
	if result.UserMessage.Model != chatModels.ModelUser {
		t.Errorf("user message model = %q, want %q", result.UserMessage.Model, chatModels.ModelUser)
	}
	if !result.AssistantMessage.IsPlaceholder() {
		t.Errorf("assistant message is not a placeholder: %+v", result.AssistantMessage)
	}

	var deltas []string
	deadline := time.After(5 * time.Second)
waiting:
	for {
		select {
		case update := <-updates:
			if update.Kind == UpdateDelta {
				deltas = append(deltas, update.Content+update.Reasoning)
				continue
			}
			if update.Kind != UpdateComplete {
				t.Fatalf("unexpected terminal update %+v", update)
			}
			break waiting
		case <-deadline:
			t.Fatal("timed out waiting for stream")
		}
	}
	if len(deltas) != 3 {
		t.Errorf("saw %d deltas, want 3", len(deltas))
	}

	final, err := store.GetMessage(context.Background(), result.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if final.Content != "Hello, world" {
		t.Errorf("content = %q", final.Content)
	}
	if final.Reasoning != "let me think" {
		t.Errorf("reasoning = %q", final.Reasoning)
	}
	if !final.IsComplete {
		t.Error("assistant message not complete")
	}

	if _, active := beacon.Claim(conv.ID); active {
		t.Error("beacon claim not released")
	}
}

func TestSubmitValidation(t *testing.T) {
	engine, store, _ := testEngine(t, &scriptedProvider{})
	conv := newConversation(t, store)

	_, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "   ",
		Model:          "openai/gpt-4o",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for blank text, got %v", err)
	}
}

func TestSubmitRejectsConcurrentStream(t *testing.T) {
	hold := make(chan struct{})
	provider := &scriptedProvider{hold: hold}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	_, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "first",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "second",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if !errors.Is(err, domain.ErrStreamActive) {
		t.Errorf("expected ErrStreamActive, got %v", err)
	}

	close(hold)
	waitStreamEnd(t, beacon, conv.ID)
}

func TestSubmitFreeFallback(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		credential string
		wantWire   string
	}{
		{"paid model without credential falls back", "openai/gpt-4o", "", FallbackModel},
		{"paid model with credential runs as asked", "openai/gpt-4o", "sk-user", "openai/gpt-4o"},
		{"free model without credential runs as asked", "deepseek/deepseek-r1-0528:free", "", "deepseek/deepseek-r1-0528:free"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "ok"}}}
			engine, store, beacon := testEngine(t, provider)
			conv := newConversation(t, store)

			result, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
				ConversationID: conv.ID,
				Text:           "hi",
				Model:          tt.model,
				Credential:     tt.credential,
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitStreamEnd(t, beacon, conv.ID)

			if got := provider.lastRequest().Model; got != tt.wantWire {
				t.Errorf("wire model = %q, want %q", got, tt.wantWire)
			}
			// The recorded model is always the requested one.
			if result.AssistantMessage.Model != tt.model {
				t.Errorf("recorded model = %q, want %q", result.AssistantMessage.Model, tt.model)
			}
		})
	}
}

func TestSubmitAutoTitle(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "ok"}}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	longText := strings.Repeat("title material ", 10)
	_, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           longText,
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	got, _ := store.GetConversation(context.Background(), conv.ID)
	if got.Title == chatModels.DefaultTitle {
		t.Error("conversation was not auto-titled")
	}
	if len(got.Title) > autoTitleMaxLen+3 {
		t.Errorf("title too long: %q", got.Title)
	}
	if got.HasBeenRenamed {
		t.Error("auto-title must not count as a user rename")
	}
}

func TestProviderErrorFinalizesMessage(t *testing.T) {
	provider := &scriptedProvider{openErr: &chatSvc.ProviderError{Message: "Bad API Key"}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	clientID, updates := beacon.Subscribe(conv.ID)
	defer beacon.Unsubscribe(conv.ID, clientID)

	result, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "hi",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case update := <-updates:
		if update.Kind != UpdateError {
			t.Fatalf("terminal kind = %s, want error", update.Kind)
		}
		if update.Error != "Bad API Key" {
			t.Errorf("update error = %q", update.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error update")
	}
	waitStreamEnd(t, beacon, conv.ID)

	final, _ := store.GetMessage(context.Background(), result.AssistantMessage.ID)
	if final.Content != "Error processing your request: Bad API Key" {
		t.Errorf("content = %q", final.Content)
	}
	if !final.IsComplete {
		t.Error("errored message must still be marked complete")
	}
}

func TestRegenerate(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "take two"}}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	result, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "question",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)
	firstAnswerID := result.AssistantMessage.ID

	placeholder, err := engine.Regenerate(context.Background(), &chatSvc.RegenerateRequest{
		ConversationID:    conv.ID,
		FromUserMessageID: result.UserMessage.ID,
	})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	if _, err := store.GetMessage(context.Background(), firstAnswerID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old answer should be deleted, got %v", err)
	}
	final, _ := store.GetMessage(context.Background(), placeholder.ID)
	if final.Content != "take two" || !final.IsComplete {
		t.Errorf("regenerated answer = %+v", final)
	}

	// Regenerating from an assistant message is a silent no-op.
	noop, err := engine.Regenerate(context.Background(), &chatSvc.RegenerateRequest{
		ConversationID:    conv.ID,
		FromUserMessageID: placeholder.ID,
	})
	if err != nil || noop != nil {
		t.Errorf("expected silent no-op, got (%v, %v)", noop, err)
	}
}

func TestEdit(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "new answer"}}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	first, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "original question",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	edited, err := engine.Edit(context.Background(), &chatSvc.EditRequest{
		ConversationID: conv.ID,
		MessageID:      first.UserMessage.ID,
		Text:           "better question",
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	if _, err := store.GetMessage(context.Background(), first.UserMessage.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("edited message should be replaced, got %v", err)
	}
	if _, err := store.GetMessage(context.Background(), first.AssistantMessage.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old answer should be gone, got %v", err)
	}

	messages, _ := store.ListMessages(context.Background(), conv.ID)
	if len(messages) != 2 {
		t.Fatalf("expected one fresh turn, got %d messages", len(messages))
	}
	if edited.UserMessage.Content != "better question" {
		t.Errorf("edited text = %q", edited.UserMessage.Content)
	}
	final, _ := store.GetMessage(context.Background(), edited.AssistantMessage.ID)
	if final.Content != "new answer" || !final.IsComplete {
		t.Errorf("fresh answer = %+v", final)
	}
}

func TestBranch(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "branch answer"}}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	first, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "turn one",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	second, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "turn two",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStreamEnd(t, beacon, conv.ID)

	// Cut at the second user message: only turn one (both messages) copies,
	// and the cut message itself is re-submitted.
	branchedID, err := engine.Branch(context.Background(), &chatSvc.BranchRequest{
		ConversationID: conv.ID,
		CutMessageID:   second.UserMessage.ID,
	})
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	waitStreamEnd(t, beacon, branchedID)

	branched, _ := store.GetConversation(context.Background(), branchedID)
	if !strings.HasPrefix(branched.Title, "Branch of: ") {
		t.Errorf("branch title = %q", branched.Title)
	}

	messages, _ := store.ListMessages(context.Background(), branchedID)
	// 2 copied + re-submitted user turn + its fresh answer.
	if len(messages) != 4 {
		t.Fatalf("branch has %d messages, want 4", len(messages))
	}
	if messages[0].Content != "turn one" || messages[2].Content != "turn two" {
		t.Errorf("unexpected branch contents: %q, %q", messages[0].Content, messages[2].Content)
	}
	for _, msg := range messages {
		if msg.ConversationID != branchedID {
			t.Errorf("message %s kept old conversation", msg.ID)
		}
	}
	last := messages[len(messages)-1]
	if last.Content != "branch answer" || !last.IsComplete {
		t.Errorf("branch answer = %+v", last)
	}

	// Cutting at an assistant message copies the prefix and stops there.
	quietID, err := engine.Branch(context.Background(), &chatSvc.BranchRequest{
		ConversationID: conv.ID,
		CutMessageID:   first.AssistantMessage.ID,
	})
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	quiet, _ := store.ListMessages(context.Background(), quietID)
	if len(quiet) != 1 {
		t.Errorf("assistant-cut branch has %d messages, want 1", len(quiet))
	}
}

func TestInterruptLeavesMessageIncomplete(t *testing.T) {
	hold := make(chan struct{})
	provider := &scriptedProvider{
		events: []chatSvc.StreamEvent{{Content: "partial "}},
		hold:   hold,
	}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)

	clientID, updates := beacon.Subscribe(conv.ID)
	defer beacon.Unsubscribe(conv.ID, clientID)

	result, err := engine.Submit(context.Background(), &chatSvc.SubmitRequest{
		ConversationID: conv.ID,
		Text:           "hi",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait for the first delta so the stream is known to be mid-flight.
	deadline := time.After(5 * time.Second)
	for {
		var update StreamUpdate
		select {
		case update = <-updates:
		case <-deadline:
			t.Fatal("timed out waiting for first delta")
		}
		if update.Kind == UpdateDelta {
			break
		}
	}

	engine.Interrupt(conv.ID)

	for {
		select {
		case update := <-updates:
			if update.Kind == UpdateDelta {
				continue
			}
			if update.Kind != UpdateInterrupted {
				t.Fatalf("terminal kind = %s, want interrupted", update.Kind)
			}
		case <-deadline:
			t.Fatal("timed out waiting for interruption")
		}
		break
	}

	final, _ := store.GetMessage(context.Background(), result.AssistantMessage.ID)
	if final.IsComplete {
		t.Error("interrupted message must stay incomplete")
	}
	if final.Content != "partial " {
		t.Errorf("partial content = %q", final.Content)
	}
	if _, active := beacon.Claim(conv.ID); active {
		t.Error("claim not released after interruption")
	}
}

func TestRecover(t *testing.T) {
	provider := &scriptedProvider{events: []chatSvc.StreamEvent{{Content: "recovered"}}}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)
	ctx := context.Background()

	userMsg := &chatModels.Message{
		ConversationID: conv.ID,
		Role:           chatModels.RoleUser,
		Content:        "hello?",
		Model:          chatModels.ModelUser,
		IsComplete:     true,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	if err := store.CreateMessage(ctx, userMsg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	placeholder := &chatModels.Message{
		ConversationID: conv.ID,
		ParentID:       &userMsg.ID,
		Role:           chatModels.RoleAssistant,
		Model:          "deepseek/deepseek-chat-v3-0324:free",
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	if err := store.CreateMessage(ctx, placeholder); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	restarted, err := engine.Recover(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !restarted {
		t.Fatal("expected recovery to restart the stream")
	}
	waitStreamEnd(t, beacon, conv.ID)

	final, _ := store.GetMessage(ctx, placeholder.ID)
	if final.Content != "recovered" || !final.IsComplete {
		t.Errorf("recovered message = %+v", final)
	}

	// Nothing left to recover now.
	restarted, err = engine.Recover(ctx, conv.ID)
	if err != nil || restarted {
		t.Errorf("expected no-op recovery, got (%v, %v)", restarted, err)
	}
}

func TestRecoverRespectsGuardWindow(t *testing.T) {
	provider := &scriptedProvider{}
	engine, store, _ := testEngine(t, provider)
	conv := newConversation(t, store)
	ctx := context.Background()

	userMsg := &chatModels.Message{
		ConversationID: conv.ID,
		Role:           chatModels.RoleUser,
		Content:        "hello?",
		Model:          chatModels.ModelUser,
		IsComplete:     true,
	}
	if err := store.CreateMessage(ctx, userMsg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	placeholder := &chatModels.Message{
		ConversationID: conv.ID,
		ParentID:       &userMsg.ID,
		Role:           chatModels.RoleAssistant,
		Model:          "deepseek/deepseek-chat-v3-0324:free",
	}
	if err := store.CreateMessage(ctx, placeholder); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	// The placeholder was created just now, inside the guard window.
	restarted, err := engine.Recover(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if restarted {
		t.Error("recovery must not double-start a fresh placeholder")
	}
	if provider.lastRequest() != nil {
		t.Error("no stream should have been opened")
	}
}

func TestRecoverSkipsClaimedStream(t *testing.T) {
	provider := &scriptedProvider{}
	engine, store, beacon := testEngine(t, provider)
	conv := newConversation(t, store)
	ctx := context.Background()

	if err := beacon.Begin(conv.ID, "some-message", "m", func() {}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer beacon.Finish(conv.ID, StreamUpdate{Kind: UpdateComplete})

	restarted, err := engine.Recover(ctx, conv.ID)
	if err != nil || restarted {
		t.Errorf("claimed conversation must not recover, got (%v, %v)", restarted, err)
	}
	_ = store
}

func TestRecoverFinalizesStalledPartialMessage(t *testing.T) {
	provider := &scriptedProvider{}
	engine, store, _ := testEngine(t, provider)
	engine.settle = NewSettleWatcher(store, 10*time.Millisecond, time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	conv := newConversation(t, store)
	ctx := context.Background()

	userMsg := &chatModels.Message{
		ConversationID: conv.ID,
		Role:           chatModels.RoleUser,
		Content:        "hello?",
		Model:          chatModels.ModelUser,
		IsComplete:     true,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	if err := store.CreateMessage(ctx, userMsg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	partial := &chatModels.Message{
		ConversationID: conv.ID,
		ParentID:       &userMsg.ID,
		Role:           chatModels.RoleAssistant,
		Content:        "half an answ",
		Model:          "deepseek/deepseek-chat-v3-0324:free",
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	if err := store.CreateMessage(ctx, partial); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	recovered, err := engine.Recover(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !recovered {
		t.Fatal("stalled partial message was not recovered")
	}

	got, err := store.GetMessage(ctx, partial.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.IsComplete {
		t.Error("stalled message was not sealed")
	}
	if got.Content != "half an answ" {
		t.Errorf("content = %q, want the partial text untouched", got.Content)
	}
	if len(provider.reqs) != 0 {
		t.Errorf("finalize path must not open a stream, got %d requests", len(provider.reqs))
	}
}
