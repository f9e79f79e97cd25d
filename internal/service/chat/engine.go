// Package chat implements the conversation engine: the component that turns
// a user submission into a persisted user message, an assistant placeholder,
// and a background completion stream that fills the placeholder delta by
// delta until it is marked complete.
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
	"open3/internal/domain/repositories"
	chatRepo "open3/internal/domain/repositories/chat"
	chatSvc "open3/internal/domain/services/chat"
	"open3/internal/service/llm/catalog"
)

const (
	// DefaultStreamTimeout bounds how long one completion stream may run.
	DefaultStreamTimeout = 5 * time.Minute

	// recoveryGuard is how old an orphaned placeholder must be before
	// recovery restarts it. The fresh-chat window is looser because that
	// flow legitimately creates the placeholder before the stream begins.
	recoveryGuard          = 5 * time.Second
	freshChatRecoveryGuard = 30 * time.Second

	// recoverySettleWait bounds how long recovery watches a partially
	// filled message before deciding another process still owns it.
	recoverySettleWait = 10 * time.Second

	autoTitleMaxLen = 50
)

// EngineConfig wires an Engine to one persistence backend.
type EngineConfig struct {
	Conversations chatRepo.ConversationRepository
	Messages      chatRepo.MessageRepository
	Provider      chatSvc.CompletionProvider
	Catalog       *catalog.Registry
	Beacon        *Beacon
	Logger        *slog.Logger
	StreamTimeout time.Duration

	// Tx, when set, composes multi-record mutations (edit, regenerate,
	// branch) into one transaction. Nil for stores without transactions.
	Tx repositories.TransactionManager
}

// Engine implements EngineService over one pair of repositories. Two
// instances typically exist: one over the remote record store for
// authenticated users and one over the device-local store for anonymous use,
// sharing a single beacon.
type Engine struct {
	conversations chatRepo.ConversationRepository
	messages      chatRepo.MessageRepository
	catalog       *catalog.Registry
	beacon        *Beacon
	executor      *streamExecutor
	settle        *SettleWatcher
	tx            repositories.TransactionManager
	logger        *slog.Logger
	streamTimeout time.Duration
}

// NewEngine creates an engine.
func NewEngine(cfg *EngineConfig) *Engine {
	timeout := cfg.StreamTimeout
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}

	return &Engine{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		catalog:       cfg.Catalog,
		beacon:        cfg.Beacon,
		executor: &streamExecutor{
			messages: cfg.Messages,
			provider: cfg.Provider,
			beacon:   cfg.Beacon,
			logger:   cfg.Logger,
		},
		settle:        NewSettleWatcher(cfg.Messages, 0, recoverySettleWait, cfg.Logger),
		tx:            cfg.Tx,
		logger:        cfg.Logger,
		streamTimeout: timeout,
	}
}

// execTx runs fn inside a transaction when the backend supports them.
func (e *Engine) execTx(ctx context.Context, fn repositories.TxFn) error {
	if e.tx == nil {
		return fn(ctx)
	}
	return e.tx.ExecTx(ctx, fn)
}

// Submit persists the user turn and its placeholder, then streams the answer
// in the background.
func (e *Engine) Submit(ctx context.Context, req *chatSvc.SubmitRequest) (*chatSvc.SubmitResult, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := validation.ValidateStruct(req,
		validation.Field(&req.ConversationID, validation.Required),
		validation.Field(&req.Text, validation.Required),
		validation.Field(&req.Model, validation.Required),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if _, active := e.beacon.Claim(req.ConversationID); active {
		return nil, domain.ErrStreamActive
	}

	conversation, err := e.conversations.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	history, err := e.messages.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	var parentID *string
	if leaf := latestMessage(history); leaf != nil {
		parentID = &leaf.ID
	}

	userMsg := &chatModels.Message{
		ConversationID: req.ConversationID,
		ParentID:       parentID,
		Role:           chatModels.RoleUser,
		Content:        req.Text,
		Model:          chatModels.ModelUser,
		IsComplete:     true,
		CreatedAt:      time.Now(),
	}
	if err := e.messages.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	if len(history) == 0 {
		e.maybeAutoTitle(ctx, conversation, req.Text)
	}

	turns := append(pathTurns(history, parentID), chatSvc.Turn{
		Role:    chatModels.RoleUser,
		Content: req.Text,
	})

	placeholder, err := e.createPlaceholder(ctx, req.ConversationID, userMsg.ID, req.Model)
	if err != nil {
		return nil, err
	}

	if err := e.startStream(placeholder, turns, req.Credential, req.SystemPrompt); err != nil {
		e.rollbackTurn(userMsg.ID)
		return nil, err
	}

	return &chatSvc.SubmitResult{UserMessage: userMsg, AssistantMessage: placeholder}, nil
}

// Regenerate discards everything answered below a user message and streams a
// fresh answer. Non-user targets are a silent no-op.
func (e *Engine) Regenerate(ctx context.Context, req *chatSvc.RegenerateRequest) (*chatModels.Message, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.ConversationID, validation.Required),
		validation.Field(&req.FromUserMessageID, validation.Required),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if _, active := e.beacon.Claim(req.ConversationID); active {
		return nil, domain.ErrStreamActive
	}

	source, err := e.messageInConversation(ctx, req.ConversationID, req.FromUserMessageID)
	if err != nil {
		return nil, err
	}
	if source.Role != chatModels.RoleUser {
		e.logger.Debug("regenerate declined for non-user message", "message_id", source.ID)
		return nil, nil
	}
	model := e.answerModel(ctx, source)

	var placeholder *chatModels.Message
	var turns []chatSvc.Turn
	err = e.execTx(ctx, func(txCtx context.Context) error {
		for _, childID := range source.ChildrenIDs {
			if err := e.messages.DeleteMessage(txCtx, childID); err != nil {
				return err
			}
		}

		history, err := e.messages.ListMessages(txCtx, req.ConversationID)
		if err != nil {
			return err
		}
		turns = pathTurns(history, &source.ID)

		placeholder, err = e.createPlaceholder(txCtx, req.ConversationID, source.ID, model)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.startStream(placeholder, turns, req.Credential, req.SystemPrompt); err != nil {
		e.rollbackTurn(placeholder.ID)
		return nil, err
	}
	return placeholder, nil
}

// Edit replaces a user message and its old answers with a freshly answered
// copy carrying the new text. Non-user targets are a silent no-op.
func (e *Engine) Edit(ctx context.Context, req *chatSvc.EditRequest) (*chatSvc.SubmitResult, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := validation.ValidateStruct(req,
		validation.Field(&req.ConversationID, validation.Required),
		validation.Field(&req.MessageID, validation.Required),
		validation.Field(&req.Text, validation.Required),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if _, active := e.beacon.Claim(req.ConversationID); active {
		return nil, domain.ErrStreamActive
	}

	old, err := e.messageInConversation(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, err
	}
	if old.Role != chatModels.RoleUser {
		e.logger.Debug("edit declined for non-user message", "message_id", old.ID)
		return nil, nil
	}
	model := e.answerModel(ctx, old)

	userMsg := &chatModels.Message{
		ConversationID: req.ConversationID,
		ParentID:       old.ParentID,
		Role:           chatModels.RoleUser,
		Content:        req.Text,
		Model:          chatModels.ModelUser,
		IsComplete:     true,
		CreatedAt:      time.Now(),
	}

	var placeholder *chatModels.Message
	var turns []chatSvc.Turn
	err = e.execTx(ctx, func(txCtx context.Context) error {
		if err := e.messages.DeleteMessage(txCtx, old.ID); err != nil {
			return err
		}
		if err := e.messages.CreateMessage(txCtx, userMsg); err != nil {
			return err
		}

		history, err := e.messages.ListMessages(txCtx, req.ConversationID)
		if err != nil {
			return err
		}
		turns = pathTurns(history, &userMsg.ID)

		placeholder, err = e.createPlaceholder(txCtx, req.ConversationID, userMsg.ID, model)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.startStream(placeholder, turns, req.Credential, req.SystemPrompt); err != nil {
		e.rollbackTurn(userMsg.ID)
		return nil, err
	}
	return &chatSvc.SubmitResult{UserMessage: userMsg, AssistantMessage: placeholder}, nil
}

// Branch forks a conversation: every message created strictly before the cut
// message is copied, with fresh ids, into a new conversation. A user-authored
// cut message is re-submitted there so the branch gets its own answer.
func (e *Engine) Branch(ctx context.Context, req *chatSvc.BranchRequest) (string, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.ConversationID, validation.Required),
		validation.Field(&req.CutMessageID, validation.Required),
	); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	original, err := e.conversations.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	cut, err := e.messageInConversation(ctx, req.ConversationID, req.CutMessageID)
	if err != nil {
		return "", err
	}

	history, err := e.messages.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	branched := &chatModels.Conversation{
		OwnerID:   original.OwnerID,
		Title:     "Branch of: " + original.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var placeholder *chatModels.Message
	var turns []chatSvc.Turn
	err = e.execTx(ctx, func(txCtx context.Context) error {
		if err := e.conversations.CreateConversation(txCtx, branched); err != nil {
			return err
		}

		// Copies are re-linked as one sequential chain so the branch stays
		// a single path under the tree model.
		var prevID *string
		for _, msg := range history {
			if !msg.CreatedAt.Before(cut.CreatedAt) {
				continue
			}
			copied := &chatModels.Message{
				ConversationID: branched.ID,
				ParentID:       prevID,
				Role:           msg.Role,
				Content:        msg.Content,
				Reasoning:      msg.Reasoning,
				Model:          msg.Model,
				IsComplete:     msg.IsComplete,
				CreatedAt:      msg.CreatedAt,
			}
			if err := e.messages.CreateMessage(txCtx, copied); err != nil {
				return err
			}
			prevID = &copied.ID
		}

		if cut.Role != chatModels.RoleUser {
			return nil
		}

		userMsg := &chatModels.Message{
			ConversationID: branched.ID,
			ParentID:       prevID,
			Role:           chatModels.RoleUser,
			Content:        cut.Content,
			Model:          chatModels.ModelUser,
			IsComplete:     true,
			CreatedAt:      time.Now(),
		}
		if err := e.messages.CreateMessage(txCtx, userMsg); err != nil {
			return err
		}

		branchHistory, err := e.messages.ListMessages(txCtx, branched.ID)
		if err != nil {
			return err
		}
		turns = pathTurns(branchHistory, &userMsg.ID)

		placeholder, err = e.createPlaceholder(txCtx, branched.ID, userMsg.ID, e.answerModel(txCtx, cut))
		return err
	})
	if err != nil {
		return "", err
	}

	if placeholder == nil {
		// Assistant-authored cut: the branch ends at the copied prefix.
		return branched.ID, nil
	}

	if err := e.startStream(placeholder, turns, req.Credential, req.SystemPrompt); err != nil {
		return "", err
	}

	return branched.ID, nil
}

// DeleteMessage removes a message and its descendant subtree.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := e.messageInConversation(ctx, conversationID, messageID); err != nil {
		return err
	}
	return e.messages.DeleteMessage(ctx, messageID)
}

// Interrupt cancels the conversation's active stream, if any.
func (e *Engine) Interrupt(conversationID string) {
	if e.beacon.Cancel(conversationID) {
		e.logger.Info("stream interrupted", "conversation_id", conversationID)
	}
}

// Recover restarts an interrupted stream found on mount: the last message is
// an empty, incomplete assistant placeholder whose parent is a user message,
// no live stream claims it, and it is older than the guard window. Returns
// true when a restart was started.
func (e *Engine) Recover(ctx context.Context, conversationID string) (bool, error) {
	if _, active := e.beacon.Claim(conversationID); active {
		return false, nil
	}

	history, err := e.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return false, err
	}

	last := latestMessage(history)
	if last == nil {
		return false, nil
	}

	// A partially filled assistant message means a stream died mid-flight,
	// possibly in another process. Once its content goes still it is sealed
	// in place rather than restarted.
	if last.Role == chatModels.RoleAssistant && !last.IsComplete && !last.IsPlaceholder() {
		settled, err := e.settle.WaitSettled(ctx, last.ID)
		if err != nil {
			return false, err
		}
		if !settled {
			return false, nil
		}
		if err := e.messages.CompleteMessage(ctx, last.ID); err != nil {
			return false, err
		}
		e.beacon.Broadcast(conversationID, StreamUpdate{
			Kind:      UpdateComplete,
			MessageID: last.ID,
		})
		e.logger.Info("stalled stream finalized",
			"conversation_id", conversationID,
			"message_id", last.ID,
		)
		return true, nil
	}

	if !last.IsPlaceholder() || last.ParentID == nil {
		return false, nil
	}

	parent := findInHistory(history, *last.ParentID)
	if parent == nil || parent.Role != chatModels.RoleUser {
		return false, nil
	}

	guard := recoveryGuard
	if len(history) == 2 {
		// Fresh chat from the landing page: the placeholder is created
		// well before its stream begins.
		guard = freshChatRecoveryGuard
	}
	if time.Since(last.CreatedAt) < guard {
		return false, nil
	}

	turns := pathTurns(history, last.ParentID)
	if err := e.startStream(last, turns, "", nil); err != nil {
		return false, err
	}

	e.logger.Info("interrupted stream recovered",
		"conversation_id", conversationID,
		"message_id", last.ID,
	)
	return true, nil
}

// createPlaceholder persists the empty assistant message a stream fills in.
func (e *Engine) createPlaceholder(ctx context.Context, conversationID, parentID, model string) (*chatModels.Message, error) {
	placeholder := &chatModels.Message{
		ConversationID: conversationID,
		ParentID:       &parentID,
		Role:           chatModels.RoleAssistant,
		Model:          model,
		CreatedAt:      time.Now(),
	}
	if err := e.messages.CreateMessage(ctx, placeholder); err != nil {
		return nil, err
	}
	return placeholder, nil
}

// startStream claims the beacon and launches the background executor. The
// placeholder records the requested model; the wire request carries the
// resolved one.
func (e *Engine) startStream(placeholder *chatModels.Message, turns []chatSvc.Turn, credential string, systemPrompt *string) error {
	streamCtx, cancel := context.WithTimeout(context.Background(), e.streamTimeout)

	if err := e.beacon.Begin(placeholder.ConversationID, placeholder.ID, placeholder.Model, cancel); err != nil {
		cancel()
		return err
	}

	effective := ResolveEffectiveModel(placeholder.Model, credential != "", e.catalog)
	req := &chatSvc.CompletionRequest{
		Model:        effective,
		Turns:        turns,
		Credential:   credential,
		SystemPrompt: systemPrompt,
	}

	e.logger.Info("stream started",
		"conversation_id", placeholder.ConversationID,
		"message_id", placeholder.ID,
		"model", placeholder.Model,
		"effective_model", effective,
	)

	go func() {
		defer cancel()
		e.executor.run(streamCtx, placeholder.ConversationID, placeholder.ID, req)
	}()
	return nil
}

// rollbackTurn best-effort removes messages persisted before a stream failed
// to start.
func (e *Engine) rollbackTurn(messageID string) {
	if err := e.messages.DeleteMessage(context.Background(), messageID); err != nil {
		e.logger.Warn("rollback failed", "message_id", messageID, "error", err)
	}
}

// maybeAutoTitle names a still-untitled conversation after its first user
// message.
func (e *Engine) maybeAutoTitle(ctx context.Context, conversation *chatModels.Conversation, text string) {
	if conversation.HasBeenRenamed || conversation.Title != chatModels.DefaultTitle {
		return
	}

	title := text
	if len(title) > autoTitleMaxLen {
		title = strings.TrimSpace(title[:autoTitleMaxLen]) + "..."
	}
	if err := e.conversations.RenameConversation(ctx, conversation.ID, title, false); err != nil {
		e.logger.Warn("auto-title failed", "conversation_id", conversation.ID, "error", err)
	}
}

// messageInConversation loads a message and checks it belongs to the
// conversation the caller named.
func (e *Engine) messageInConversation(ctx context.Context, conversationID, messageID string) (*chatModels.Message, error) {
	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return msg, nil
}

// answerModel picks the model that should answer a user message: the model of
// its newest assistant child, or the free fallback when it was never answered.
// User messages themselves store the "user" sentinel, not a model id.
func (e *Engine) answerModel(ctx context.Context, source *chatModels.Message) string {
	for i := len(source.ChildrenIDs) - 1; i >= 0; i-- {
		child, err := e.messages.GetMessage(ctx, source.ChildrenIDs[i])
		if err != nil {
			continue
		}
		if child.Role == chatModels.RoleAssistant && child.Model != chatModels.ModelUser {
			return child.Model
		}
	}
	return FallbackModel
}

// latestMessage returns the most recently created message, nil when empty.
// History is oldest-first.
func latestMessage(history []chatModels.Message) *chatModels.Message {
	if len(history) == 0 {
		return nil
	}
	return &history[len(history)-1]
}

func findInHistory(history []chatModels.Message, id string) *chatModels.Message {
	for i := range history {
		if history[i].ID == id {
			return &history[i]
		}
	}
	return nil
}

// pathTurns builds the completion context: the ancestor chain from the root
// down to tipID inclusive, oldest first, content only. Empty placeholders on
// the path are skipped.
func pathTurns(history []chatModels.Message, tipID *string) []chatSvc.Turn {
	if tipID == nil {
		return nil
	}

	byID := make(map[string]*chatModels.Message, len(history))
	for i := range history {
		byID[history[i].ID] = &history[i]
	}

	var path []*chatModels.Message
	for id := tipID; id != nil; {
		msg, ok := byID[*id]
		if !ok {
			break
		}
		path = append(path, msg)
		id = msg.ParentID
	}

	turns := make([]chatSvc.Turn, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		msg := path[i]
		if msg.Content == "" {
			continue
		}
		turns = append(turns, chatSvc.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}
