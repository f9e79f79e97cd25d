package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"open3/internal/domain"
	chatSvc "open3/internal/domain/services/chat"
	"open3/internal/httputil"
)

// credentialHeader carries the caller's personal completion-provider API key.
// It is read per request and never stored.
const credentialHeader = "X-Provider-Key"

// Backend pairs the services of one persistence path.
type Backend struct {
	Engine        chatSvc.EngineService
	Conversations chatSvc.ConversationService
}

// ChatHandler handles conversation and message HTTP requests.
// Authenticated callers hit the record store, anonymous callers the
// device-local store; both run the same engine code.
type ChatHandler struct {
	remote *Backend
	local  *Backend
	logger *slog.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(remote, local *Backend, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		remote: remote,
		local:  local,
		logger: logger,
	}
}

// backend picks the persistence path for a request.
func (h *ChatHandler) backend(r *http.Request) *Backend {
	if httputil.GetUserID(r) != "" {
		return h.remote
	}
	return h.local
}

// authorizeConversation checks the conversation exists and belongs to the
// caller. Someone else's conversation reads as not found.
func (h *ChatHandler) authorizeConversation(r *http.Request, b *Backend, id string) error {
	conversation, err := b.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		return err
	}
	if conversation.OwnerID != httputil.GetUserID(r) {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CreateConversation creates a new conversation
// POST /api/conversations
func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req chatSvc.CreateConversationRequest
	if r.ContentLength > 0 {
		if err := httputil.ParseJSON(w, r, &req); err != nil {
			httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	req.OwnerID = httputil.GetUserID(r)

	conversation, err := h.backend(r).Conversations.CreateConversation(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, conversation)
}

// ListConversations retrieves the caller's conversations
// GET /api/conversations
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.backend(r).Conversations.ListConversations(r.Context(), httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conversations)
}

// GetConversation retrieves one conversation
// GET /api/conversations/{id}
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	conversation, err := b.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	if conversation.OwnerID != httputil.GetUserID(r) {
		httputil.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conversation)
}

// RenameConversation sets a user-chosen title
// PATCH /api/conversations/{id}
func (h *ChatHandler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	var req chatSvc.RenameConversationRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conversation, err := b.Conversations.RenameConversation(r.Context(), id, &req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conversation)
}

// DeleteConversation removes a conversation and its messages
// DELETE /api/conversations/{id}
func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	if err := b.Conversations.DeleteConversation(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMessages retrieves a conversation's messages, oldest first
// GET /api/conversations/{id}/messages
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	messages, err := b.Conversations.ListMessages(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, messages)
}

// Submit posts a user message and starts streaming its answer
// POST /api/conversations/{id}/messages
func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	var req chatSvc.SubmitRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ConversationID = id
	req.Credential = r.Header.Get(credentialHeader)

	result, err := b.Engine.Submit(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	// The stream continues in the background; watchers follow it over SSE.
	httputil.RespondJSON(w, http.StatusAccepted, result)
}

// Regenerate re-answers an existing user message
// POST /api/messages/{id}/regenerate
func (h *ChatHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	b := h.backend(r)

	var req chatSvc.RegenerateRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.FromUserMessageID = messageID
	req.Credential = r.Header.Get(credentialHeader)

	if err := h.authorizeConversation(r, b, req.ConversationID); err != nil {
		handleError(w, err)
		return
	}

	placeholder, err := b.Engine.Regenerate(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	if placeholder == nil {
		// Declined: the target was not a user message.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.RespondJSON(w, http.StatusAccepted, placeholder)
}

// Edit replaces a user message's text and re-answers it
// POST /api/messages/{id}/edit
func (h *ChatHandler) Edit(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	b := h.backend(r)

	var req chatSvc.EditRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.MessageID = messageID
	req.Credential = r.Header.Get(credentialHeader)

	if err := h.authorizeConversation(r, b, req.ConversationID); err != nil {
		handleError(w, err)
		return
	}

	result, err := b.Engine.Edit(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.RespondJSON(w, http.StatusAccepted, result)
}

// DeleteMessage removes a message and its descendant subtree
// DELETE /api/messages/{id}?conversation_id=:id
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation_id query parameter is required")
		return
	}
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, conversationID); err != nil {
		handleError(w, err)
		return
	}

	if err := b.Engine.DeleteMessage(r.Context(), conversationID, messageID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Branch forks a conversation at a cut message
// POST /api/conversations/{id}/branch
func (h *ChatHandler) Branch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	var req chatSvc.BranchRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ConversationID = id
	req.Credential = r.Header.Get(credentialHeader)

	branchedID, err := b.Engine.Branch(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, map[string]string{"conversation_id": branchedID})
}

// Interrupt cancels the conversation's active stream
// POST /api/conversations/{id}/interrupt
func (h *ChatHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	b.Engine.Interrupt(id)
	w.WriteHeader(http.StatusNoContent)
}

// Recover restarts an interrupted stream if one is found
// POST /api/conversations/{id}/recover
func (h *ChatHandler) Recover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b := h.backend(r)

	if err := h.authorizeConversation(r, b, id); err != nil {
		handleError(w, err)
		return
	}

	recovered, err := b.Engine.Recover(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]bool{"recovered": recovered})
}
