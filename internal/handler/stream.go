package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"open3/internal/handler/sse"
	chatService "open3/internal/service/chat"
)

// StreamHandler serves the live feed of a conversation's active stream over
// SSE. Any number of watchers can follow the same conversation; each gets the
// deltas broadcast through the beacon.
type StreamHandler struct {
	beacon    *chatService.Beacon
	sseConfig *sse.Config
	logger    *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(beacon *chatService.Beacon, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		beacon:    beacon,
		sseConfig: sse.DefaultConfig(),
		logger:    logger,
	}
}

// Watch follows a conversation's stream updates
// GET /api/conversations/{id}/stream
func (h *StreamHandler) Watch(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID, updates, status, active := h.beacon.Attach(conversationID)
	defer h.beacon.Unsubscribe(conversationID, clientID)

	writer := sse.NewStreamWriter(w, flusher, conversationID, clientID)

	// A watcher joining mid-stream gets the text accumulated so far as one
	// catch-up delta before the live feed.
	if active && (status.Content != "" || status.Reasoning != "") {
		payload, err := json.Marshal(chatService.StreamUpdate{
			Kind:      chatService.UpdateDelta,
			MessageID: status.MessageID,
			Content:   status.Content,
			Reasoning: status.Reasoning,
		})
		if err == nil {
			if err := writer.WriteEvent(payload); err != nil {
				return
			}
		}
	}

	keepAlive := sse.NewTickerKeepAlive(h.sseConfig.KeepAliveInterval)
	keepAliveDone := keepAlive.Start(writer, h.logger)
	defer keepAlive.Stop()

	h.logger.Debug("stream watcher attached",
		"conversation_id", conversationID,
		"client_id", clientID,
	)

	for {
		select {
		case update, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				h.logger.Error("failed to marshal stream update",
					"conversation_id", conversationID,
					"error", err,
				)
				continue
			}
			if err := writer.WriteEvent(payload); err != nil {
				h.logger.Debug("stream watcher write failed",
					"conversation_id", conversationID,
					"client_id", clientID,
					"error", err,
				)
				return
			}
			if update.Kind != chatService.UpdateDelta {
				// Terminal frame delivered; the watcher reconnects for the
				// next stream.
				return
			}

		case <-keepAliveDone:
			// Keep-alive write failed, the connection is gone.
			return

		case <-r.Context().Done():
			h.logger.Debug("stream watcher disconnected",
				"conversation_id", conversationID,
				"client_id", clientID,
			)
			return
		}
	}
}
