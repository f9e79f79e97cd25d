package chat

import (
	"context"
	"errors"
	"log/slog"

	chatRepo "open3/internal/domain/repositories/chat"
	chatSvc "open3/internal/domain/services/chat"
)

// errorMessagePrefix is what users see when a completion fails.
const errorMessagePrefix = "Error processing your request: "

// streamExecutor drives one completion stream into a placeholder message:
// every delta is appended to the store and broadcast through the beacon, and
// the message is always finalized, whether the stream ends, errors, or is
// interrupted.
type streamExecutor struct {
	messages chatRepo.MessageRepository
	provider chatSvc.CompletionProvider
	beacon   *Beacon
	logger   *slog.Logger
}

// run executes one stream to completion. It is called on its own goroutine;
// ctx carries the stream's cancellation and timeout only, persistence uses a
// background context so final writes land even after interruption.
func (x *streamExecutor) run(ctx context.Context, conversationID, messageID string, req *chatSvc.CompletionRequest) {
	events, err := x.provider.StreamCompletion(ctx, req)
	if err != nil {
		x.fail(conversationID, messageID, err)
		return
	}

	for event := range events {
		if ctx.Err() != nil {
			x.interrupt(conversationID, messageID)
			return
		}
		if event.Err != nil {
			x.fail(conversationID, messageID, event.Err)
			return
		}

		if event.Content != "" {
			if err := x.messages.AppendMessageContent(context.Background(), messageID, event.Content); err != nil {
				x.logger.Error("append content failed", "message_id", messageID, "error", err)
				x.finish(conversationID, messageID, UpdateError)
				return
			}
			x.beacon.Broadcast(conversationID, StreamUpdate{
				Kind:      UpdateDelta,
				MessageID: messageID,
				Content:   event.Content,
			})
		}
		if event.Reasoning != "" {
			if err := x.messages.AppendMessageReasoning(context.Background(), messageID, event.Reasoning); err != nil {
				x.logger.Error("append reasoning failed", "message_id", messageID, "error", err)
				x.finish(conversationID, messageID, UpdateError)
				return
			}
			x.beacon.Broadcast(conversationID, StreamUpdate{
				Kind:      UpdateDelta,
				MessageID: messageID,
				Reasoning: event.Reasoning,
			})
		}
	}

	if ctx.Err() != nil {
		x.interrupt(conversationID, messageID)
		return
	}
	x.finish(conversationID, messageID, UpdateComplete)
}

// interrupt releases the claim without completing the message. Whatever
// content arrived stays, is_complete remains false, and recovery decides
// what happens on the next mount.
func (x *streamExecutor) interrupt(conversationID, messageID string) {
	x.beacon.Finish(conversationID, StreamUpdate{
		Kind:      UpdateInterrupted,
		MessageID: messageID,
	})
}

// fail records a user-visible error line on the message and finalizes it.
func (x *streamExecutor) fail(conversationID, messageID string, cause error) {
	reason := cause.Error()
	var provErr *chatSvc.ProviderError
	if errors.As(cause, &provErr) {
		reason = provErr.Message
	}

	text := errorMessagePrefix + reason
	if err := x.messages.AppendMessageContent(context.Background(), messageID, text); err != nil {
		x.logger.Error("append error text failed", "message_id", messageID, "error", err)
	}

	x.logger.Warn("completion stream failed",
		"conversation_id", conversationID,
		"message_id", messageID,
		"reason", reason,
	)

	x.complete(messageID)
	x.beacon.Finish(conversationID, StreamUpdate{
		Kind:      UpdateError,
		MessageID: messageID,
		Error:     reason,
	})
}

// finish marks the message complete and releases the beacon claim.
func (x *streamExecutor) finish(conversationID, messageID string, kind UpdateKind) {
	x.complete(messageID)
	x.beacon.Finish(conversationID, StreamUpdate{
		Kind:      kind,
		MessageID: messageID,
	})
}

func (x *streamExecutor) complete(messageID string) {
	if err := x.messages.CompleteMessage(context.Background(), messageID); err != nil {
		x.logger.Error("complete message failed", "message_id", messageID, "error", err)
	}
}
