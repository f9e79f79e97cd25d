package chat

import (
	"context"
)

// Turn is one role-tagged message of completion-request context, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEvent is one incremental fragment emitted by the completion provider.
// Content and Reasoning deltas are append-only concatenation; delivery order
// is the provider's send order over a single long-lived call. Err is set when
// the transport fails mid-stream, after which the channel closes.
type StreamEvent struct {
	Content   string
	Reasoning string
	Err       error
}

// CompletionRequest describes one completion stream.
type CompletionRequest struct {
	// Model is the effective model identifier (already resolved by policy).
	Model string

	// Turns is the ordered conversation context including the new user turn.
	Turns []Turn

	// Credential is an optional caller-supplied personal API key. Empty means
	// the service key.
	Credential string

	// SystemPrompt optionally prepends a system turn.
	SystemPrompt *string
}

// ProviderError is a structured provider failure (bad API key, rejected
// request). It is yielded instead of a transport error so the engine can
// render it as the assistant message's final content.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// CompletionProvider is the opaque token-stream source the engine consumes.
type CompletionProvider interface {
	// Name returns the provider name (e.g. "openrouter", "lorem").
	Name() string

	// StreamCompletion starts a completion stream. Authentication failures
	// return a *ProviderError; the returned channel closes when the provider
	// has no more deltas, which is the only end-of-stream signal.
	StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)
}
