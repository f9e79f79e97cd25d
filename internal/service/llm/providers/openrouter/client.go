// Package openrouter streams chat completions from the OpenRouter API.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	chatSvc "open3/internal/domain/services/chat"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Client implements CompletionProvider against the OpenRouter
// chat/completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client. apiKey is the server's own key, used when a
// request carries no credential of its own.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// No overall timeout; streams run until the context ends.
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openrouter"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamCompletion opens a streaming completion. Authentication failures are
// reported as *ProviderError before any event is emitted; the returned
// channel closes when the upstream stream ends.
func (c *Client) StreamCompletion(ctx context.Context, req *chatSvc.CompletionRequest) (<-chan chatSvc.StreamEvent, error) {
	messages := make([]chatMessage, 0, len(req.Turns)+1)
	if req.SystemPrompt != nil && *req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: *req.SystemPrompt})
	}
	for _, turn := range req.Turns {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}

	body, err := json.Marshal(completionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}

	key := c.apiKey
	if req.Credential != "" {
		key = req.Credential
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call openrouter: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &chatSvc.ProviderError{Message: "Bad API Key"}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var parsed apiError
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
			return nil, &chatSvc.ProviderError{Message: parsed.Error.Message}
		}
		return nil, &chatSvc.ProviderError{Message: fmt.Sprintf("openrouter returned status %d", resp.StatusCode)}
	}

	events := make(chan chatSvc.StreamEvent)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream parses the SSE body line by line and forwards deltas. Sends race
// ctx so a consumer that stops receiving cannot strand the reader mid-send.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- chatSvc.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// OpenRouter interleaves comment payloads; skip anything that
			// is not a chunk.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" && !send(ctx, events, chatSvc.StreamEvent{Content: delta.Content}) {
			return
		}
		if delta.Reasoning != "" && !send(ctx, events, chatSvc.StreamEvent{Reasoning: delta.Reasoning}) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, events, chatSvc.StreamEvent{Err: fmt.Errorf("read openrouter stream: %w", err)})
	}
}

func send(ctx context.Context, events chan<- chatSvc.StreamEvent, ev chatSvc.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
