// Package lorem is a mock completion provider that streams lorem ipsum text.
// Used for development and tests without real API keys.
package lorem

import (
	"context"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	chatSvc "open3/internal/domain/services/chat"
)

// Provider streams generated placeholder text word by word.
type Provider struct {
	generator *loremgen.Lorem
}

// NewProvider creates a new lorem provider.
func NewProvider() *Provider {
	return &Provider{
		generator: loremgen.New(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "lorem"
}

// getStreamDelay returns the delay between words based on the model name.
// - lorem-slow: 2 words/second
// - lorem-fast: 30 words/second
// - default: 10 words/second
func getStreamDelay(model string) time.Duration {
	if strings.Contains(model, "slow") {
		return 500 * time.Millisecond
	}
	if strings.Contains(model, "fast") {
		return 33 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// StreamCompletion streams a generated paragraph. Models containing
// "reasoning" emit a short reasoning preamble before the content.
func (p *Provider) StreamCompletion(ctx context.Context, req *chatSvc.CompletionRequest) (<-chan chatSvc.StreamEvent, error) {
	delay := getStreamDelay(req.Model)
	withReasoning := strings.Contains(req.Model, "reasoning")

	events := make(chan chatSvc.StreamEvent, 10)

	go func() {
		defer close(events)

		if withReasoning {
			if err := p.streamWords(ctx, events, p.generator.Sentence(5, 10), delay, true); err != nil {
				return
			}
		}
		_ = p.streamWords(ctx, events, p.generator.Paragraph(2, 4), delay, false)
	}()

	return events, nil
}

// streamWords emits text one word at a time, honoring cancellation.
func (p *Provider) streamWords(ctx context.Context, events chan<- chatSvc.StreamEvent, text string, delay time.Duration, reasoning bool) error {
	words := strings.Fields(text)
	for i, word := range words {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delta := word
		if i < len(words)-1 {
			delta += " "
		}

		event := chatSvc.StreamEvent{Content: delta}
		if reasoning {
			event = chatSvc.StreamEvent{Reasoning: delta}
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
