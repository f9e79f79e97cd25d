package chat

import (
	"context"
	"log/slog"
	"time"

	chatRepo "open3/internal/domain/repositories/chat"
)

const (
	// DefaultSettleInterval is the poll spacing of the settle heuristic.
	DefaultSettleInterval = 1 * time.Second

	// DefaultSettleMaxWait bounds a single WaitSettled call.
	DefaultSettleMaxWait = 10 * time.Minute
)

// SettleWatcher infers that a message has stopped streaming by polling its
// stored content: the instant two consecutive reads return identical
// non-empty content, the message is considered settled. The heuristic
// re-arms whenever content changes again, so a brief pause in deltas only
// delays detection by one poll.
//
// Used on the record-store path, where watchers in other processes have no
// beacon to consult and the transport gives no explicit end-of-stream
// signal.
type SettleWatcher struct {
	messages chatRepo.MessageRepository
	interval time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
}

// NewSettleWatcher creates a watcher. Zero durations take the defaults.
func NewSettleWatcher(messages chatRepo.MessageRepository, interval, maxWait time.Duration, logger *slog.Logger) *SettleWatcher {
	if interval <= 0 {
		interval = DefaultSettleInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultSettleMaxWait
	}
	return &SettleWatcher{
		messages: messages,
		interval: interval,
		maxWait:  maxWait,
		logger:   logger,
	}
}

// WaitSettled blocks until the message settles, the context ends, or the
// maximum wait elapses. Returns true only for a genuine settle: either
// is_complete was observed or content went still.
func (w *SettleWatcher) WaitSettled(ctx context.Context, messageID string) (bool, error) {
	deadline := time.NewTimer(w.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var previous string
	var seeded bool

	for {
		msg, err := w.messages.GetMessage(ctx, messageID)
		if err != nil {
			return false, err
		}
		if msg.IsComplete {
			return true, nil
		}

		current := msg.Content + "\x00" + msg.Reasoning
		if seeded && msg.Content != "" && current == previous {
			return true, nil
		}
		previous = current
		seeded = true

		select {
		case <-ticker.C:
		case <-deadline.C:
			w.logger.Warn("settle watch gave up", "message_id", messageID)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
