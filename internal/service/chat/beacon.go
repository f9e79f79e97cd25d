package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"open3/internal/domain"
)

// UpdateKind classifies a beacon broadcast.
type UpdateKind string

const (
	UpdateDelta       UpdateKind = "delta"
	UpdateComplete    UpdateKind = "complete"
	UpdateInterrupted UpdateKind = "interrupted"
	UpdateError       UpdateKind = "error"
)

// StreamUpdate is one broadcast from an active stream to its watchers.
type StreamUpdate struct {
	Kind      UpdateKind `json:"kind"`
	MessageID string     `json:"message_id"`
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// streamClaim records the single active stream of a conversation along with
// the text accumulated so far, so watchers joining mid-stream can catch up.
type streamClaim struct {
	messageID string
	model     string
	content   string
	reasoning string
	startedAt time.Time
	cancel    context.CancelFunc
}

// StreamStatus is a point-in-time snapshot of a conversation's active stream.
type StreamStatus struct {
	MessageID string    `json:"message_id"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning"`
	StartedAt time.Time `json:"started_at"`
}

// Beacon tracks which conversations have an active stream and broadcasts
// stream updates to subscribed watchers.
//
// Design:
//   - At most one claim per conversation; a second Begin fails
//   - Watchers subscribe per conversation and survive across streams
//   - Slow watchers are skipped, not blocked on
type Beacon struct {
	claims      map[string]*streamClaim
	subscribers map[string]map[string]chan StreamUpdate
	mu          sync.RWMutex
}

// NewBeacon creates an empty beacon.
func NewBeacon() *Beacon {
	return &Beacon{
		claims:      make(map[string]*streamClaim),
		subscribers: make(map[string]map[string]chan StreamUpdate),
	}
}

// Begin claims the conversation for a stream filling messageID. The cancel
// function is invoked by Cancel to interrupt the stream. Returns
// ErrStreamActive when the conversation already has a claim.
func (b *Beacon) Begin(conversationID, messageID, model string, cancel context.CancelFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.claims[conversationID]; exists {
		return domain.ErrStreamActive
	}

	b.claims[conversationID] = &streamClaim{
		messageID: messageID,
		model:     model,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	return nil
}

// Claim returns the message id of the conversation's active stream, if any.
func (b *Beacon) Claim(conversationID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	claim, ok := b.claims[conversationID]
	if !ok {
		return "", false
	}
	return claim.messageID, true
}

// Cancel interrupts the conversation's active stream. The claim itself is
// released by Finish when the stream goroutine winds down. Returns false
// when nothing is streaming.
func (b *Beacon) Cancel(conversationID string) bool {
	b.mu.RLock()
	claim, ok := b.claims[conversationID]
	b.mu.RUnlock()

	if !ok {
		return false
	}
	claim.cancel()
	return true
}

// Status returns a snapshot of the conversation's active stream, if any.
func (b *Beacon) Status(conversationID string) (StreamStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	claim, ok := b.claims[conversationID]
	if !ok {
		return StreamStatus{}, false
	}
	return StreamStatus{
		MessageID: claim.messageID,
		Model:     claim.model,
		Content:   claim.content,
		Reasoning: claim.reasoning,
		StartedAt: claim.startedAt,
	}, true
}

// Broadcast sends an update to all watchers of a conversation. Delta text is
// also folded into the claim so Status reflects the stream so far. Watchers
// with full channels are skipped; they catch up from persisted state on
// reconnect.
func (b *Beacon) Broadcast(conversationID string, update StreamUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if claim, ok := b.claims[conversationID]; ok && update.Kind == UpdateDelta {
		claim.content += update.Content
		claim.reasoning += update.Reasoning
	}

	for _, ch := range b.subscribers[conversationID] {
		select {
		case ch <- update:
		default:
		}
	}
}

// Finish broadcasts a terminal update and releases the conversation's claim.
func (b *Beacon) Finish(conversationID string, update StreamUpdate) {
	b.Broadcast(conversationID, update)

	b.mu.Lock()
	delete(b.claims, conversationID)
	b.mu.Unlock()
}

// Subscribe registers a watcher for a conversation. The returned channel
// stays open across streams; callers must Unsubscribe when done.
func (b *Beacon) Subscribe(conversationID string) (string, <-chan StreamUpdate) {
	clientID, ch, _, _ := b.Attach(conversationID)
	return clientID, ch
}

// Attach subscribes a watcher and snapshots the active stream in one step, so
// the snapshot ends exactly where the channel's deltas begin. Callers must
// Unsubscribe when done.
func (b *Beacon) Attach(conversationID string) (string, <-chan StreamUpdate, StreamStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clientID := uuid.NewString()
	ch := make(chan StreamUpdate, 20)

	if b.subscribers[conversationID] == nil {
		b.subscribers[conversationID] = make(map[string]chan StreamUpdate)
	}
	b.subscribers[conversationID][clientID] = ch

	claim, ok := b.claims[conversationID]
	if !ok {
		return clientID, ch, StreamStatus{}, false
	}
	return clientID, ch, StreamStatus{
		MessageID: claim.messageID,
		Model:     claim.model,
		Content:   claim.content,
		Reasoning: claim.reasoning,
		StartedAt: claim.startedAt,
	}, true
}

// SubscriberCount reports how many watchers a conversation has.
func (b *Beacon) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a watcher and closes its channel. Safe to call for an
// already removed watcher.
func (b *Beacon) Unsubscribe(conversationID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[conversationID][clientID]; exists {
		close(ch)
		delete(b.subscribers[conversationID], clientID)
		if len(b.subscribers[conversationID]) == 0 {
			delete(b.subscribers, conversationID)
		}
	}
}
