// ABOUTME: In-memory fan-out of live turn events to watchers of a thread
// ABOUTME: Publishing never blocks; slow watchers lose events instead of stalling the turn

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each watcher.
	subscriberBufferSize = 64
)

// EventBroadcaster provides in-memory pub/sub for StreamEvents.
// Watchers register for a thread and receive the events of every turn run
// on it, regardless of which client submitted the turn.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[string]chan StreamEvent // threadID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[uuid.UUID]map[string]chan StreamEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a watcher for a thread.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, threadID uuid.UUID) (<-chan StreamEvent, string) {
	subID := uuid.New().String()
	ch := make(chan StreamEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan StreamEvent)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"thread_id", threadID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all watchers of its thread.
// Non-blocking: events are dropped for watchers whose channels are full.
func (b *EventBroadcaster) Publish(event StreamEvent) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.ThreadID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"thread_id", event.ThreadID,
				"sub_id", subID,
				"seq", event.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(threadID uuid.UUID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("subscriber removed",
		"thread_id", threadID,
		"sub_id", subID)
}

// Watchers returns the number of active subscriptions for a thread.
func (b *EventBroadcaster) Watchers(threadID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[threadID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("broadcaster closed")
}
