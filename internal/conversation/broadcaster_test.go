// ABOUTME: Tests for EventBroadcaster fan-out pub/sub system
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(threadID uuid.UUID, seq int) StreamEvent {
	return StreamEvent{
		Kind:     EventTokenDelta,
		ThreadID: threadID,
		TurnID:   "turn-1",
		Seq:      seq,
		Text:     "hello",
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	thread := uuid.New()
	ch, _ := b.Subscribe(t.Context(), thread)

	b.Publish(makeEvent(thread, 1))

	select {
	case received := <-ch:
		assert.Equal(t, 1, received.Seq)
		assert.Equal(t, thread, received.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	thread := uuid.New()

	ch1, _ := b.Subscribe(ctx, thread)
	ch2, _ := b.Subscribe(ctx, thread)
	ch3, _ := b.Subscribe(ctx, thread)
	assert.Equal(t, 3, b.Watchers(thread))

	b.Publish(makeEvent(thread, 2))

	for i, ch := range []<-chan StreamEvent{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, 2, received.Seq, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_DifferentThreadsAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	threadA, threadB := uuid.New(), uuid.New()

	ch1, _ := b.Subscribe(ctx, threadA)
	ch2, _ := b.Subscribe(ctx, threadB)

	b.Publish(makeEvent(threadA, 3))

	select {
	case received := <-ch1:
		assert.Equal(t, 3, received.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber for thread A timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for thread B should not receive events for thread A")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	thread := uuid.New()

	// Subscribe but never read from the first channel
	_, _ = b.Subscribe(ctx, thread)
	ch2, _ := b.Subscribe(ctx, thread)

	published := make(chan struct{})
	go func() {
		for i := range 100 {
			b.Publish(makeEvent(thread, i+1))
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Len(t, ch2, subscriberBufferSize, "fast consumer buffer should have filled")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	thread := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, thread)
	assert.Equal(t, 1, b.Watchers(thread))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.Watchers(thread))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	thread := uuid.New()
	ch, subID := b.Subscribe(t.Context(), thread)

	b.Unsubscribe(thread, subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	b.Publish(makeEvent(thread, 1))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewEventBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), uuid.New())
	ch2, _ := b.Subscribe(t.Context(), uuid.New())

	b.Close()

	for i, ch := range []<-chan StreamEvent{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	thread := uuid.New()

	for range 10 {
		wg.Go(func() {
			subCtx, subCancel := context.WithCancel(ctx)
			defer subCancel()
			ch, _ := b.Subscribe(subCtx, thread)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for i := range 10 {
				b.Publish(makeEvent(thread, i))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	thread := uuid.New()

	_, id1 := b.Subscribe(ctx, thread)
	_, id2 := b.Subscribe(ctx, thread)
	_, id3 := b.Subscribe(ctx, uuid.New())

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}
