package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertSilent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		SessionID: "s1",
		StepID:    "fetch",
		EventType: "step_completed",
		Sequence:  3,
	}))

	got := receive(t, ch)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "fetch", got.StepID)
	assert.Equal(t, int64(3), got.Sequence)
}

func TestFilterBySession(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s2", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "step_completed"}))

	assert.Equal(t, "s1", receive(t, ch).SessionID)
	assertSilent(t, ch)
}

func TestWildcardSubscriberSeesAllSessions(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "a", EventType: "x"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "b", EventType: "x"}))

	assert.Equal(t, "a", receive(t, ch).SessionID)
	assert.Equal(t, "b", receive(t, ch).SessionID)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		SessionID:  "s1",
		EventTypes: []string{"workflow_completed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "workflow_completed"}))

	assert.Equal(t, "workflow_completed", receive(t, ch).EventType)
	assertSilent(t, ch)
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "early"}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	assertSilent(t, ch)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	var dropped atomic.Int64
	hub := NewMemoryHub(WithBuffer(1), WithDropHandler(func(StreamEvent) { dropped.Add(1) }))
	ctx := context.Background()

	slow, cancelSlow, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancelSlow()
	fast, cancelFast, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "tick", Sequence: int64(i + 1)})
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, int64(1), receive(t, slow).Sequence)
	assert.Equal(t, int64(4), dropped.Load())
}

func TestCancelClosesChannelAndIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount("s1"))

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.SubscriberCount("s1"))
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{SessionID: "s1"}))
}

func TestContextCancellationDetaches(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return hub.SubscriberCount("s1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
			if err == nil {
				cancel()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.SubscriberCount("s1"))
}

func TestSubscribeWithCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
}
