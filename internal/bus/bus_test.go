// ABOUTME: Tests for the in-process bus
// ABOUTME: Covers fan-out, ordering, drop-on-full, late subscribers and cleanup

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/store"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestBus_SubscribersReceiveNewMessage(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, _ := b.NewMessage.Subscribe(t.Context(), 0)
	ch2, _ := b.NewMessage.Subscribe(t.Context(), 0)

	delivered := b.NewMessage.Publish(NewMessage{ID: "m1", ChannelID: "c1"})
	assert.Equal(t, 2, delivered)

	assert.Equal(t, "m1", receive(t, ch1).ID)
	assert.Equal(t, "m1", receive(t, ch2).ID)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	msgs, _ := b.NewMessage.Subscribe(t.Context(), 0)
	updates, _ := b.ServerAgentUpdate.Subscribe(t.Context(), 0)

	b.ServerAgentUpdate.Publish(ServerAgentUpdate{Type: UpdateAdded, ServerID: "s1", AgentID: "a1"})

	got := receive(t, updates)
	assert.Equal(t, UpdateAdded, got.Type)
	assert.Equal(t, "a1", got.AgentID)

	select {
	case m := <-msgs:
		t.Fatalf("unexpected message %v", m)
	default:
	}
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.NewMessage.Subscribe(t.Context(), 100)
	for i := range 50 {
		b.NewMessage.Publish(NewMessage{ID: fmt.Sprintf("m%02d", i)})
	}

	for i := range 50 {
		assert.Equal(t, fmt.Sprintf("m%02d", i), receive(t, ch).ID)
	}
}

func TestBus_DropsWhenSubscriberIsFull(t *testing.T) {
	b := New(nil)
	defer b.Close()

	slow, _ := b.NewMessage.Subscribe(t.Context(), 1)
	fast, _ := b.NewMessage.Subscribe(t.Context(), 10)

	assert.Equal(t, 2, b.NewMessage.Publish(NewMessage{ID: "first"}))
	// slow is full now; publishing must not block
	assert.Equal(t, 1, b.NewMessage.Publish(NewMessage{ID: "second"}))

	assert.Equal(t, "first", receive(t, slow).ID)
	select {
	case m := <-slow:
		t.Fatalf("slow subscriber should have missed %q", m.ID)
	default:
	}

	assert.Equal(t, "first", receive(t, fast).ID)
	assert.Equal(t, "second", receive(t, fast).ID)
}

func TestBus_LateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New(nil)
	defer b.Close()

	assert.Equal(t, 0, b.NewMessage.Publish(NewMessage{ID: "early"}))

	ch, _ := b.NewMessage.Subscribe(t.Context(), 0)
	b.NewMessage.Publish(NewMessage{ID: "late"})

	assert.Equal(t, "late", receive(t, ch).ID)
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.NewMessage.Subscribe(ctx, 0)
	require.Equal(t, 1, b.NewMessage.SubscriberCount())

	cancel()

	require.Eventually(t, func() bool {
		return b.NewMessage.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBus_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, id := b.NewMessage.Subscribe(t.Context(), 0)
	b.NewMessage.Unsubscribe(id)
	b.NewMessage.Unsubscribe(id)
	assert.Equal(t, 0, b.NewMessage.SubscriberCount())
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := New(nil)

	ch, _ := b.NewMessage.Subscribe(t.Context(), 0)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.NewMessage.Publish(NewMessage{ID: "after"}))

	late, _ := b.NewMessage.Subscribe(t.Context(), 0)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus returns a closed channel")
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			ch, _ := b.NewMessage.Subscribe(ctx, 4)
			for j := range 10 {
				b.NewMessage.Publish(NewMessage{ID: fmt.Sprintf("%d-%d", i, j)})
			}
			cancel()
			for range ch {
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return b.NewMessage.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFromRootMessage(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &store.RootMessage{
		ID:                     "m1",
		ChannelID:              "c1",
		AuthorID:               "u1",
		Content:                "hi",
		InReplyToRootMessageID: "m0",
		SourceType:             "matrix",
		SourceID:               "$e",
		Metadata:               store.Document(`{"displayName":"Uma"}`),
		CreatedAt:              created,
		UpdatedAt:              created,
	}
	channel := &store.MessageChannel{ID: "c1", MessageServerID: "s1", Type: store.ChannelTypeDM}

	got := FromRootMessage(msg, channel)
	assert.Equal(t, "s1", got.ServerID)
	assert.Equal(t, store.ChannelTypeDM, got.ChannelType)
	assert.Equal(t, "Uma", got.AuthorDisplayName)
	assert.Equal(t, "m0", got.InReplyToRootMessageID)
	assert.Equal(t, created, got.CreatedAt)
}
