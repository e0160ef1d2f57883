package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowstream/eventcore/internal/streaming"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := streaming.NewRedisBackend(client, "test:", 100, zaptest.NewLogger(t))
	adapter := NewRedisAdapter(backend)
	return New(adapter, zaptest.NewLogger(t))
}

func TestPublisher_SubscribeListenerReceivesPublishedEvents(t *testing.T) {
	p := newTestPublisher(t)

	received := make(chan Event, 4)
	unsub := p.Subscribe("room-1", func(evt Event) { received <- evt }, "")
	defer unsub()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.Publish(context.Background(), "room-1", "MESSAGE", map[string]interface{}{"n": float64(1)}, ""))

	select {
	case evt := <-received:
		require.Equal(t, float64(1), evt.Payload["n"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listener delivery")
	}
}

func TestPublisher_UnsubscribeStopsDelivery(t *testing.T) {
	p := newTestPublisher(t)

	received := make(chan Event, 4)
	unsub := p.Subscribe("room-1", func(evt Event) { received <- evt }, "")
	time.Sleep(50 * time.Millisecond)
	unsub()

	require.NoError(t, p.Publish(context.Background(), "room-1", "MESSAGE", nil, ""))

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventIterator_DeliversPublishedEventsInOrder(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	it := p.SubscribeIterator(ctx, "room-1", IteratorOptions{})
	defer it.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Publish(ctx, "room-1", "MESSAGE", map[string]interface{}{"n": float64(1)}, ""))
	require.NoError(t, p.Publish(ctx, "room-1", "MESSAGE", map[string]interface{}{"n": float64(2)}, ""))

	first, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(1), first.Payload["n"])

	second, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(2), second.Payload["n"])
}

func TestEventIterator_KeepLatestDropsIntermediateEvents(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	it := p.SubscribeIterator(ctx, "room-1", IteratorOptions{MaxBufferedEvents: KeepLatest()})
	defer it.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Publish(ctx, "room-1", "MESSAGE", map[string]interface{}{"n": float64(1)}, ""))
	require.NoError(t, p.Publish(ctx, "room-1", "MESSAGE", map[string]interface{}{"n": float64(2)}, ""))
	require.NoError(t, p.Publish(ctx, "room-1", "MESSAGE", map[string]interface{}{"n": float64(3)}, ""))
	time.Sleep(50 * time.Millisecond)

	evt, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(3), evt.Payload["n"])
}

func TestEventIterator_CancelRejectsWaitingNext(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	it := p.SubscribeIterator(ctx, "room-1", IteratorOptions{})

	reason := errors.New("caller aborted")
	go func() {
		time.Sleep(50 * time.Millisecond)
		it.Cancel(reason)
	}()

	_, ok, err := it.Next(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, reason)
}

func TestEventIterator_CloseEndsIteratorWithoutError(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	it := p.SubscribeIterator(ctx, "room-1", IteratorOptions{})
	it.Close()

	_, ok, err := it.Next(context.Background())
	require.False(t, ok)
	require.NoError(t, err)
}
