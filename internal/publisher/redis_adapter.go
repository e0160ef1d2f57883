package publisher

import (
	"context"
	"sync"

	"github.com/flowstream/eventcore/internal/streaming"
)

// RedisAdapter wraps a streaming.RedisBackend to satisfy Backend,
// translating between streaming.StoredEvent and the Publisher Core's
// backend-agnostic Event.
type RedisAdapter struct {
	backend *streaming.RedisBackend

	mu            sync.Mutex
	subscriptions map[<-chan Event]chan streaming.StoredEvent
}

// NewRedisAdapter wraps backend for use as a Publisher Core Backend.
func NewRedisAdapter(backend *streaming.RedisBackend) *RedisAdapter {
	return &RedisAdapter{
		backend:       backend,
		subscriptions: make(map[<-chan Event]chan streaming.StoredEvent),
	}
}

func (a *RedisAdapter) Publish(ctx context.Context, channel, eventType string, payload map[string]interface{}, meta string) (Event, error) {
	stored, err := a.backend.Publish(ctx, channel, eventType, payload, meta)
	if err != nil {
		return Event{}, err
	}
	return fromStored(stored), nil
}

// SubscribeFrom translates the backend's StoredEvent channel into an Event
// channel on a forwarding goroutine, tracking the pairing so Unsubscribe
// can find and release the underlying backend subscription.
func (a *RedisAdapter) SubscribeFrom(channel string, buffer int, lastEventID string) <-chan Event {
	storedCh := a.backend.SubscribeFrom(channel, buffer, lastEventID)
	out := make(chan Event, buffer)

	a.mu.Lock()
	a.subscriptions[out] = storedCh
	a.mu.Unlock()

	go func() {
		defer close(out)
		for evt := range storedCh {
			out <- fromStored(evt)
		}
	}()
	return out
}

func (a *RedisAdapter) Unsubscribe(channel string, ch <-chan Event) {
	a.mu.Lock()
	storedCh, ok := a.subscriptions[ch]
	if ok {
		delete(a.subscriptions, ch)
	}
	a.mu.Unlock()
	if ok {
		a.backend.Unsubscribe(channel, storedCh)
	}
}

func fromStored(evt streaming.StoredEvent) Event {
	return Event{ID: evt.ID, Type: evt.Type, Payload: evt.Payload, TypeMeta: evt.TypeMeta, Meta: evt.Meta}
}
