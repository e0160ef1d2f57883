// Package publisher implements the Publisher Core: the backend-agnostic
// façade exposing publish(channel, payload), a callback-style subscribe,
// and a bounded-buffer async-iterator subscribe, delegating storage and
// fan-out to a Backend (the Redis or embedded implementations).
package publisher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/serializer"
	"github.com/flowstream/eventcore/internal/tracing"
)

// Event is the backend-agnostic shape a Publisher deals in: a decoded
// payload plus the store-assigned id and optional retry hint. TypeMeta is
// the event serializer's side-band metaList for Payload -- empty unless
// Publish was given a value containing something the plain JSON mapping
// can't represent on its own (a date, a big integer, a Set, ...).
type Event struct {
	ID       string
	Type     string
	Payload  map[string]interface{}
	TypeMeta []serializer.MetaEntry
	Meta     string
}

// Backend is the minimal surface a storage/fan-out implementation must
// provide: publish plus a resumable per-channel subscription that already
// handles its own internal listener-set dispatch and resume/live dedup.
// internal/streaming.RedisBackend satisfies this via the adapter in
// redis_adapter.go.
type Backend interface {
	Publish(ctx context.Context, channel, eventType string, payload map[string]interface{}, meta string) (Event, error)
	SubscribeFrom(channel string, buffer int, lastEventID string) <-chan Event
	Unsubscribe(channel string, ch <-chan Event)
}

// Listener receives events for a subscription, single-threaded per
// subscription: the Publisher never invokes a given listener concurrently
// with itself.
type Listener func(Event)

// Unsubscribe releases a subscription. Calling it more than once is safe
// and a no-op after the first call.
type Unsubscribe func()

// Publisher is the Publisher Core built on top of a single Backend
// instance.
type Publisher struct {
	backend    Backend
	logger     *zap.Logger
	serializer *serializer.Serializer
}

// New creates a Publisher Core over backend.
func New(backend Backend, logger *zap.Logger) *Publisher {
	return &Publisher{backend: backend, logger: logger, serializer: serializer.New()}
}

// Deserialize reconstructs evt.Payload's original typed value (dates, big
// integers, sets, application-registered custom types, ...) using its
// TypeMeta side-band, for in-process Go subscribers that want the value
// Publish was actually given rather than its plain-JSON projection. HTTP/WS
// transports that simply relay evt.Payload to a non-Go client have no use
// for this -- they forward the JSON form as-is.
func (p *Publisher) Deserialize(evt Event) (interface{}, error) {
	var payload interface{} = evt.Payload
	v, err := p.serializer.Deserialize(payload, evt.TypeMeta)
	if err != nil {
		return nil, fmt.Errorf("publisher: deserialize payload: %w", err)
	}
	return v, nil
}

// Publish appends and fans out an event on channel. It fails only if the
// backend's append/fan-out fails.
func (p *Publisher) Publish(ctx context.Context, channel, eventType string, payload map[string]interface{}, meta string) error {
	ctx, span := tracing.StartSpan(ctx, "publisher.Publish")
	defer span.End()

	if _, err := p.backend.Publish(ctx, channel, eventType, payload, meta); err != nil {
		return fmt.Errorf("publisher: publish: %w", err)
	}
	return nil
}

// Subscribe registers listener for channel, optionally resuming from
// lastEventID, and returns an Unsubscribe releasing it. listener is
// invoked on a dedicated goroutine, one event at a time, so it observes
// no partial dispatch state.
func (p *Publisher) Subscribe(channel string, listener Listener, lastEventID string) Unsubscribe {
	ch := p.backend.SubscribeFrom(channel, 256, lastEventID)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				listener(evt)
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			p.backend.Unsubscribe(channel, ch)
		})
	}
}
