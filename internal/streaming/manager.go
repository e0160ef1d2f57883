package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/circuitbreaker"
	"github.com/flowstream/eventcore/internal/metrics"
	"github.com/flowstream/eventcore/internal/serializer"
	"github.com/flowstream/eventcore/internal/tracing"
)

// defaultRetention bounds how long a channel's stream stays replayable when
// the caller never calls SetRetention; the key's TTL is extended to 2x this
// on every trim-amortized publish so an abandoned channel self-expires.
const defaultRetention = 24 * time.Hour

// trimWatermarkCap bounds the in-process map tracking, per channel, the
// last time a trim+expire maintenance pass ran -- once the map holds more
// than this many channels, entries older than the retention window are
// dropped so a long-tail of one-shot channels cannot leak memory
// indefinitely (mirrors the retention sweep's own bound).
const trimWatermarkCap = 10000

// StoredEvent is a single event as delivered to a subscriber: a monotone
// per-channel id plus the serialized payload produced by the event
// serializer. Id is the Redis stream entry id ("<ms>-<seq>"), which is
// totally ordered within a channel; resume/dedup compares ids as numeric
// (ms, seq) pairs, since a plain string comparison misorders sequence
// numbers of different digit counts. TypeMeta is the serializer's side-band
// metaList -- positions where Payload's plain JSON form lost type
// information (dates, big integers, sets, ...) -- letting an in-process Go
// subscriber reconstruct the original value with serializer.Deserialize.
type StoredEvent struct {
	Channel   string                 `json:"channel"`
	ID        string                 `json:"id"`
	Type      string                 `json:"type,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TypeMeta  []serializer.MetaEntry `json:"typeMeta,omitempty"`
	Meta      string                 `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// subscription tracks a subscriber with its cancellation mechanism
type subscription struct {
	cancel context.CancelFunc
}

// RedisBackend is the Redis-backed Publisher implementation: durable,
// resumable delivery via Streams (XADD/XRANGE/XREVRANGEN) plus a Pub/Sub
// channel for low-latency fan-out to already-connected subscribers.
//
// Lifecycle:
//  1. SubscribeFrom() starts a background reader goroutine that subscribes
//     to the channel's Pub/Sub topic, then replays backlog after
//     lastEventId.
//  2. The reader then forwards live events to the subscriber's channel.
//  3. Unsubscribe() stops the reader and closes the channel.
//
// IMPORTANT: callers must NOT close subscription channels themselves; the
// reader owns the channel lifetime.
//
// Thread-safety: all methods are goroutine-safe.
type RedisBackend struct {
	mu          sync.RWMutex
	redis       *redis.Client
	commander   *circuitbreaker.RedisWrapper
	namespace   string
	capacity    int64
	retention   time.Duration
	subscribers map[string]map[chan StoredEvent]*subscription
	logger      *zap.Logger
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
	serializer  *serializer.Serializer

	trimMu   sync.Mutex
	lastTrim map[string]time.Time
}

// NewRedisBackend constructs a Redis-backed publisher. namespace prefixes
// every stream/pubsub key so multiple deployments can share a Redis
// instance; capacity bounds each channel's stream length (approximate trim).
func NewRedisBackend(client *redis.Client, namespace string, capacity int64, logger *zap.Logger) *RedisBackend {
	if namespace == "" {
		namespace = "eventcore:"
	}
	if capacity <= 0 {
		capacity = 10000
	}
	if logger == nil {
		logger = zap.L()
	}
	var commander *circuitbreaker.RedisWrapper
	if client != nil {
		commander = circuitbreaker.NewRedisWrapper(client, logger)
	}
	return &RedisBackend{
		redis:       client,
		commander:   commander,
		namespace:   namespace,
		capacity:    capacity,
		retention:   defaultRetention,
		subscribers: make(map[string]map[chan StoredEvent]*subscription),
		lastTrim:    make(map[string]time.Time),
		logger:      logger,
		shutdownCh:  make(chan struct{}),
		serializer:  serializer.New(),
	}
}

// SetRetention overrides the default retention window used to compute the
// MINID trim cutoff and the key TTL (2x retention) on the amortized
// maintenance path. Must be called before the first Publish to take
// effect consistently across channels.
func (b *RedisBackend) SetRetention(d time.Duration) {
	if d > 0 {
		b.retention = d
	}
}

func (b *RedisBackend) streamKey(channel string) string {
	return fmt.Sprintf("%sstream:%s", b.namespace, channel)
}

func (b *RedisBackend) pubsubKey(channel string) string {
	return fmt.Sprintf("%spubsub:%s", b.namespace, channel)
}

// Subscribe starts delivery of new events only, equivalent to SubscribeFrom
// with an empty lastEventId.
func (b *RedisBackend) Subscribe(channel string, buffer int) chan StoredEvent {
	return b.SubscribeFrom(channel, buffer, "")
}

// SubscribeFrom replays every event after lastEventId (if non-empty) and then
// delivers live events as they are published. An empty lastEventId skips
// replay and starts from the live tail.
func (b *RedisBackend) SubscribeFrom(channel string, buffer int, lastEventID string) chan StoredEvent {
	ch := make(chan StoredEvent, buffer)
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	subs := b.subscribers[channel]
	if subs == nil {
		subs = make(map[chan StoredEvent]*subscription)
		b.subscribers[channel] = subs
	}
	subs[ch] = &subscription{cancel: cancel}
	b.mu.Unlock()

	metrics.SubscribersActive.WithLabelValues(channel).Inc()

	b.wg.Add(1)
	go b.deliverFrom(ctx, channel, ch, lastEventID)

	return ch
}

// deliverFrom implements the §4.6 handshake: subscribe to Pub/Sub first so
// any event published during replay queues up (go-redis gives each
// subscription its own buffered delivery channel), THEN replay the backlog
// after lastEventID, and only afterwards start draining the live channel --
// through the same high-water-mark gate that dedupes replay against live.
// Subscribing before replaying is what closes the gap described in spec.md
// §4.6 step 2-3: a live event published between the two steps would
// otherwise be delivered by neither path.
//
// Dedup uses a single high-water-mark rather than a growing seen-id set,
// since Redis stream ids are totally ordered within a channel (see design
// notes on preferring a high-water-mark over a seen-id set for this
// backend).
func (b *RedisBackend) deliverFrom(ctx context.Context, channel string, ch chan StoredEvent, lastEventID string) {
	defer b.wg.Done()
	defer close(ch)
	defer metrics.SubscribersActive.WithLabelValues(channel).Dec()

	watermark := lastEventID

	if b.redis == nil {
		select {
		case <-ctx.Done():
		case <-b.shutdownCh:
		}
		return
	}

	pubsub := b.redis.Subscribe(ctx, b.pubsubKey(channel))
	defer pubsub.Close()
	msgCh := pubsub.Channel()

	if lastEventID != "" {
		replayStart := time.Now()
		events, err := b.ReplayFromID(channel, lastEventID)
		if err != nil {
			b.logger.Error("replay failed before live delivery", zap.String("channel", channel), zap.Error(err))
		}
		for _, evt := range events {
			select {
			case ch <- evt:
				metrics.RecordDelivery(channel, "replay")
				watermark = evt.ID
			case <-ctx.Done():
				return
			}
		}
		metrics.RecordResume(channel, "resumed", time.Since(replayStart).Seconds())
	}

	// Everything from here on drains both the backlog buffered by the
	// Pub/Sub subscription above and genuinely new live events through the
	// same watermark gate, so events that raced with replay are delivered
	// exactly once regardless of which side saw them first.
	retryDelay := time.Second
	const maxRetryDelay = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdownCh:
			return
		case msg, ok := <-msgCh:
			if !ok {
				select {
				case <-time.After(retryDelay):
					retryDelay = minDuration(retryDelay*2, maxRetryDelay)
				case <-ctx.Done():
					return
				}
				pubsub = b.redis.Subscribe(ctx, b.pubsubKey(channel))
				msgCh = pubsub.Channel()
				continue
			}
			retryDelay = time.Second

			var evt StoredEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Error("failed to decode pubsub event", zap.String("channel", channel), zap.Error(err))
				continue
			}
			var evtMs, evtSeq, wmMs, wmSeq uint64
			fmt.Sscanf(evt.ID, "%d-%d", &evtMs, &evtSeq)
			fmt.Sscanf(watermark, "%d-%d", &wmMs, &wmSeq)
			if watermark != "" && (evtMs < wmMs || (evtMs == wmMs && evtSeq <= wmSeq)) {
				metrics.DuplicateEventsSuppressed.WithLabelValues(channel, "high_water_mark").Inc()
				continue
			}
			watermark = evt.ID

			select {
			case ch <- evt:
				metrics.RecordDelivery(channel, "live")
			default:
				b.logger.Warn("dropped event, subscriber slow", zap.String("channel", channel), zap.String("id", evt.ID))
				metrics.SubscriberBufferOverflows.WithLabelValues(channel).Inc()
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// dueForTrim reports whether channel's first publish in its current
// retention window has not yet run the trim+expire maintenance pass, and
// records that it has as a side effect. Amortizing the pass this way means
// every publish after the first in a window is a plain XADD.
func (b *RedisBackend) dueForTrim(channel string) bool {
	now := time.Now()

	b.trimMu.Lock()
	defer b.trimMu.Unlock()

	last, ok := b.lastTrim[channel]
	if ok && now.Sub(last) < b.retention {
		return false
	}
	b.lastTrim[channel] = now

	if len(b.lastTrim) > trimWatermarkCap {
		cutoff := now.Add(-b.retention)
		for ch, t := range b.lastTrim {
			if t.Before(cutoff) {
				delete(b.lastTrim, ch)
			}
		}
	}
	return true
}

// Unsubscribe stops delivery and releases the subscription. The channel is
// closed by the reader goroutine after cancellation.
func (b *RedisBackend) Unsubscribe(channel string, ch chan StoredEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[channel]; ok {
		if sub, exists := subs[ch]; exists {
			sub.cancel()
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subscribers, channel)
			}
		}
	}
}

// Publish routes payload through the event serializer -- producing a
// JSON-compatible value plus the side-band metaList needed to reconstruct
// any typed values it contained (dates, big integers, sets, ...) -- then
// appends the result to the channel's durable stream and fans it out over
// Pub/Sub for subscribers already tailing it live.
func (b *RedisBackend) Publish(ctx context.Context, channel string, eventType string, payload map[string]interface{}, meta string) (StoredEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "streaming.RedisBackend.Publish")
	defer span.End()

	start := time.Now()

	if b.redis == nil {
		return StoredEvent{}, fmt.Errorf("redis backend: no client configured")
	}

	jsonValue, typeMeta, err := b.serializer.Serialize(payload)
	if err != nil {
		metrics.RecordPublish(channel, "redis", time.Since(start).Seconds(), err)
		return StoredEvent{}, fmt.Errorf("serialize payload: %w", err)
	}
	serializedPayload, _ := jsonValue.(map[string]interface{})

	var payloadJSON, typeMetaJSON string
	if serializedPayload != nil {
		if raw, err := json.Marshal(serializedPayload); err == nil {
			payloadJSON = string(raw)
		}
	}
	if len(typeMeta) > 0 {
		if raw, err := json.Marshal(typeMeta); err == nil {
			typeMetaJSON = string(raw)
		}
	}

	streamKey := b.streamKey(channel)
	addArgs := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.capacity,
		Approx: true,
		Values: map[string]interface{}{
			"type":      eventType,
			"payload":   payloadJSON,
			"type_meta": typeMetaJSON,
			"meta":      meta,
			"ts_nano":   fmt.Sprintf("%d", time.Now().UnixNano()),
		},
	}

	var id string
	if b.dueForTrim(channel) {
		cutoff := time.Now().Add(-b.retention)
		minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
		id, err = b.commander.PublishAndTrim(ctx, streamKey, addArgs, minID, 2*b.retention)
	} else {
		id, err = b.commander.XAdd(ctx, addArgs).Result()
	}

	if err != nil {
		metrics.RecordPublish(channel, "redis", time.Since(start).Seconds(), err)
		return StoredEvent{}, fmt.Errorf("publish to stream: %w", err)
	}

	evt := StoredEvent{
		Channel:   channel,
		ID:        id,
		Type:      eventType,
		Payload:   serializedPayload,
		TypeMeta:  typeMeta,
		Meta:      meta,
		Timestamp: time.Now(),
	}

	if raw, err := json.Marshal(evt); err == nil {
		if err := b.redis.Publish(ctx, b.pubsubKey(channel), raw).Err(); err != nil {
			b.logger.Warn("pubsub fan-out failed, live subscribers will pick this up on next replay",
				zap.String("channel", channel), zap.Error(err))
		}
	}

	metrics.RecordPublish(channel, "redis", time.Since(start).Seconds(), nil)
	return evt, nil
}

// ReplayFromID returns events on channel strictly after lastEventID, ordered
// oldest first. An empty lastEventID replays the entire retained history.
func (b *RedisBackend) ReplayFromID(channel string, lastEventID string) ([]StoredEvent, error) {
	if b.redis == nil {
		return nil, nil
	}

	ctx := context.Background()
	start := "-"
	if lastEventID != "" {
		start = "(" + lastEventID
	}

	messages, err := b.commander.XRange(ctx, b.streamKey(channel), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay from %s: %w", lastEventID, err)
	}

	events := make([]StoredEvent, 0, len(messages))
	for _, msg := range messages {
		events = append(events, decodeStreamMessage(channel, msg))
	}
	return events, nil
}

// LastEventID returns the id of the newest event on channel, or "" if the
// channel has no retained history.
func (b *RedisBackend) LastEventID(channel string) string {
	if b.redis == nil {
		return ""
	}

	ctx := context.Background()
	messages, err := b.commander.XRevRangeN(ctx, b.streamKey(channel), "+", "-", 1).Result()
	if err != nil || len(messages) == 0 {
		return ""
	}
	return messages[0].ID
}

func decodeStreamMessage(channel string, msg redis.XMessage) StoredEvent {
	evt := StoredEvent{Channel: channel, ID: msg.ID}

	if v, ok := msg.Values["type"].(string); ok {
		evt.Type = v
	}
	if v, ok := msg.Values["meta"].(string); ok {
		evt.Meta = v
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		var p map[string]interface{}
		if err := json.Unmarshal([]byte(v), &p); err == nil {
			evt.Payload = p
		}
	}
	if v, ok := msg.Values["type_meta"].(string); ok && v != "" {
		var m []serializer.MetaEntry
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			evt.TypeMeta = m
		}
	}
	if v, ok := msg.Values["ts_nano"].(string); ok {
		var nano int64
		if _, err := fmt.Sscanf(v, "%d", &nano); err == nil {
			evt.Timestamp = time.Unix(0, nano)
		}
	}
	return evt
}

// TrimBefore drops all channel entries with an id before cutoff, backing the
// retention sweep with an XTRIM MINID call instead of a full scan.
func (b *RedisBackend) TrimBefore(ctx context.Context, channel string, cutoff time.Time) error {
	if b.redis == nil {
		return nil
	}
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
	if err := b.commander.XTrimMinID(ctx, b.streamKey(channel), minID).Err(); err != nil {
		return fmt.Errorf("trim %s before %s: %w", channel, minID, err)
	}
	return nil
}

// Shutdown cancels every subscription and waits for their reader goroutines
// to exit, bounded by ctx.
func (b *RedisBackend) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down redis publisher backend")
	close(b.shutdownCh)

	b.mu.Lock()
	for channel, subs := range b.subscribers {
		for ch, sub := range subs {
			sub.cancel()
			delete(subs, ch)
		}
		delete(b.subscribers, channel)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("all redis backend readers stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("shutdown timeout waiting for redis backend readers")
		return ctx.Err()
	}
}
