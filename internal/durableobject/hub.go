// Package durableobject implements the single-instance, hibernation-aware
// broadcast backend: a websocket hub backed by the embedded event store,
// where every attached socket carries a token and is revalidated on every
// fan-out rather than swept by a dedicated background goroutine.
package durableobject

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/db"
	"github.com/flowstream/eventcore/internal/metrics"
	"github.com/flowstream/eventcore/internal/peer"
	"github.com/flowstream/eventcore/internal/token"
	"github.com/flowstream/eventcore/internal/tracing"
)

// Websocket close codes the hub sends when a socket's token attachment
// fails revalidation during fan-out.
const (
	CloseTokenExpired = 4001 // now >= token.expiresAt
	CloseTokenRevoked = 4003 // token rejected by RevocationHook
)

// RevocationHook lets a caller veto an otherwise-valid token on every
// fan-out, e.g. to implement out-of-band session revocation.
type RevocationHook func(claims *token.Claims) bool

// attachment is the per-socket server-side bag the spec calls the "token
// attachment": the verified claims plus a hibernation id used to annotate
// outbound frames so a rehydrated socket can recognize its own traffic.
type attachment struct {
	conn          *websocket.Conn
	claims        *token.Claims
	hibernationID string
	mu            sync.Mutex // serializes writes to conn
}

// Hub fans out published events to every socket attached to a channel,
// backed by an embedded append-only event store for replay.
type Hub struct {
	store    *db.Client
	tokens   *token.Manager
	revoke   RevocationHook
	logger   *zap.Logger
	capacity int

	mu       sync.RWMutex
	sockets  map[string]map[*attachment]struct{} // channel -> attachments
	lastSeen time.Time
}

// Config configures a Hub.
type Config struct {
	Store          *db.Client
	Tokens         *token.Manager
	RevocationHook RevocationHook // optional
	Logger         *zap.Logger
}

// New creates a Hub over an embedded event store.
func New(cfg Config) *Hub {
	return &Hub{
		store:   cfg.Store,
		tokens:  cfg.Tokens,
		revoke:  cfg.RevocationHook,
		logger:  cfg.Logger,
		sockets: make(map[string]map[*attachment]struct{}),
	}
}

// Accept records a newly-attached socket for channel, replays every event
// with id > afterSeq, and returns once replay completes. The caller owns
// reading subsequent control frames off conn; Publish drives all further
// writes to it.
func (h *Hub) Accept(ctx context.Context, conn *websocket.Conn, channel string, claims *token.Claims, afterSeq int64) error {
	att := &attachment{conn: conn, claims: claims, hibernationID: newHibernationID()}

	h.mu.Lock()
	if h.sockets[channel] == nil {
		h.sockets[channel] = make(map[*attachment]struct{})
	}
	h.sockets[channel][att] = struct{}{}
	h.lastSeen = time.Now()
	h.mu.Unlock()
	metrics.DurableObjectSockets.WithLabelValues(channel).Inc()

	records, err := h.store.LoadRange(ctx, channel, afterSeq, 0)
	if err != nil {
		h.logger.Warn("durable object replay failed", zap.String("channel", channel), zap.Error(err))
		return nil
	}
	for _, rec := range records {
		if err := h.send(att, rec); err != nil {
			h.Detach(channel, att)
			return err
		}
	}
	return nil
}

// Detach removes a socket from the hub. It is idempotent.
func (h *Hub) Detach(channel string, att *attachment) {
	h.mu.Lock()
	if set, ok := h.sockets[channel]; ok {
		if _, present := set[att]; present {
			delete(set, att)
			metrics.DurableObjectSockets.WithLabelValues(channel).Dec()
		}
		if len(set) == 0 {
			delete(h.sockets, channel)
		}
	}
	h.mu.Unlock()
}

// Publish appends payload to the embedded store, then fans it out to every
// socket attached to channel. Each socket's token is revalidated on this
// call rather than by a background sweeper: an expired or revoked token
// closes the socket with its designated code and the event is not sent to
// it.
func (h *Hub) Publish(ctx context.Context, channel string, payload, meta []byte) (*db.EventRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "durableobject.Hub.Publish")
	defer span.End()

	rec := &db.EventRecord{Channel: channel, Payload: payload, Meta: meta}
	if err := h.store.SaveEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("durableobject: save event: %w", err)
	}

	h.mu.RLock()
	targets := make([]*attachment, 0, len(h.sockets[channel]))
	for att := range h.sockets[channel] {
		targets = append(targets, att)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, att := range targets {
		if att.claims != nil && att.claims.ExpiresAt != nil && now.After(att.claims.ExpiresAt.Time) {
			h.closeSocket(channel, att, CloseTokenExpired, "token expired")
			metrics.DurableObjectHibernations.WithLabelValues(channel, "expired").Inc()
			continue
		}
		if h.revoke != nil && !h.revoke(att.claims) {
			h.closeSocket(channel, att, CloseTokenRevoked, "token revoked")
			metrics.DurableObjectHibernations.WithLabelValues(channel, "revoked").Inc()
			continue
		}
		if err := h.send(att, rec); err != nil {
			h.Detach(channel, att)
		} else {
			metrics.RecordDelivery(channel, "durable_object")
		}
	}

	return rec, nil
}

// send encodes rec as a KindEventIterator frame on the peer wire contract
// (internal/peer) and writes its text framing to att's socket. The socket's
// hibernation id is reused as the frame's correlation id: a durable-object
// socket is itself one long-lived event-iterator session, so every frame
// sent on it belongs to that same correlation.
func (h *Hub) send(att *attachment, rec *db.EventRecord) error {
	att.mu.Lock()
	defer att.mu.Unlock()

	data := durableEventData{Payload: jsonRaw(rec.Payload), Meta: jsonRaw(rec.Meta)}
	frame, err := peer.NewIteratorMessage(att.hibernationID, data, &peer.IteratorMeta{ID: fmt.Sprintf("%d", rec.Seq)})
	if err != nil {
		return fmt.Errorf("durableobject: build iterator frame: %w", err)
	}
	text, err := peer.EncodeText(frame)
	if err != nil {
		return fmt.Errorf("durableobject: encode frame: %w", err)
	}
	return att.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (h *Hub) closeSocket(channel string, att *attachment, code int, reason string) {
	att.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = att.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = att.conn.Close()
	att.mu.Unlock()
	h.Detach(channel, att)
}

// durableEventData is the KindEventIterator frame's Data payload for a
// durable-object socket: the already-JSON-encoded event bytes straight
// from the embedded store, passed through without re-encoding.
type durableEventData struct {
	Payload jsonRaw `json:"payload"`
	Meta    jsonRaw `json:"meta,omitempty"`
}

// jsonRaw avoids re-encoding already-JSON bytes stored in the event table.
type jsonRaw []byte

func (j jsonRaw) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

var hibernationSeq uint64
var hibernationMu sync.Mutex

func newHibernationID() string {
	hibernationMu.Lock()
	defer hibernationMu.Unlock()
	hibernationSeq++
	return fmt.Sprintf("ho-%d-%d", time.Now().UnixNano(), hibernationSeq)
}
