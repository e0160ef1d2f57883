package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowstream/eventcore/internal/peer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev-friendly; enforce via proxy in prod
}

// RegisterWebSocket registers /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typeFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}

	lastEventID := r.URL.Query().Get("last_event_id")

	// One correlation id for the whole subscription: every EVENT_ITERATOR
	// frame sent on this socket belongs to the same logical "subscribe"
	// request, per the peer wire contract's per-correlation-id frame stream.
	corrID := peer.NewCorrelationID()

	ch := h.backend.SubscribeFrom(channel, 256, lastEventID)
	defer h.backend.Unsubscribe(channel, ch)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				frame, err := peer.NewIteratorDone(corrID, nil)
				if err == nil {
					if text, err := peer.EncodeText(frame); err == nil {
						_ = conn.WriteMessage(websocket.TextMessage, []byte(text))
					}
				}
				return
			}
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[evt.Type]; !ok {
					continue
				}
			}
			frame, err := peer.NewIteratorMessage(corrID, evt, &peer.IteratorMeta{ID: evt.ID})
			if err != nil {
				continue
			}
			text, err := peer.EncodeText(frame)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func marshalEvent(evt interface{}) string {
	b, err := json.Marshal(evt)
	if err != nil {
		return "{}"
	}
	return string(b)
}
