package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/streaming"
)

// StreamingHandler serves SSE endpoints for channel event iteration, the
// HTTP transport analogue of the durable iterator link's reconnecting
// websocket client.
type StreamingHandler struct {
	backend *streaming.RedisBackend
	logger  *zap.Logger
}

func NewStreamingHandler(backend *streaming.RedisBackend, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{backend: backend, logger: logger}
}

// RegisterRoutes registers SSE and websocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams events for a channel via Server-Sent Events.
// GET /stream/sse?channel=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, `{"error":"channel required"}`, http.StatusBadRequest)
		return
	}

	typeFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Keep-Alive", "timeout=65")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, ": connected to channel %s\n\n", channel)
	flusher.Flush()

	ch := h.backend.SubscribeFrom(channel, 256, lastEventID)
	defer h.backend.Unsubscribe(channel, ch)

	hb := time.NewTicker(10 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("channel", channel))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[evt.Type]; !ok {
					continue
				}
			}
			if evt.ID != "" {
				fmt.Fprintf(w, "id: %s\n", evt.ID)
			}
			if evt.Type != "" {
				fmt.Fprintf(w, "event: %s\n", evt.Type)
			}
			fmt.Fprintf(w, "data: %s\n\n", marshalEvent(evt))
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
