package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/durableiterator"
	"github.com/flowstream/eventcore/internal/durableobject"
	"github.com/flowstream/eventcore/internal/token"
)

var durableUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// durableSocketHandler is the server-side half of the durable iterator
// link: it validates the bearer token durableiterator.URLSupplier embeds
// in the connection URL and attaches the resulting socket to the hub.
type durableSocketHandler struct {
	hub    *durableobject.Hub
	tokens *token.Manager
	logger *zap.Logger
}

func newDurableSocketHandler(hub *durableobject.Hub, tokens *token.Manager, logger *zap.Logger) *durableSocketHandler {
	return &durableSocketHandler{hub: hub, tokens: tokens, logger: logger}
}

func (h *durableSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

func (h *durableSocketHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get(durableiterator.TokenParam)
	if tok == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.Validate(tok)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	afterSeq := int64(0)
	if s := r.URL.Query().Get("after"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			afterSeq = n
		}
	}

	conn, err := durableUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := h.hub.Accept(r.Context(), conn, claims.Channel, claims, afterSeq); err != nil {
		h.logger.Warn("durable object accept failed", zap.String("channel", claims.Channel), zap.Error(err))
		return
	}

	// The hub drives all further writes; this goroutine only needs to
	// keep the connection's read side pumping so control frames (pings,
	// close) are processed and the socket is detached on disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
