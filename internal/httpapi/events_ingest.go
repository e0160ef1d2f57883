package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/publisher"
)

// IngestHandler accepts externally-produced events over HTTP and publishes
// them through the Publisher Core, for callers that cannot hold a direct
// in-process Publisher handle (e.g. a sidecar process or another service).
type IngestHandler struct {
	pub       *publisher.Publisher
	logger    *zap.Logger
	authToken string
}

func NewIngestHandler(pub *publisher.Publisher, logger *zap.Logger, authToken string) *IngestHandler {
	return &IngestHandler{pub: pub, logger: logger, authToken: authToken}
}

func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events", h.handleIngest)
}

type ingestEvent struct {
	Channel string                 `json:"channel"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Meta    string                 `json:"meta,omitempty"`
}

func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.authToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	var single ingestEvent
	var arr []ingestEvent
	if err := json.Unmarshal(body, &single); err == nil && single.Channel != "" {
		arr = []ingestEvent{single}
	} else if err := json.Unmarshal(body, &arr); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, e := range arr {
		if e.Channel == "" || e.Type == "" {
			continue
		}
		if err := h.pub.Publish(ctx, e.Channel, e.Type, e.Payload, e.Meta); err != nil {
			h.logger.Error("failed to publish ingested event",
				zap.String("channel", e.Channel), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
