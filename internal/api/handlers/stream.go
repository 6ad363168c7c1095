package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/broadcast"
	"github.com/carebridge/go-apo/internal/observability/metrics"
)

// StreamHandler serves live trace messages over server-sent events.
type StreamHandler struct {
	hub     *broadcast.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStreamHandler creates a handler.
func NewStreamHandler(hub *broadcast.Hub, m *metrics.Metrics, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *StreamHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.StreamAll)
	r.Get("/{sessionID}", h.StreamSession)
	return r
}

// StreamAll streams trace messages for every session.
func (h *StreamHandler) StreamAll(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, "")
}

// StreamSession streams trace messages for one session.
func (h *StreamHandler) StreamSession(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, chi.URLParam(r, "sessionID"))
}

func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink(64)
	if sessionID == "" {
		h.hub.AttachGlobal(sink)
	} else {
		h.hub.Attach(sessionID, sink)
	}
	defer h.hub.Detach(sessionID, sink)

	if h.metrics != nil {
		h.metrics.StreamObservers.Inc()
		defer h.metrics.StreamObservers.Dec()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sink.ch:
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("marshal stream message failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseSink buffers broadcast messages for one SSE connection. A full buffer
// fails delivery so the hub prunes the slow observer.
type sseSink struct {
	ch chan *broadcast.Message
}

func newSSESink(buffer int) *sseSink {
	return &sseSink{ch: make(chan *broadcast.Message, buffer)}
}

func (s *sseSink) Deliver(msg *broadcast.Message) error {
	select {
	case s.ch <- msg:
		return nil
	default:
		return fmt.Errorf("observer buffer full")
	}
}
