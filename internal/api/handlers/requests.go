// Package handlers provides HTTP handlers for the agent API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/fusion"
	"github.com/carebridge/go-apo/internal/observability/metrics"
	"github.com/carebridge/go-apo/internal/pipeline"
)

// RequestHandler handles patient request endpoints.
type RequestHandler struct {
	pipe    *pipeline.Pipeline
	monitor *fusion.Monitor
	journal *order.Journal
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRequestHandler creates a handler.
func NewRequestHandler(pipe *pipeline.Pipeline, monitor *fusion.Monitor, journal *order.Journal, m *metrics.Metrics, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		pipe:    pipe,
		monitor: monitor,
		journal: journal,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes.
func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/{sessionID}/confirm", h.Confirm)
	r.Get("/{sessionID}/fusion", h.Fusion)
	r.Get("/{sessionID}/events", h.Events)
	return r
}

// CreateRequest is the body for submitting a patient request.
type CreateRequest struct {
	UserID               string           `json:"user_id"`
	ChannelPhone         string           `json:"channel_phone,omitempty"`
	PrescriptionVerified bool             `json:"prescription_verified"`
	Items                []order.LineItem `json:"items"`
}

// OutcomeResponse is returned for pipeline runs and confirmations.
type OutcomeResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Terminal  string `json:"terminal_event,omitempty"`
	Reason    string `json:"reason,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Token     string `json:"confirmation_token,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Create handles POST /requests: it runs the pipeline synchronously and
// returns the outcome, or the confirmation token when the run pauses.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("request-handler")
	ctx, span := tracer.Start(r.Context(), "create_request")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		h.jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		h.jsonError(w, "items are required", http.StatusBadRequest)
		return
	}
	for _, item := range req.Items {
		if item.MedicineName == "" || item.Quantity <= 0 {
			h.jsonError(w, "each item needs a medicine_name and positive quantity", http.StatusBadRequest)
			return
		}
	}

	octx := order.NewContext(req.UserID, req.ChannelPhone, req.Items)
	octx.PrescriptionVerified = req.PrescriptionVerified
	span.SetAttributes(attribute.String("session_id", octx.SessionID))

	start := time.Now()
	outcome, err := h.pipe.Run(ctx, octx)
	if h.metrics != nil {
		h.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.handleRunError(w, octx.SessionID, err)
		return
	}

	h.count(outcome)
	status := http.StatusOK
	if outcome.Terminal == order.EventOrderCreated {
		status = http.StatusCreated
	} else if outcome.Status == pipeline.StatusAwaitingConfirmation {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, toResponse(outcome))
}

// ConfirmRequest is the body for answering a pending confirmation.
type ConfirmRequest struct {
	Token  string `json:"token"`
	Answer string `json:"answer"`
}

// Confirm handles POST /requests/{sessionID}/confirm.
func (h *RequestHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("request-handler")
	ctx, span := tracer.Start(r.Context(), "confirm_request")
	defer span.End()

	sessionID := chi.URLParam(r, "sessionID")
	span.SetAttributes(attribute.String("session_id", sessionID))

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		h.jsonError(w, "token is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.pipe.Resume(ctx, sessionID, req.Token, req.Answer)
	if err != nil {
		if errors.Is(err, pipeline.ErrConfirmationNotFound) {
			h.jsonError(w, "no pending confirmation for this session", http.StatusNotFound)
			return
		}
		h.handleRunError(w, sessionID, err)
		return
	}

	h.count(outcome)
	status := http.StatusOK
	if outcome.Terminal == order.EventOrderCreated {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, toResponse(outcome))
}

// Fusion handles GET /requests/{sessionID}/fusion.
func (h *RequestHandler) Fusion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	st := h.monitor.Snapshot(sessionID)
	if st == nil {
		h.jsonError(w, "unknown session", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Events handles GET /requests/{sessionID}/events.
func (h *RequestHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	events, err := h.journal.List(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("list session events failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		h.jsonError(w, "unknown session", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

// handleRunError maps a pipeline error to an HTTP status. Collaborator
// failures have already published order.failed; the client sees 502.
func (h *RequestHandler) handleRunError(w http.ResponseWriter, sessionID string, err error) {
	var ce *pipeline.CollaboratorError
	if errors.As(err, &ce) {
		if h.metrics != nil {
			h.metrics.OrdersFailed.WithLabelValues(string(ce.Kind)).Inc()
		}
		h.writeJSON(w, http.StatusBadGateway, &OutcomeResponse{
			SessionID: sessionID,
			Status:    "failed",
			Terminal:  string(order.EventOrderFailed),
			Reason:    string(ce.Kind),
		})
		return
	}

	h.logger.Error("pipeline run failed",
		zap.String("session_id", sessionID),
		zap.Error(err))
	h.jsonError(w, "internal server error", http.StatusInternalServerError)
}

func (h *RequestHandler) count(outcome *pipeline.Outcome) {
	if h.metrics == nil {
		return
	}
	switch outcome.Terminal {
	case order.EventOrderCreated:
		h.metrics.OrdersCreated.Inc()
	case order.EventOrderRejected:
		h.metrics.OrdersRejected.WithLabelValues(string(outcome.Reason)).Inc()
	}
}

func toResponse(outcome *pipeline.Outcome) *OutcomeResponse {
	return &OutcomeResponse{
		SessionID: outcome.SessionID,
		Status:    string(outcome.Status),
		Terminal:  string(outcome.Terminal),
		Reason:    string(outcome.Reason),
		OrderID:   outcome.OrderID,
		Token:     outcome.Token,
		Summary:   outcome.Summary,
	}
}

func (h *RequestHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", zap.Error(err))
	}
}

func (h *RequestHandler) jsonError(w http.ResponseWriter, msg string, status int) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
