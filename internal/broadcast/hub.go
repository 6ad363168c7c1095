// Package broadcast fans live trace messages out to observer sinks: SSE
// dashboard connections and the signal-fusion monitor.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Agent names appearing in trace messages.
const (
	AgentValidator    = "VALIDATOR"
	AgentRiskScorer   = "RISK_SCORER"
	AgentInventory    = "INVENTORY"
	AgentFulfillment  = "FULFILLMENT"
	AgentOrchestrator = "ORCHESTRATOR"
)

// Message is the wire shape delivered to observers.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Step      string         `json:"step"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details"`
	ParentID  *string        `json:"parent_id"`
}

// NewMessage creates a trace message with a fresh id and timestamp.
func NewMessage(sessionID, agent, step, typ, status string, details map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Step:      step,
		Type:      typ,
		Status:    status,
		Details:   details,
	}
}

// Sink receives broadcast messages. A Deliver error marks the sink dead and
// it is pruned on the spot; delivery is best effort.
type Sink interface {
	Deliver(msg *Message) error
}

// Hub is the explicit sink registry. Global sinks observe every session;
// session sinks observe one.
type Hub struct {
	mu      sync.Mutex
	global  []Sink
	session map[string][]Sink
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		session: make(map[string][]Sink),
		logger:  logger,
	}
}

// AttachGlobal registers a sink for all sessions.
func (h *Hub) AttachGlobal(s Sink) {
	h.mu.Lock()
	h.global = append(h.global, s)
	h.mu.Unlock()
}

// Attach registers a sink for one session.
func (h *Hub) Attach(sessionID string, s Sink) {
	h.mu.Lock()
	h.session[sessionID] = append(h.session[sessionID], s)
	h.mu.Unlock()
}

// Detach removes a sink from a session (or from the global list when
// sessionID is empty).
func (h *Hub) Detach(sessionID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessionID == "" {
		h.global = remove(h.global, s)
		return
	}
	h.session[sessionID] = remove(h.session[sessionID], s)
	if len(h.session[sessionID]) == 0 {
		delete(h.session, sessionID)
	}
}

// Observers returns the number of attached sinks.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.global)
	for _, sinks := range h.session {
		n += len(sinks)
	}
	return n
}

// Broadcast delivers a message to every global sink and every sink attached
// to the message's session. Sinks that fail to accept delivery are pruned.
func (h *Hub) Broadcast(msg *Message) {
	h.mu.Lock()
	targets := make([]Sink, 0, len(h.global)+len(h.session[msg.SessionID]))
	targets = append(targets, h.global...)
	targets = append(targets, h.session[msg.SessionID]...)
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.Deliver(msg); err != nil {
			h.logger.Info("pruning dead observer",
				zap.String("session_id", msg.SessionID),
				zap.Error(err))
			h.mu.Lock()
			h.global = remove(h.global, s)
			h.session[msg.SessionID] = remove(h.session[msg.SessionID], s)
			if len(h.session[msg.SessionID]) == 0 {
				delete(h.session, msg.SessionID)
			}
			h.mu.Unlock()
		}
	}
}

func remove(sinks []Sink, target Sink) []Sink {
	out := sinks[:0]
	for _, s := range sinks {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
