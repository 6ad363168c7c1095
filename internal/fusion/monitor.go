// Package fusion aggregates per-stage telemetry into one consolidated
// confidence and alert state per session, rebroadcast to live observers.
package fusion

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/broadcast"
)

// Alert levels, escalation-ordered.
const (
	AlertNominal  = "nominal"
	AlertWarn     = "warn"
	AlertCritical = "critical"
)

// Dominant modes.
const (
	ModeSafety      = "safety"
	ModeFulfillment = "fulfillment"
)

// Pipeline phases tracked per session.
const (
	PhaseIntake      = "intake"
	PhaseValidation  = "validation"
	PhaseInventory   = "inventory"
	PhaseFulfillment = "fulfillment"
	PhaseComplete    = "complete"
	PhaseHalted      = "halted"
)

// warnThreshold is the confidence below which a session is flagged.
const warnThreshold = 0.5

// DefaultCloseDelay sequences the session_closed broadcast after the
// triggering trace message.
const DefaultCloseDelay = 200 * time.Millisecond

// State is the consolidated per-session snapshot.
type State struct {
	SessionID             string             `json:"session_id"`
	SafetyConfidence      float64            `json:"safety_confidence"`
	FulfillmentConfidence float64            `json:"fulfillment_confidence"`
	DominantMode          string             `json:"dominant_mode"`
	PipelinePhase         string             `json:"pipeline_phase"`
	AlertLevel            string             `json:"alert_level"`
	HaltReason            string             `json:"halt_reason,omitempty"`
	ContributingScores    map[string]float64 `json:"contributing_scores"`
	LastAgent             string             `json:"last_agent,omitempty"`
	LastEventType         string             `json:"last_event_type,omitempty"`
	Closed                bool               `json:"closed"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

func (s *State) clone() *State {
	cp := *s
	cp.ContributingScores = make(map[string]float64, len(s.ContributingScores))
	for k, v := range s.ContributingScores {
		cp.ContributingScores[k] = v
	}
	return &cp
}

// Monitor is a passive sink on the live trace stream. It never re-enters the
// pipeline; its only output is fusion broadcasts through the hub.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*State

	hub        *broadcast.Hub
	logger     *zap.Logger
	closeDelay time.Duration
}

var _ broadcast.Sink = (*Monitor)(nil)

// NewMonitor creates a monitor broadcasting through hub. Register it with
// hub.AttachGlobal to start observing.
func NewMonitor(hub *broadcast.Hub, closeDelay time.Duration, logger *zap.Logger) *Monitor {
	if closeDelay < 0 {
		closeDelay = DefaultCloseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sessions:   make(map[string]*State),
		hub:        hub,
		logger:     logger,
		closeDelay: closeDelay,
	}
}

// Deliver implements broadcast.Sink. It always returns nil so the monitor is
// never pruned from the hub.
func (m *Monitor) Deliver(msg *broadcast.Message) error {
	// Skip our own broadcasts so no feedback loop occurs.
	if msg.Type == "fusion" || msg.Type == "session_closed" {
		return nil
	}

	m.mu.Lock()
	st, ok := m.sessions[msg.SessionID]
	if !ok {
		st = &State{
			SessionID:             msg.SessionID,
			SafetyConfidence:      1.0,
			FulfillmentConfidence: 1.0,
			DominantMode:          ModeSafety,
			PipelinePhase:         PhaseIntake,
			AlertLevel:            AlertNominal,
			ContributingScores:    make(map[string]float64),
		}
		m.sessions[msg.SessionID] = st
	}
	if st.Closed {
		m.mu.Unlock()
		return nil
	}

	changed := m.apply(st, msg)
	terminal := isTerminal(msg)
	snapshot := st.clone()
	m.mu.Unlock()

	if changed {
		m.broadcast(snapshot)
	}
	if terminal {
		m.scheduleClose(msg.SessionID)
	}
	return nil
}

// apply folds one trace message into the session state. Caller holds m.mu.
// Returns true when any score or level changed.
func (m *Monitor) apply(st *State, msg *broadcast.Message) bool {
	before := *st

	st.LastAgent = msg.Agent
	st.LastEventType = msg.Type
	st.UpdatedAt = msg.Timestamp

	switch msg.Step {
	case "intake":
		st.PipelinePhase = PhaseIntake
	case "validation", "risk_scoring":
		st.PipelinePhase = PhaseValidation
	case "inventory", "confirmation":
		st.PipelinePhase = PhaseInventory
	case "fulfillment":
		st.PipelinePhase = PhaseFulfillment
	}

	if signal, stage, mode, ok := stageSignal(msg); ok {
		st.ContributingScores[stage] = signal
		switch mode {
		case ModeSafety:
			if signal < st.SafetyConfidence {
				st.SafetyConfidence = signal
			}
		case ModeFulfillment:
			st.FulfillmentConfidence = signal
		}
	}

	// The weaker signal dominates.
	if st.FulfillmentConfidence < st.SafetyConfidence {
		st.DominantMode = ModeFulfillment
	} else {
		st.DominantMode = ModeSafety
	}

	switch msg.Status {
	case "rejected", "failed":
		m.escalate(st, AlertCritical)
		st.PipelinePhase = PhaseHalted
		st.HaltReason = haltReason(msg)
	case "completed":
		st.PipelinePhase = PhaseComplete
	default:
		if st.SafetyConfidence < warnThreshold || st.FulfillmentConfidence < warnThreshold {
			m.escalate(st, AlertWarn)
		}
	}

	return before.SafetyConfidence != st.SafetyConfidence ||
		before.FulfillmentConfidence != st.FulfillmentConfidence ||
		before.AlertLevel != st.AlertLevel ||
		before.PipelinePhase != st.PipelinePhase ||
		before.DominantMode != st.DominantMode
}

// escalate raises the alert level; it is monotonic within a session.
func (m *Monitor) escalate(st *State, level string) {
	if rank(level) > rank(st.AlertLevel) {
		st.AlertLevel = level
	}
}

func rank(level string) int {
	switch level {
	case AlertCritical:
		return 2
	case AlertWarn:
		return 1
	}
	return 0
}

// stageSignal extracts the contributing signal for the emitting stage.
func stageSignal(msg *broadcast.Message) (signal float64, stage, mode string, ok bool) {
	switch msg.Agent {
	case broadcast.AgentValidator:
		decision, _ := msg.Details["decision"].(string)
		switch decision {
		case "approved":
			return 1.0, "validation", ModeSafety, true
		case "needs_review":
			return 0.6, "validation", ModeSafety, true
		case "rejected":
			return 0.0, "validation", ModeSafety, true
		}
	case broadcast.AgentRiskScorer:
		if score, found := floatDetail(msg.Details, "risk_score"); found {
			return clamp01(1.0 - score), "risk_scoring", ModeSafety, true
		}
	case broadcast.AgentInventory:
		if score, found := floatDetail(msg.Details, "availability_score"); found {
			return clamp01(score), "inventory", ModeFulfillment, true
		}
	case broadcast.AgentFulfillment:
		if msg.Status == "completed" {
			return 1.0, "fulfillment", ModeFulfillment, true
		}
		return 0.0, "fulfillment", ModeFulfillment, true
	}
	return 0, "", "", false
}

func floatDetail(details map[string]any, key string) (float64, bool) {
	switch v := details[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isTerminal(msg *broadcast.Message) bool {
	switch msg.Status {
	case "rejected", "failed":
		return true
	case "completed":
		return msg.Agent == broadcast.AgentFulfillment
	}
	return false
}

func haltReason(msg *broadcast.Message) string {
	if reason, ok := msg.Details["reason"].(string); ok && reason != "" {
		return reason
	}
	return msg.Agent + "_" + msg.Status
}

// broadcast emits a fusion_update message for the session.
func (m *Monitor) broadcast(st *State) {
	status := "ok"
	if st.AlertLevel == AlertCritical {
		status = "halted"
	}
	m.hub.Broadcast(broadcast.NewMessage(st.SessionID, broadcast.AgentOrchestrator, st.PipelinePhase, "fusion", status, map[string]any{
		"safety_confidence":      st.SafetyConfidence,
		"fulfillment_confidence": st.FulfillmentConfidence,
		"dominant_mode":          st.DominantMode,
		"pipeline_phase":         st.PipelinePhase,
		"alert_level":            st.AlertLevel,
		"contributing_scores":    st.ContributingScores,
		"halt_reason":            st.HaltReason,
	}))
}

// scheduleClose emits the terminal session_closed broadcast after a short
// delay so the triggering message reaches observers first.
func (m *Monitor) scheduleClose(sessionID string) {
	closeFn := func() {
		m.mu.Lock()
		st, ok := m.sessions[sessionID]
		if !ok || st.Closed {
			m.mu.Unlock()
			return
		}
		st.Closed = true
		snapshot := st.clone()
		m.mu.Unlock()

		m.hub.Broadcast(broadcast.NewMessage(sessionID, broadcast.AgentOrchestrator, snapshot.PipelinePhase, "session_closed", "closed", map[string]any{
			"alert_level": snapshot.AlertLevel,
			"halt_reason": snapshot.HaltReason,
		}))
		m.logger.Debug("fusion session closed", zap.String("session_id", sessionID))
	}

	if m.closeDelay == 0 {
		closeFn()
		return
	}
	time.AfterFunc(m.closeDelay, closeFn)
}

// Snapshot returns a copy of the session state, or nil when unknown.
func (m *Monitor) Snapshot(sessionID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return st.clone()
}

// Sessions returns the number of tracked sessions, open and closed.
func (m *Monitor) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
