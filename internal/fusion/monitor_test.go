package fusion

import (
	"sync"
	"testing"

	"github.com/carebridge/go-apo/internal/broadcast"
)

// captureSink records fusion broadcasts re-entering the hub.
type captureSink struct {
	mu       sync.Mutex
	messages []*broadcast.Message
}

func (s *captureSink) Deliver(msg *broadcast.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) byType(typ string) []*broadcast.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*broadcast.Message
	for _, m := range s.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// newTestMonitor wires a monitor with immediate session close and a capture
// sink observing its broadcasts.
func newTestMonitor() (*Monitor, *broadcast.Hub, *captureSink) {
	hub := broadcast.NewHub(nil)
	monitor := NewMonitor(hub, 0, nil)
	hub.AttachGlobal(monitor)
	capture := &captureSink{}
	hub.AttachGlobal(capture)
	return monitor, hub, capture
}

func stageMsg(session, agent, step, status string, details map[string]any) *broadcast.Message {
	return broadcast.NewMessage(session, agent, step, "stage", status, details)
}

func TestConfidenceStartsNominal(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentOrchestrator, "intake", "ok", nil))

	st := monitor.Snapshot("s1")
	if st == nil {
		t.Fatal("expected tracked session")
	}
	if st.SafetyConfidence != 1.0 || st.FulfillmentConfidence != 1.0 {
		t.Errorf("confidences must start at 1.0: %+v", st)
	}
	if st.AlertLevel != AlertNominal {
		t.Errorf("expected nominal alert, got %s", st.AlertLevel)
	}
}

func TestSafetyConfidenceOnlyDecreases(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "ok",
		map[string]any{"decision": "needs_review"}))
	if st := monitor.Snapshot("s1"); st.SafetyConfidence != 0.6 {
		t.Fatalf("expected 0.6 after needs_review, got %v", st.SafetyConfidence)
	}

	// A later, stronger signal must not raise the floor.
	hub.Broadcast(stageMsg("s1", broadcast.AgentRiskScorer, "risk_scoring", "ok",
		map[string]any{"risk_level": "low", "risk_score": 0.1}))
	if st := monitor.Snapshot("s1"); st.SafetyConfidence != 0.6 {
		t.Errorf("safety confidence must not increase, got %v", st.SafetyConfidence)
	}
}

func TestWarnEscalationBelowThreshold(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentRiskScorer, "risk_scoring", "ok",
		map[string]any{"risk_level": "high", "risk_score": 0.7}))

	st := monitor.Snapshot("s1")
	if st.SafetyConfidence != 0.3 {
		t.Fatalf("expected safety confidence 0.3, got %v", st.SafetyConfidence)
	}
	if st.AlertLevel != AlertWarn {
		t.Errorf("expected warn alert, got %s", st.AlertLevel)
	}
}

func TestDominantModeFollowsWeakerSignal(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "ok",
		map[string]any{"decision": "approved"}))
	hub.Broadcast(stageMsg("s1", broadcast.AgentInventory, "inventory", "ok",
		map[string]any{"availability_score": 0.4}))

	st := monitor.Snapshot("s1")
	if st.DominantMode != ModeFulfillment {
		t.Errorf("fulfillment is the weaker signal, got %s", st.DominantMode)
	}
	if st.ContributingScores["inventory"] != 0.4 {
		t.Errorf("contributing score not recorded: %+v", st.ContributingScores)
	}
}

func TestAlertEscalationIsMonotonic(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "rejected",
		map[string]any{"decision": "rejected"}))
	st := monitor.Snapshot("s1")
	if st.AlertLevel != AlertCritical {
		t.Fatalf("rejection must escalate to critical, got %s", st.AlertLevel)
	}
	if st.PipelinePhase != PhaseHalted {
		t.Errorf("expected halted phase, got %s", st.PipelinePhase)
	}
	if st.HaltReason == "" {
		t.Error("expected a halt reason")
	}
}

func TestTerminalMessageClosesSession(t *testing.T) {
	monitor, hub, capture := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentFulfillment, "fulfillment", "completed",
		map[string]any{"order_id": "ord-1"}))

	st := monitor.Snapshot("s1")
	if !st.Closed {
		t.Fatal("expected closed session with zero close delay")
	}
	if st.PipelinePhase != PhaseComplete {
		t.Errorf("expected complete phase, got %s", st.PipelinePhase)
	}

	closed := capture.byType("session_closed")
	if len(closed) != 1 {
		t.Fatalf("expected one session_closed broadcast, got %d", len(closed))
	}

	// Messages after close are ignored.
	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "rejected",
		map[string]any{"decision": "rejected"}))
	if st := monitor.Snapshot("s1"); st.AlertLevel == AlertCritical {
		t.Error("closed session must not keep folding messages")
	}
}

func TestFusionBroadcastCarriesConsolidatedState(t *testing.T) {
	_, hub, capture := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "ok",
		map[string]any{"decision": "needs_review"}))

	updates := capture.byType("fusion")
	if len(updates) == 0 {
		t.Fatal("expected a fusion broadcast")
	}
	last := updates[len(updates)-1]
	if last.Details["safety_confidence"] != 0.6 {
		t.Errorf("fusion message must carry confidence: %+v", last.Details)
	}
	if last.Details["alert_level"] == nil || last.Details["dominant_mode"] == nil {
		t.Errorf("fusion message missing fields: %+v", last.Details)
	}
}

func TestMonitorIgnoresOwnBroadcasts(t *testing.T) {
	monitor, hub, capture := newTestMonitor()

	hub.Broadcast(stageMsg("s1", broadcast.AgentValidator, "validation", "ok",
		map[string]any{"decision": "approved"}))
	before := len(capture.byType("fusion"))

	// Re-deliver a fusion message; no new fusion broadcast may result.
	hub.Broadcast(broadcast.NewMessage("s1", broadcast.AgentOrchestrator, "validation", "fusion", "ok",
		map[string]any{"safety_confidence": 0.0}))

	if got := len(capture.byType("fusion")); got != before+1 {
		t.Errorf("fusion input must not trigger fusion output: %d -> %d", before, got)
	}
	if st := monitor.Snapshot("s1"); st.SafetyConfidence != 1.0 {
		t.Errorf("fusion input must not change state, got %v", st.SafetyConfidence)
	}
}

func TestSessionsCount(t *testing.T) {
	monitor, hub, _ := newTestMonitor()

	hub.Broadcast(stageMsg("a", broadcast.AgentOrchestrator, "intake", "ok", nil))
	hub.Broadcast(stageMsg("b", broadcast.AgentOrchestrator, "intake", "ok", nil))
	if monitor.Sessions() != 2 {
		t.Errorf("expected 2 tracked sessions, got %d", monitor.Sessions())
	}
	if monitor.Snapshot("unknown") != nil {
		t.Error("unknown session must return nil")
	}
}
