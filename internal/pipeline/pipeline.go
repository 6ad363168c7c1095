// Package pipeline implements the agent-pipeline state machine that threads
// a request context through validation, risk scoring, inventory and
// fulfillment, publishing domain events at every decision point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/broadcast"
	"github.com/carebridge/go-apo/internal/confirm"
	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
)

// State is one node of the pipeline state machine.
type State string

const (
	StateValidation  State = "validation"
	StateRiskScoring State = "risk_scoring"
	StateInventory   State = "inventory"
	StateFulfillment State = "fulfillment"
	StateEnd         State = "end"
)

// Status reports how a pipeline invocation ended.
type Status string

const (
	StatusCompleted            Status = "completed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
)

// ErrConfirmationNotFound is returned by Resume when the session has no live
// entry or the token does not match. The two cases are deliberately not
// distinguished.
var ErrConfirmationNotFound = errors.New("confirmation not found or expired")

// Outcome describes the result of a Run or Resume invocation. When Status is
// StatusCompleted exactly one terminal domain event has been published.
type Outcome struct {
	SessionID string
	Status    Status
	Terminal  order.EventType
	Reason    order.RejectReason
	OrderID   string
	Token     string
	Summary   string
}

// Pipeline sequences the four stages with conditional short-circuit routing.
// It is safe for concurrent use; each invocation owns its context.
type Pipeline struct {
	validation  ValidationClient
	risk        RiskClient
	inventory   InventoryClient
	fulfillment FulfillmentClient

	bus    *eventbus.Bus
	gate   confirm.Keeper
	hub    *broadcast.Hub
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a pipeline wired to its collaborators and side-effect outlets.
func New(v ValidationClient, r RiskClient, i InventoryClient, f FulfillmentClient,
	bus *eventbus.Bus, gate confirm.Keeper, hub *broadcast.Hub, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		validation:  v,
		risk:        r,
		inventory:   i,
		fulfillment: f,
		bus:         bus,
		gate:        gate,
		hub:         hub,
		logger:      logger,
		tracer:      otel.Tracer("pipeline"),
	}
}

// Run executes the state machine end-to-end for one request context. Every
// completed run has published exactly one terminal domain event before Run
// returns; collaborator failures publish order.failed and surface as a
// *CollaboratorError.
func (p *Pipeline) Run(ctx context.Context, octx *order.Context) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline_run",
		trace.WithAttributes(attribute.String("session_id", octx.SessionID)))
	defer span.End()

	p.emit(octx.SessionID, broadcast.AgentOrchestrator, "intake", "stage", "ok", map[string]any{
		"items_total": len(octx.Items),
	})

	state := StateValidation
	for state != StateEnd {
		var (
			out *Outcome
			err error
		)
		switch state {
		case StateValidation:
			state, out, err = p.runValidation(ctx, octx)
		case StateRiskScoring:
			state, out, err = p.runRiskScoring(ctx, octx)
		case StateInventory:
			state, out, err = p.runInventory(ctx, octx)
		case StateFulfillment:
			state, out, err = p.runFulfillment(ctx, octx)
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("pipeline reached end state without outcome: session %s", octx.SessionID)
}

// Resume consumes the confirmation gate and finishes the run at the
// fulfillment stage. answer is "yes" or "no"; anything but "yes" declines.
// Replayed confirmations return ErrConfirmationNotFound and publish nothing.
func (p *Pipeline) Resume(ctx context.Context, sessionID, token, answer string) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline_resume",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	entry, err := p.gate.Consume(ctx, sessionID, token)
	if err != nil {
		return nil, fmt.Errorf("consume confirmation: %w", err)
	}
	if entry == nil {
		return nil, ErrConfirmationNotFound
	}

	octx := entry.Context
	if !strings.EqualFold(answer, "yes") {
		p.publish(ctx, octx.SessionID, order.EventOrderRejected, &order.OrderRejectedPayload{
			UserID:       octx.UserID,
			ChannelPhone: octx.ChannelPhone,
			Reason:       order.ReasonConfirmationDeclined,
			Details:      map[string]any{"summary": entry.Summary},
		})
		p.emit(octx.SessionID, broadcast.AgentOrchestrator, "confirmation", "gate", "rejected", map[string]any{
			"answer": answer,
		})
		return &Outcome{
			SessionID: octx.SessionID,
			Status:    StatusCompleted,
			Terminal:  order.EventOrderRejected,
			Reason:    order.ReasonConfirmationDeclined,
		}, nil
	}

	octx.Confirmed = true
	p.emit(octx.SessionID, broadcast.AgentOrchestrator, "confirmation", "gate", "ok", map[string]any{
		"answer": "yes",
	})

	_, out, err := p.runFulfillment(ctx, octx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// runValidation executes the validation stage. Rejection ends the run;
// approved and needs_review both proceed to risk scoring.
func (p *Pipeline) runValidation(ctx context.Context, octx *order.Context) (State, *Outcome, error) {
	verdict, err := p.validation.Validate(ctx, octx.Items, octx.PrescriptionVerified)
	if err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateValidation, broadcast.AgentValidator, err)
	}
	if err := octx.SetValidation(verdict); err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateValidation, broadcast.AgentValidator, err)
	}

	p.publish(ctx, octx.SessionID, order.EventPrescriptionValidated, &order.PrescriptionValidatedPayload{
		UserID:       octx.UserID,
		Decision:     verdict.Decision,
		SafetyIssues: verdict.SafetyIssues,
	})

	status := "ok"
	if verdict.Decision == order.DecisionRejected {
		status = "rejected"
	}
	p.emit(octx.SessionID, broadcast.AgentValidator, string(StateValidation), "stage", status, map[string]any{
		"decision":      string(verdict.Decision),
		"safety_issues": verdict.SafetyIssues,
	})

	if verdict.Decision == order.DecisionRejected {
		p.publish(ctx, octx.SessionID, order.EventOrderRejected, &order.OrderRejectedPayload{
			UserID:       octx.UserID,
			ChannelPhone: octx.ChannelPhone,
			Reason:       order.ReasonPrescriptionRejected,
			Details:      map[string]any{"safety_issues": verdict.SafetyIssues},
		})
		return StateEnd, &Outcome{
			SessionID: octx.SessionID,
			Status:    StatusCompleted,
			Terminal:  order.EventOrderRejected,
			Reason:    order.ReasonPrescriptionRejected,
		}, nil
	}
	return StateRiskScoring, nil, nil
}

// runRiskScoring executes the risk stage. The risk collaborator has already
// downgraded the verdict on critical risk; this transition only publishes.
func (p *Pipeline) runRiskScoring(ctx context.Context, octx *order.Context) (State, *Outcome, error) {
	verdict, err := p.risk.Score(ctx, octx)
	if err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateRiskScoring, broadcast.AgentRiskScorer, err)
	}
	if err := octx.SetRisk(verdict); err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateRiskScoring, broadcast.AgentRiskScorer, err)
	}

	status := "ok"
	if verdict.Level == order.RiskCritical {
		status = "rejected"
	}
	p.emit(octx.SessionID, broadcast.AgentRiskScorer, string(StateRiskScoring), "stage", status, map[string]any{
		"risk_level": string(verdict.Level),
		"risk_score": verdict.Score,
		"factors":    verdict.Factors,
	})

	if verdict.Level == order.RiskCritical {
		p.publish(ctx, octx.SessionID, order.EventOrderRejected, &order.OrderRejectedPayload{
			UserID:       octx.UserID,
			ChannelPhone: octx.ChannelPhone,
			Reason:       order.ReasonCriticalRiskBlocked,
			Details: map[string]any{
				"risk_score": verdict.Score,
				"factors":    verdict.Factors,
			},
		})
		return StateEnd, &Outcome{
			SessionID: octx.SessionID,
			Status:    StatusCompleted,
			Terminal:  order.EventOrderRejected,
			Reason:    order.ReasonCriticalRiskBlocked,
		}, nil
	}
	return StateInventory, nil, nil
}

// runInventory executes the inventory stage. Zero availability ends the run;
// partial availability proceeds, gated behind confirmation when the channel
// supports an asynchronous round trip.
func (p *Pipeline) runInventory(ctx context.Context, octx *order.Context) (State, *Outcome, error) {
	verdict, err := p.inventory.Check(ctx, octx.Items)
	if err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateInventory, broadcast.AgentInventory, err)
	}
	if err := octx.SetInventory(verdict); err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateInventory, broadcast.AgentInventory, err)
	}

	p.publish(ctx, octx.SessionID, order.EventInventoryChecked, &order.InventoryCheckedPayload{
		UserID:            octx.UserID,
		AvailabilityScore: verdict.AvailabilityScore,
		ItemsAvailable:    verdict.AvailableCount(),
		ItemsTotal:        len(verdict.Items),
	})

	status := "ok"
	if verdict.AvailabilityScore == 0 {
		status = "rejected"
	}
	p.emit(octx.SessionID, broadcast.AgentInventory, string(StateInventory), "stage", status, map[string]any{
		"availability_score": verdict.AvailabilityScore,
		"items_available":    verdict.AvailableCount(),
		"items_total":        len(verdict.Items),
	})

	if verdict.AvailabilityScore == 0 {
		p.publish(ctx, octx.SessionID, order.EventOrderRejected, &order.OrderRejectedPayload{
			UserID:       octx.UserID,
			ChannelPhone: octx.ChannelPhone,
			Reason:       order.ReasonNoStockAvailable,
			Details:      map[string]any{"items_total": len(verdict.Items)},
		})
		return StateEnd, &Outcome{
			SessionID: octx.SessionID,
			Status:    StatusCompleted,
			Terminal:  order.EventOrderRejected,
			Reason:    order.ReasonNoStockAvailable,
		}, nil
	}

	if octx.ChannelPhone != "" && !octx.Confirmed && verdict.NeedsConfirmation() {
		summary := confirmationSummary(verdict)
		token, err := p.gate.Create(ctx, octx.SessionID, octx.Snapshot(), summary)
		if err != nil {
			return StateEnd, nil, p.fail(ctx, octx, StateInventory, broadcast.AgentInventory, err)
		}

		p.publish(ctx, octx.SessionID, order.EventNotificationSend, &order.NotificationSendPayload{
			UserID:           octx.UserID,
			NotificationType: "confirmation_request",
			Message:          summary,
			Priority:         order.PriorityHigh,
		})
		p.emit(octx.SessionID, broadcast.AgentOrchestrator, "confirmation", "gate", "ok", map[string]any{
			"summary": summary,
		})

		return StateEnd, &Outcome{
			SessionID: octx.SessionID,
			Status:    StatusAwaitingConfirmation,
			Token:     token,
			Summary:   summary,
		}, nil
	}
	return StateFulfillment, nil, nil
}

// runFulfillment executes the terminal stage. It publishes order.created on
// success or order.failed on collaborator failure before returning.
func (p *Pipeline) runFulfillment(ctx context.Context, octx *order.Context) (State, *Outcome, error) {
	result, err := p.fulfillment.Fulfill(ctx, octx)
	if err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateFulfillment, broadcast.AgentFulfillment, err)
	}
	if err := octx.SetFulfillment(result); err != nil {
		return StateEnd, nil, p.fail(ctx, octx, StateFulfillment, broadcast.AgentFulfillment, err)
	}

	for _, res := range result.Reservations {
		p.publish(ctx, octx.SessionID, order.EventInventoryReserved, &order.InventoryReservedPayload{
			MedicineName:  res.MedicineName,
			Quantity:      res.Quantity,
			ReservationID: res.ReservationID,
		})
	}

	decision := order.DecisionApproved
	if octx.Validation != nil {
		decision = octx.Validation.Decision
	}
	p.publish(ctx, octx.SessionID, order.EventOrderCreated, &order.OrderCreatedPayload{
		OrderID:      result.OrderID,
		UserID:       octx.UserID,
		ChannelPhone: octx.ChannelPhone,
		TotalAmount:  result.TotalAmount,
		Items:        octx.Items,
		Decision:     decision,
	})
	p.emit(octx.SessionID, broadcast.AgentFulfillment, string(StateFulfillment), "stage", "completed", map[string]any{
		"order_id":     result.OrderID,
		"order_status": result.OrderStatus,
		"total_amount": result.TotalAmount,
	})

	p.logger.Info("order created",
		zap.String("session_id", octx.SessionID),
		zap.String("order_id", result.OrderID))

	return StateEnd, &Outcome{
		SessionID: octx.SessionID,
		Status:    StatusCompleted,
		Terminal:  order.EventOrderCreated,
		OrderID:   result.OrderID,
	}, nil
}

// fail translates a collaborator failure into an order.failed terminal event
// and the distinct error class the API boundary relies on.
func (p *Pipeline) fail(ctx context.Context, octx *order.Context, stage State, agent string, err error) error {
	kind := classify(err)

	p.publish(ctx, octx.SessionID, order.EventOrderFailed, &order.OrderFailedPayload{
		UserID:       octx.UserID,
		ChannelPhone: octx.ChannelPhone,
		Message:      err.Error(),
		Kind:         kind,
	})
	p.emit(octx.SessionID, agent, string(stage), "stage", "failed", map[string]any{
		"error_kind": string(kind),
	})

	p.logger.Error("pipeline stage failed",
		zap.String("session_id", octx.SessionID),
		zap.String("stage", string(stage)),
		zap.String("kind", string(kind)),
		zap.Error(err))

	return &CollaboratorError{Stage: stage, Kind: kind, Err: err}
}

// classify maps a collaborator error to a failure kind.
func classify(err error) order.FailureKind {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return order.FailureTimeout
	}
	return order.FailureUnexpected
}

// publish sends a domain event; payload marshal failures are logged, never
// allowed past this boundary.
func (p *Pipeline) publish(ctx context.Context, sessionID string, t order.EventType, data any) {
	evt, err := order.NewEvent(sessionID, t, data)
	if err != nil {
		p.logger.Error("event payload marshal failed",
			zap.String("session_id", sessionID),
			zap.String("event_type", string(t)),
			zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.logger.Error("event publish failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// emit broadcasts a live trace message to observers.
func (p *Pipeline) emit(sessionID, agent, step, typ, status string, details map[string]any) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(broadcast.NewMessage(sessionID, agent, step, typ, status, details))
}

// confirmationSummary builds the human-readable substitution explanation
// sent with a confirmation request.
func confirmationSummary(t *order.InventoryTrace) string {
	var parts []string
	for _, it := range t.Items {
		switch {
		case it.Substitution != "":
			parts = append(parts, fmt.Sprintf("%s is out of stock; %s is available as a substitute", it.MedicineName, it.Substitution))
		case !it.Available:
			parts = append(parts, fmt.Sprintf("%s is currently unavailable", it.MedicineName))
		}
	}
	if len(parts) == 0 {
		return "Please confirm your order."
	}
	return strings.Join(parts, ". ") + ". Reply YES to proceed with the available items."
}
