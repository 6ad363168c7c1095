package fusion

import (
	"context"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/broadcast"
	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
)

// Exporter relays the monitor's consolidated broadcasts onto the event bus
// as fusion.signal events, so the outbox ships them to the broker alongside
// the order events. Stage traces stay in-process.
type Exporter struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

var _ broadcast.Sink = (*Exporter)(nil)

// NewExporter creates an exporter. Register it with hub.AttachGlobal.
func NewExporter(bus *eventbus.Bus, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{bus: bus, logger: logger}
}

// Deliver implements broadcast.Sink. A closed-bus error propagates so the
// hub prunes the exporter during shutdown.
func (e *Exporter) Deliver(msg *broadcast.Message) error {
	if msg.Type != "fusion" && msg.Type != "session_closed" {
		return nil
	}

	evt, err := order.NewEvent(msg.SessionID, order.EventFusionSignal, msg)
	if err != nil {
		e.logger.Error("encode fusion signal",
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		return nil
	}
	return e.bus.Publish(context.Background(), evt)
}
