// Package eventbus provides the in-process publish/subscribe dispatcher that
// decouples pipeline stages from notification and telemetry consumers.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
)

// TagAll subscribes a handler to every event type.
const TagAll order.EventType = "*"

// Handler processes a published event. A returned error is logged and never
// propagated to the publisher.
type Handler func(ctx context.Context, evt *order.Event) error

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus is closed")

type subscription struct {
	name    string
	handler Handler
	queue   chan *delivery // nil for synchronous subscribers
}

type delivery struct {
	ctx context.Context
	evt *order.Event
}

// Bus fans each published event out to all handlers registered for its tag,
// in registration order. Synchronous handlers run inline; asynchronous
// handlers get a single ordered worker each so a slow consumer never stalls
// the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[order.EventType][]*subscription
	closed bool

	logger *zap.Logger
	tracer trace.Tracer

	inflight sync.WaitGroup // queued async deliveries
	workers  sync.WaitGroup

	published       int64
	handlerFailures int64
	dropped         int64
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[order.EventType][]*subscription),
		logger: logger,
		tracer: otel.Tracer("eventbus"),
	}
}

// Subscribe registers a synchronous handler for a tag. Registration order is
// dispatch order.
func (b *Bus) Subscribe(tag order.EventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[tag] = append(b.subs[tag], &subscription{name: name, handler: h})
}

// SubscribeAsync registers a handler that consumes events from its own
// ordered queue. Deliveries that would overflow the queue are dropped and
// logged; the publisher is never blocked.
func (b *Bus) SubscribeAsync(tag order.EventType, name string, buffer int, h Handler) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscription{
		name:    name,
		handler: h,
		queue:   make(chan *delivery, buffer),
	}

	b.mu.Lock()
	b.subs[tag] = append(b.subs[tag], sub)
	b.mu.Unlock()

	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		for d := range sub.queue {
			if d == nil { // shutdown sentinel
				return
			}
			b.invoke(d.ctx, sub, d.evt)
			b.inflight.Done()
		}
	}()
}

// Publish dispatches an event to every handler registered for its tag and
// for TagAll. Handler failures and panics are contained: the publisher never
// fails because a consumer did.
func (b *Bus) Publish(ctx context.Context, evt *order.Event) error {
	ctx, span := b.tracer.Start(ctx, "bus_publish",
		trace.WithAttributes(
			attribute.String("event_id", evt.ID),
			attribute.String("event_type", string(evt.Type)),
		))
	defer span.End()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, 0, len(b.subs[evt.Type])+len(b.subs[TagAll]))
	subs = append(subs, b.subs[evt.Type]...)
	subs = append(subs, b.subs[TagAll]...)

	// Async deliveries are enqueued while the read lock is still held, so
	// Close cannot slip in between the closed check and the enqueue and
	// retire a worker with a delivery stranded in its queue.
	var inline []*subscription
	for _, sub := range subs {
		if sub.queue == nil {
			inline = append(inline, sub)
			continue
		}
		b.inflight.Add(1)
		select {
		case sub.queue <- &delivery{ctx: context.WithoutCancel(ctx), evt: evt}:
		default:
			b.inflight.Done()
			atomic.AddInt64(&b.dropped, 1)
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("handler", sub.name),
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(evt.Type)))
		}
	}
	b.mu.RUnlock()

	atomic.AddInt64(&b.published, 1)
	for _, sub := range inline {
		b.invoke(ctx, sub, evt)
	}
	return nil
}

// invoke runs one handler with panic containment.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt *order.Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&b.handlerFailures, 1)
			b.logger.Error("event handler panicked",
				zap.String("handler", sub.name),
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		atomic.AddInt64(&b.handlerFailures, 1)
		b.logger.Error("event handler failed",
			zap.String("handler", sub.name),
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err))
	}
}

// Wait blocks until all queued asynchronous deliveries have been handled.
// Intended for tests and graceful shutdown.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Close stops accepting publishes, drains queued deliveries and waits for
// async workers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var queues []chan *delivery
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.queue != nil {
				queues = append(queues, sub.queue)
			}
		}
	}
	b.mu.Unlock()

	b.inflight.Wait()
	for _, q := range queues {
		q <- nil
	}
	b.workers.Wait()
}

// Stats holds bus counters.
type Stats struct {
	Published       int64
	HandlerFailures int64
	Dropped         int64
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       atomic.LoadInt64(&b.published),
		HandlerFailures: atomic.LoadInt64(&b.handlerFailures),
		Dropped:         atomic.LoadInt64(&b.dropped),
	}
}
