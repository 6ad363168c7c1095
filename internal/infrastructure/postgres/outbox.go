// Package postgres provides PostgreSQL infrastructure: the transactional
// outbox for domain events and the externalized confirmation store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
)

// relayLockID is the advisory lock shared by relay instances so only one
// processes a batch at a time.
const relayLockID = int64(804512271)

// OutboxEntry is one domain event awaiting delivery to the broker.
type OutboxEntry struct {
	ID          int64
	EventID     string
	SessionID   string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Publisher delivers an outbox entry to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicMapper resolves the broker topic for an event type.
type TopicMapper func(eventType order.EventType) string

// Outbox stores domain events durably and relays them to the broker. The
// agent API enqueues; the relay service drains.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	topicFor  TopicMapper
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox. publisher may be nil for enqueue-only use in
// the API service.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, topicFor TopicMapper, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		topicFor:  topicFor,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Enqueue stores a domain event for asynchronous delivery. Registered as a
// bus subscriber for every event tag.
func (o *Outbox) Enqueue(ctx context.Context, evt *order.Event) error {
	query := `
		INSERT INTO event_outbox (event_id, session_id, event_type, payload, topic)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := o.pool.Exec(ctx, query, evt.ID, evt.SessionID, evt.Type, evt.Payload, o.topicFor(evt.Type))
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and relaying entries.
func (o *Outbox) Start() {
	go o.relayLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) relayLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.relayBatch()
		}
	}
}

func (o *Outbox) relayBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_relay_batch")
	defer span.End()

	var acquired bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil || !acquired {
		return // another relay holds the lock
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := o.fetchPending(ctx)
	if err != nil {
		o.logger.Error("fetch outbox entries failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relayEntry(ctx, entry); err != nil {
			o.logger.Error("relay outbox entry failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, event_id, session_id, event_type, payload, topic, created_at, retry_count, last_error
		FROM event_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.SessionID, &e.EventType, &e.Payload,
			&e.Topic, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) relayEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	// Sessions are the partition key so per-session ordering survives the relay.
	if err := o.publisher.Publish(ctx, entry.Topic, entry.SessionID, entry.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := o.pool.Exec(ctx,
			"UPDATE event_outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2",
			errStr, entry.ID); updateErr != nil {
			o.logger.Error("update retry count failed", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := o.pool.Exec(ctx, "UPDATE event_outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MoveToDeadLetter republishes entries that exceeded max retries to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, deadLetterTopic string) (int64, error) {
	query := `
		SELECT id, event_id, session_id, event_type, payload, topic, retry_count, last_error
		FROM event_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query dead entries: %w", err)
	}
	defer rows.Close()

	var deads []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.SessionID, &e.EventType, &e.Payload,
			&e.Topic, &e.RetryCount, &e.LastError); err != nil {
			continue
		}
		deads = append(deads, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range deads {
		payload, _ := json.Marshal(map[string]any{
			"original_topic": e.Topic,
			"event_id":       e.EventID,
			"event_type":     e.EventType,
			"session_id":     e.SessionID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
		})
		if err := o.publisher.Publish(ctx, deadLetterTopic, e.SessionID, payload); err != nil {
			o.logger.Error("dead letter publish failed", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE event_outbox SET processed_at = NOW() WHERE id = $1", e.ID); err != nil {
			o.logger.Error("mark dead entry failed", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// PendingCount returns the number of entries awaiting relay.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var pending int64
	err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM event_outbox WHERE processed_at IS NULL AND retry_count < $1",
		o.config.MaxRetries).Scan(&pending)
	return pending, err
}

// CleanupProcessed removes relayed entries older than the given age.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx,
		"DELETE FROM event_outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval",
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}
