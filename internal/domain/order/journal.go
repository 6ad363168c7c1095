package order

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Journal persists the domain-event trail of every session. It is an audit
// log, not an event-sourced aggregate: the pipeline never replays it.
type Journal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewJournal creates a journal backed by the given pool.
func NewJournal(pool *pgxpool.Pool, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{pool: pool, logger: logger}
}

// Append stores a single event.
func (j *Journal) Append(ctx context.Context, evt *Event) error {
	query := `
		INSERT INTO session_events (event_id, session_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := j.pool.Exec(ctx, query, evt.ID, evt.SessionID, evt.Type, evt.Payload, evt.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List returns all events for a session in publication order.
func (j *Journal) List(ctx context.Context, sessionID string) ([]*Event, error) {
	query := `
		SELECT event_id, session_id, event_type, payload, occurred_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY occurred_at ASC, event_id ASC
	`
	rows, err := j.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListByType returns the most recent events of one type across sessions.
func (j *Journal) ListByType(ctx context.Context, t EventType, limit int) ([]*Event, error) {
	query := `
		SELECT event_id, session_id, event_type, payload, occurred_at
		FROM session_events
		WHERE event_type = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := j.pool.Query(ctx, query, t, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by type: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
