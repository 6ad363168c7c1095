package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/confirm"
	"github.com/carebridge/go-apo/internal/domain/order"
)

// ConfirmationStore is the externalized confirmation gate for multi-process
// deployments. Consume relies on the database's atomic delete-on-read, so
// the at-most-once guarantee holds across processes.
type ConfirmationStore struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger *zap.Logger
}

var _ confirm.Keeper = (*ConfirmationStore)(nil)

// NewConfirmationStore creates a store with the given TTL. A non-positive
// ttl falls back to confirm.DefaultTTL.
func NewConfirmationStore(pool *pgxpool.Pool, ttl time.Duration, logger *zap.Logger) *ConfirmationStore {
	if ttl <= 0 {
		ttl = confirm.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmationStore{pool: pool, ttl: ttl, logger: logger}
}

// Create opens or replaces the gate for a session.
func (s *ConfirmationStore) Create(ctx context.Context, sessionID string, snapshot *order.Context, summary string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal context snapshot: %w", err)
	}

	query := `
		INSERT INTO confirmations (session_id, token, context, summary, expires_at)
		VALUES ($1, $2, $3, $4, NOW() + $5::interval)
		ON CONFLICT (session_id) DO UPDATE
		SET token = $2, context = $3, summary = $4,
		    expires_at = NOW() + $5::interval, created_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, token, payload, summary, s.ttl.String()); err != nil {
		return "", fmt.Errorf("create confirmation: %w", err)
	}
	return token, nil
}

// IsPending reports whether a live entry exists.
func (s *ConfirmationStore) IsPending(ctx context.Context, sessionID string) (bool, error) {
	entry, err := s.GetPending(ctx, sessionID)
	return entry != nil, err
}

// GetPending returns the live entry without consuming it.
func (s *ConfirmationStore) GetPending(ctx context.Context, sessionID string) (*confirm.Entry, error) {
	query := `
		SELECT session_id, token, context, summary, expires_at, created_at
		FROM confirmations
		WHERE session_id = $1 AND expires_at > NOW()
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, sessionID))
}

// Get returns the entry only on exact token match; mismatch and absence are
// indistinguishable.
func (s *ConfirmationStore) Get(ctx context.Context, sessionID, token string) (*confirm.Entry, error) {
	query := `
		SELECT session_id, token, context, summary, expires_at, created_at
		FROM confirmations
		WHERE session_id = $1 AND token = $2 AND expires_at > NOW()
	`
	entry, err := s.scanOne(s.pool.QueryRow(ctx, query, sessionID, token))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		s.logger.Warn("confirmation lookup failed", zap.String("session_id", sessionID))
	}
	return entry, nil
}

// Consume atomically removes and returns the entry on exact token match.
func (s *ConfirmationStore) Consume(ctx context.Context, sessionID, token string) (*confirm.Entry, error) {
	query := `
		DELETE FROM confirmations
		WHERE session_id = $1 AND token = $2 AND expires_at > NOW()
		RETURNING session_id, token, context, summary, expires_at, created_at
	`
	entry, err := s.scanOne(s.pool.QueryRow(ctx, query, sessionID, token))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		s.logger.Warn("confirmation consume failed", zap.String("session_id", sessionID))
	}
	return entry, nil
}

// Cancel removes any pending entry.
func (s *ConfirmationStore) Cancel(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM confirmations WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("cancel confirmation: %w", err)
	}
	return nil
}

// Pending returns the number of live entries, for the pending-gate gauge.
func (s *ConfirmationStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM confirmations WHERE expires_at > NOW()").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmations: %w", err)
	}
	return n, nil
}

// EvictExpired removes expired entries; run periodically from the relay.
func (s *ConfirmationStore) EvictExpired(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, "DELETE FROM confirmations WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("evict confirmations: %w", err)
	}
	return result.RowsAffected(), nil
}

func (s *ConfirmationStore) scanOne(row pgx.Row) (*confirm.Entry, error) {
	entry := &confirm.Entry{}
	var payload []byte
	err := row.Scan(&entry.SessionID, &entry.Token, &payload, &entry.Summary, &entry.ExpiresAt, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan confirmation: %w", err)
	}

	octx := &order.Context{}
	if err := json.Unmarshal(payload, octx); err != nil {
		return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	entry.Context = octx
	return entry, nil
}
