// Package confirm implements the confirmation gate: a TTL-scoped, single-use
// token store guarding the one irreversible action, order creation.
package confirm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/domain/order"
)

// DefaultTTL is how long a pending confirmation stays valid.
const DefaultTTL = 5 * time.Minute

// Entry is one pending confirmation for a session.
type Entry struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
	Context   *order.Context
	Summary   string
	CreatedAt time.Time
}

// Keeper is the gate surface the pipeline and API handlers depend on. The
// in-memory Gate serves a single process; multi-process deployments swap in
// a store with atomic delete-on-read (see infrastructure/postgres).
type Keeper interface {
	// Create opens the gate for a session, superseding any prior entry, and
	// returns the new single-use token.
	Create(ctx context.Context, sessionID string, snapshot *order.Context, summary string) (string, error)
	// IsPending reports whether a live entry exists.
	IsPending(ctx context.Context, sessionID string) (bool, error)
	// GetPending returns the live entry without consuming it, or nil.
	GetPending(ctx context.Context, sessionID string) (*Entry, error)
	// Get returns the entry only on exact token match, or nil. Mismatch and
	// absence are indistinguishable to the caller.
	Get(ctx context.Context, sessionID, token string) (*Entry, error)
	// Consume validates like Get and atomically removes the entry. Replays
	// return nil.
	Consume(ctx context.Context, sessionID, token string) (*Entry, error)
	// Cancel removes any pending entry without executing it.
	Cancel(ctx context.Context, sessionID string) error
}

// Gate is the in-memory Keeper. Expiry is evaluated lazily on read; there is
// no background sweep.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

var _ Keeper = (*Gate)(nil)

// NewGate creates an in-memory gate. A non-positive ttl falls back to
// DefaultTTL.
func NewGate(ttl time.Duration, logger *zap.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// newToken returns an unguessable single-use token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create opens or replaces the gate for a session. A superseded token is
// permanently invalid even if not yet expired.
func (g *Gate) Create(_ context.Context, sessionID string, snapshot *order.Context, summary string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := g.now()
	g.mu.Lock()
	g.entries[sessionID] = &Entry{
		SessionID: sessionID,
		Token:     token,
		ExpiresAt: now.Add(g.ttl),
		Context:   snapshot,
		Summary:   summary,
		CreatedAt: now,
	}
	g.mu.Unlock()

	g.logger.Info("confirmation gate opened",
		zap.String("session_id", sessionID),
		zap.Duration("ttl", g.ttl))
	return token, nil
}

// IsPending reports whether a live entry exists for the session.
func (g *Gate) IsPending(ctx context.Context, sessionID string) (bool, error) {
	entry, err := g.GetPending(ctx, sessionID)
	return entry != nil, err
}

// GetPending returns the live entry without consuming it. Expired entries
// are evicted and reported absent.
func (g *Gate) GetPending(_ context.Context, sessionID string) (*Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked(sessionID), nil
}

// Get returns the entry only on exact token match. A mismatch is logged but
// reported identically to absence, so tokens cannot be probed.
func (g *Gate) Get(_ context.Context, sessionID, token string) (*Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := g.liveLocked(sessionID)
	if entry == nil || entry.Token != token {
		g.logger.Warn("confirmation lookup failed", zap.String("session_id", sessionID))
		return nil, nil
	}
	return entry, nil
}

// Consume validates like Get and atomically removes the entry. Subsequent
// calls with the same session and token return nil; this is the at-most-once
// contract fulfillment relies on.
func (g *Gate) Consume(_ context.Context, sessionID, token string) (*Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := g.liveLocked(sessionID)
	if entry == nil || entry.Token != token {
		g.logger.Warn("confirmation consume failed", zap.String("session_id", sessionID))
		return nil, nil
	}
	delete(g.entries, sessionID)
	return entry, nil
}

// Cancel removes any pending entry.
func (g *Gate) Cancel(_ context.Context, sessionID string) error {
	g.mu.Lock()
	delete(g.entries, sessionID)
	g.mu.Unlock()
	return nil
}

// Pending returns the number of live entries.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	now := g.now()
	for _, e := range g.entries {
		if now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}

// liveLocked returns the non-expired entry for a session, lazily evicting an
// expired one. Caller holds g.mu.
func (g *Gate) liveLocked(sessionID string) *Entry {
	entry, ok := g.entries[sessionID]
	if !ok {
		return nil
	}
	if !g.now().Before(entry.ExpiresAt) {
		delete(g.entries, sessionID)
		return nil
	}
	return entry
}
