package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/google/uuid"
)

// Gateway implements ports.Gateway in memory.
// Records are copied on every read and write. Safe for concurrent use.
type Gateway struct {
	mu        sync.RWMutex
	byDB      map[string]domain.Record
	bySession map[string]string

	callsMu sync.Mutex
	calls   map[string]int
}

// NewGateway creates an empty in-memory gateway.
func NewGateway() *Gateway {
	return &Gateway{
		byDB:      make(map[string]domain.Record),
		bySession: make(map[string]string),
		calls:     make(map[string]int),
	}
}

// Calls returns how many times each method has been invoked.
func (g *Gateway) Calls() map[string]int {
	g.callsMu.Lock()
	defer g.callsMu.Unlock()
	out := make(map[string]int, len(g.calls))
	for k, v := range g.calls {
		out[k] = v
	}
	return out
}

func (g *Gateway) count(method string) {
	g.callsMu.Lock()
	g.calls[method]++
	g.callsMu.Unlock()
}

// Insert stores a new record with version 0.
func (g *Gateway) Insert(ctx context.Context, rec domain.Record) (string, error) {
	g.count("Insert")
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.bySession[rec.SessionID]; exists {
		return "", domain.ErrDuplicateSession
	}
	dbID := uuid.NewString()
	stored := rec.Clone()
	stored.DatabaseID = dbID
	stored.Version = 0
	g.byDB[dbID] = stored
	g.bySession[rec.SessionID] = dbID
	return dbID, nil
}

// GetByID retrieves a record by database ID.
func (g *Gateway) GetByID(ctx context.Context, databaseID string) (domain.Record, error) {
	g.count("GetByID")
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.byDB[databaseID]
	if !ok {
		return domain.Record{}, domain.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// GetBySessionID retrieves a record by session ID.
func (g *Gateway) GetBySessionID(ctx context.Context, sessionID string) (domain.Record, error) {
	g.count("GetBySessionID")
	g.mu.RLock()
	defer g.mu.RUnlock()

	dbID, ok := g.bySession[sessionID]
	if !ok {
		return domain.Record{}, domain.NewNotFoundError(sessionID)
	}
	return g.byDB[dbID].Clone(), nil
}

// GetBySessionIDs retrieves every known record among sessionIDs.
func (g *Gateway) GetBySessionIDs(ctx context.Context, sessionIDs []string) (map[string]domain.Record, error) {
	g.count("GetBySessionIDs")
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]domain.Record, len(sessionIDs))
	for _, id := range sessionIDs {
		if dbID, ok := g.bySession[id]; ok {
			out[id] = g.byDB[dbID].Clone()
		}
	}
	return out, nil
}

// Update replaces the record if the stored version matches rec.Version.
func (g *Gateway) Update(ctx context.Context, databaseID string, rec domain.Record) error {
	g.count("Update")
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.byDB[databaseID]
	if !ok {
		return domain.NewNotFoundError(rec.SessionID)
	}
	if current.Version != rec.Version {
		return &domain.ConcurrentModificationError{
			SessionID: current.SessionID,
			Expected:  rec.Version,
			Actual:    current.Version,
		}
	}
	stored := rec.Clone()
	stored.DatabaseID = databaseID
	stored.SessionID = current.SessionID
	stored.Version = rec.Version + 1
	g.byDB[databaseID] = stored
	return nil
}

// Delete removes the record.
func (g *Gateway) Delete(ctx context.Context, databaseID string) error {
	g.count("Delete")
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byDB[databaseID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	delete(g.byDB, databaseID)
	delete(g.bySession, rec.SessionID)
	return nil
}

// GetExpired lists active records last updated before olderThan, stalest first.
func (g *Gateway) GetExpired(ctx context.Context, olderThan time.Time) ([]domain.Record, error) {
	g.count("GetExpired")
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []domain.Record
	for _, rec := range g.byDB {
		if rec.Status == domain.StatusActive && rec.LastUpdatedAt.Before(olderThan) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return a.LastUpdatedAt.Compare(b.LastUpdatedAt) })
	return out, nil
}

// BatchAbandon abandons every still-idle active session among sessionIDs under one lock.
func (g *Gateway) BatchAbandon(ctx context.Context, sessionIDs []string, olderThan, at time.Time, reason string) (int, error) {
	g.count("BatchAbandon")
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := 0
	for _, id := range sessionIDs {
		dbID, ok := g.bySession[id]
		if !ok {
			continue
		}
		rec := g.byDB[dbID]
		if ports.AbandonRecord(&rec, olderThan, at, reason) {
			g.byDB[dbID] = rec
			changed++
		}
	}
	return changed, nil
}

// CountActiveForUser counts the user's active sessions.
func (g *Gateway) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	g.count("CountActiveForUser")
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, rec := range g.byDB {
		if rec.UserID == userID && rec.Status == domain.StatusActive {
			n++
		}
	}
	return n, nil
}

// GetOldestActiveForUser returns the user's earliest-created active session.
func (g *Gateway) GetOldestActiveForUser(ctx context.Context, userID string) (domain.Record, error) {
	g.count("GetOldestActiveForUser")
	g.mu.RLock()
	defer g.mu.RUnlock()

	var (
		oldest domain.Record
		found  bool
	)
	for _, rec := range g.byDB {
		if rec.UserID != userID || rec.Status != domain.StatusActive {
			continue
		}
		if !found || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest, found = rec, true
		}
	}
	if !found {
		return domain.Record{}, domain.ErrSessionNotFound
	}
	return oldest.Clone(), nil
}

// ListForUser returns all of the user's sessions ordered by creation time.
func (g *Gateway) ListForUser(ctx context.Context, userID string) ([]domain.Record, error) {
	g.count("ListForUser")
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []domain.Record
	for _, rec := range g.byDB {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

var _ ports.Gateway = (*Gateway)(nil)
