package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DistributedLockTTL bounds how long a crashed holder can block other replicas.
const DistributedLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lockMap serializes work per key inside one process.
// Entries are reference counted and removed when unused.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*lockEntry)}
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller must Lock entry.mu, and call release(key) after unlocking.
func (l *lockMap) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.locks[key]
	if !exists {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (l *lockMap) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.locks[key]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
}

func (l *lockMap) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// WithLock runs fn while holding the session's lock, in process and, when a
// DistributedLocker is configured, across replicas.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	return m.locked(ctx, "session:"+sessionID, fn)
}

func (m *Manager) locked(ctx context.Context, key string, fn func(context.Context) error) error {
	entry := m.locks.acquire(key)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.locks.release(key)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, key, DistributedLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// ctx may already be canceled; release with a fresh bounded context.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlock(releaseCtx); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
