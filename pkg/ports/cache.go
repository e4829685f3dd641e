package ports

import (
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
)

// Cache holds recently used sessions in process memory.
// Implementations store and return clones, never shared pointers.
type Cache interface {
	// Get returns the cached session, or false if absent or expired.
	Get(sessionID string) (*domain.Session, bool)

	// Put stores s for ttl. A non-positive ttl uses the implementation default.
	Put(sessionID string, s *domain.Session, ttl time.Duration)

	// Invalidate removes the given entries.
	Invalidate(sessionIDs ...string)

	// Purge removes every expired entry and returns how many were removed.
	Purge() int

	// Len reports the number of entries, expired ones included until purged.
	Len() int
}
