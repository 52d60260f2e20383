// Package affinity maps conversation session ids to the provider that served
// them, so follow-up turns land on the same provider and reuse its prompt
// cache.
//
// Two backends are available:
//   - RedisStore: shared by every replica, recommended for clusters.
//   - MemoryStore: in-process TTL map for single-instance deployments.
package affinity

import (
	"context"
	"strconv"
	"time"
)

// DefaultTTL is how long a session stays bound to its provider.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "relay:session:provider:"

// Store reads and writes session to provider bindings. Implementations must
// bound every call and degrade to a miss on backend errors.
type Store interface {
	Get(ctx context.Context, sessionID string) (providerID int64, ok bool)
	Set(ctx context.Context, sessionID string, providerID int64, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

func key(sessionID string) string { return keyPrefix + sessionID }

func encode(id int64) string { return strconv.FormatInt(id, 10) }

func decode(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
