package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 200 * time.Millisecond

// RedisStore keeps bindings in Redis.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (0, false) on any error.
//   - Set returns nil even on error.
//   - Delete returns the underlying error so callers can log it.
type RedisStore struct {
	client       redis.UniversalClient
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns its lifecycle.
// A non-positive timeout uses the default.
func NewRedisStore(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &RedisStore{client: client, queryTimeout: timeout}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (int64, bool) {
	if sessionID == "" {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key(sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "affinity_get_error",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
		return 0, false
	}
	return decode(val)
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, providerID int64, ttl time.Duration) error {
	if sessionID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key(sessionID), encode(providerID), ttl).Err(); err != nil {
		slog.WarnContext(ctx, "affinity_set_error",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("affinity: DEL %s: %w", sessionID, err)
	}
	return nil
}
