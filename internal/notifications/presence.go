package notifications

import (
	"context"

	"parley/internal/cache"

	"github.com/redis/go-redis/v9"
)

// PresenceTracker mirrors SSE stream ownership into Redis: a per-user
// connection counter plus one global set of user ids holding any stream.
// The notification service reads the set to decide between synchronous
// publish and persist-as-unsent.
type PresenceTracker struct {
	rdb *redis.Client
}

// NewPresenceTracker creates a tracker backed by the given Redis client.
func NewPresenceTracker(rdb *redis.Client) *PresenceTracker {
	return &PresenceTracker{rdb: rdb}
}

// Register increments the user's connection counter. The first connection
// adds the user to the presence set. Returns the new counter value.
func (p *PresenceTracker) Register(ctx context.Context, userID string) (int64, error) {
	if p.rdb == nil {
		return 0, nil
	}
	n, err := p.rdb.HIncrBy(ctx, cache.SSEConnCountsKey, userID, 1).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := p.rdb.SAdd(ctx, cache.SSEUsersKey, userID).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Unregister decrements the counter; the last connection removes the user
// from the presence set and clears the counter field.
func (p *PresenceTracker) Unregister(ctx context.Context, userID string) error {
	if p.rdb == nil {
		return nil
	}
	n, err := p.rdb.HIncrBy(ctx, cache.SSEConnCountsKey, userID, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, cache.SSEConnCountsKey, userID)
			pipe.SRem(ctx, cache.SSEUsersKey, userID)
			return nil
		})
		return err
	}
	return nil
}

// IsPresent reports whether the user holds at least one SSE stream against
// any worker.
func (p *PresenceTracker) IsPresent(ctx context.Context, userID string) (bool, error) {
	if p.rdb == nil {
		return false, nil
	}
	return p.rdb.SIsMember(ctx, cache.SSEUsersKey, userID).Result()
}

// Count returns how many distinct users currently hold an SSE stream.
func (p *PresenceTracker) Count(ctx context.Context) (int64, error) {
	if p.rdb == nil {
		return 0, nil
	}
	return p.rdb.SCard(ctx, cache.SSEUsersKey).Result()
}
