// Package scheduler runs the recurring jobs (matcher ticks, presence sweep,
// subscription expiry) behind cluster-wide leases so exactly one worker
// executes each tick.
package scheduler

import (
	"context"
	"errors"
	"time"

	"parley/internal/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost means the lease key expired or was taken over before release.
// Expected when a job body outlives its TTL; the next holder proceeds safely.
var ErrLeaseLost = errors.New("lease expired or held by another instance")

// LeaseStore hands out TTL-bounded mutual-exclusion grants backed by Redis.
// Acquire never blocks: a held lease means skip this tick.
type LeaseStore struct {
	rdb *redis.Client
}

// NewLeaseStore returns a LeaseStore over rdb.
func NewLeaseStore(rdb *redis.Client) *LeaseStore {
	return &LeaseStore{rdb: rdb}
}

// Lease is a held grant. Release it when the guarded work finishes; an
// unreleased lease lapses on its own after the TTL.
type Lease struct {
	store *LeaseStore
	key   string
	id    string
}

// Acquire attempts to take the named lease for ttl. The second return is
// false when another instance holds it.
func (s *LeaseStore) Acquire(ctx context.Context, task string, ttl time.Duration) (*Lease, bool, error) {
	id := uuid.NewString()
	key := cache.LockKey(task)
	ok, err := s.rdb.SetNX(ctx, key, id, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{store: s, key: key, id: id}, true, nil
}

// Release frees the lease if this instance still holds it. Returns
// ErrLeaseLost when the key lapsed or belongs to someone else; callers log
// that at debug, not as a failure.
func (l *Lease) Release(ctx context.Context) error {
	err := l.store.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, l.key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		if current != l.id {
			return ErrLeaseLost
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, l.key)
			return nil
		})
		return err
	}, l.key)
	if errors.Is(err, redis.TxFailedErr) {
		// The key changed hands between check and delete.
		return ErrLeaseLost
	}
	return err
}
