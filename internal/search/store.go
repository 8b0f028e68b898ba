// Package search owns the Redis containers behind the chat and call
// waiting pools. Every membership container for a pool is a sorted set
// scored by join time (unix ms), which is what lets the sweep work on
// score ranges and lets the matcher tie-break on queue age.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/redis/go-redis/v9"
)

// Store wraps the pool containers: the scored pool set, the per-user hash,
// the interest memberships, the username index, match tuples and cooldown
// flags. All pool mutations must go through these methods so the shared
// score invariant survives concurrent workers.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a pool store on the shared Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Enqueue writes the user into every pool container in one transaction.
// If the username is already bound to a different id, that stale id is
// removed in full first so a reconnecting identity never competes with
// its own ghost.
func (s *Store) Enqueue(ctx context.Context, pool models.Pool, userID, username string, interests []string) error {
	if !models.ValidPool(pool) {
		return fmt.Errorf("unknown search pool %q", pool)
	}

	if username != "" {
		stale, err := s.rdb.SMembers(ctx, cache.UsernameIndexKey(string(pool), username)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("username index read: %w", err)
		}
		for _, id := range stale {
			if id == userID {
				continue
			}
			if err := s.Dequeue(ctx, pool, id); err != nil {
				return fmt.Errorf("evict stale username holder %s: %w", id, err)
			}
		}
	}

	err := s.enqueuePipeline(ctx, pool, userID, username, interests)
	if err != nil && isWrongType(err) {
		// Legacy plain-set containers from an earlier deployment; upgrade
		// in place and retry once.
		if healErr := s.Heal(ctx, pool); healErr != nil {
			return fmt.Errorf("heal legacy containers: %w", healErr)
		}
		err = s.enqueuePipeline(ctx, pool, userID, username, interests)
	}
	return err
}

func (s *Store) enqueuePipeline(ctx context.Context, pool models.Pool, userID, username string, interests []string) error {
	now := time.Now().UnixMilli()
	poolKey := cache.PoolKey(string(pool))
	userKey := cache.PoolUserKey(string(pool), userID)
	interestsKey := cache.UserInterestsKey(string(pool), userID)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, poolKey, redis.Z{Score: float64(now), Member: userID})
		pipe.HSet(ctx, userKey,
			"username", username,
			"timestamp", now,
			"lastHeartbeat", now,
		)
		pipe.Expire(ctx, userKey, cache.PoolUserTTL)

		pipe.Del(ctx, interestsKey)
		for i, tag := range interests {
			interestKey := cache.InterestKey(string(pool), tag)
			pipe.ZAdd(ctx, interestKey, redis.Z{Score: float64(now), Member: userID})
			pipe.Expire(ctx, interestKey, cache.InterestTTL)
			pipe.ZAdd(ctx, interestsKey, redis.Z{Score: float64(i), Member: tag})
		}
		if len(interests) > 0 {
			pipe.Expire(ctx, interestsKey, cache.UserInterestsTTL)
		}

		if username != "" {
			usernameKey := cache.UsernameIndexKey(string(pool), username)
			pipe.SAdd(ctx, usernameKey, userID)
			pipe.Expire(ctx, usernameKey, cache.UsernameIndexTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s into %s: %w", userID, pool, err)
	}
	return nil
}

// Dequeue removes the user from every container for the pool. Safe to call
// for users that are not queued.
func (s *Store) Dequeue(ctx context.Context, pool models.Pool, userID string) error {
	username, tags, err := s.readMembership(ctx, pool, userID)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.removeInPipe(ctx, pipe, pool, userID, username, tags)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dequeue %s from %s: %w", userID, pool, err)
	}
	return nil
}

// readMembership loads the fields needed to remove a user in full.
func (s *Store) readMembership(ctx context.Context, pool models.Pool, userID string) (string, []string, error) {
	username, err := s.rdb.HGet(ctx, cache.PoolUserKey(string(pool), userID), "username").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("read pool user %s: %w", userID, err)
	}
	tags, err := s.rdb.ZRange(ctx, cache.UserInterestsKey(string(pool), userID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if !isWrongType(err) {
			return "", nil, fmt.Errorf("read interests for %s: %w", userID, err)
		}
		// Legacy plain set; membership still has to come out.
		tags, err = s.rdb.SMembers(ctx, cache.UserInterestsKey(string(pool), userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", nil, fmt.Errorf("read legacy interests for %s: %w", userID, err)
		}
	}
	return username, tags, nil
}

// removeInPipe queues the full removal of one user onto an open pipeline.
// CommitMatch shares this with Dequeue so both sides of a pair come out in
// the same transaction as the tuple writes.
func (s *Store) removeInPipe(ctx context.Context, pipe redis.Pipeliner, pool models.Pool, userID, username string, tags []string) {
	for _, tag := range tags {
		pipe.ZRem(ctx, cache.InterestKey(string(pool), tag), userID)
	}
	pipe.ZRem(ctx, cache.PoolKey(string(pool)), userID)
	pipe.Del(ctx, cache.PoolUserKey(string(pool), userID))
	pipe.Del(ctx, cache.UserInterestsKey(string(pool), userID))
	if username != "" {
		pipe.SRem(ctx, cache.UsernameIndexKey(string(pool), username), userID)
	}
}

// Heartbeat refreshes lastHeartbeat on the user hash. A heartbeat for a
// user that is no longer queued is a no-op: the caller may be racing a
// match commit or the idle sweep.
func (s *Store) Heartbeat(ctx context.Context, pool models.Pool, userID string) error {
	userKey := cache.PoolUserKey(string(pool), userID)
	exists, err := s.rdb.Exists(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("heartbeat exists check: %w", err)
	}
	if exists == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, userKey, "lastHeartbeat", time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("heartbeat %s in %s: %w", userID, pool, err)
	}
	return nil
}

// SweepInactive dequeues every user whose last sign of life (the later of
// lastHeartbeat and joinedAt) is older than the threshold. Returns how
// many users were removed.
func (s *Store) SweepInactive(ctx context.Context, pool models.Pool, threshold time.Duration) (int, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, cache.PoolKey(string(pool)), 0, -1).Result()
	if err != nil {
		if isWrongType(err) {
			if err := s.Heal(ctx, pool); err != nil {
				return 0, err
			}
			members, err = s.rdb.ZRangeWithScores(ctx, cache.PoolKey(string(pool)), 0, -1).Result()
		}
		if err != nil {
			return 0, fmt.Errorf("scan pool %s: %w", pool, err)
		}
	}

	cutoff := time.Now().Add(-threshold).UnixMilli()
	removed := 0
	for _, z := range members {
		userID, ok := z.Member.(string)
		if !ok {
			continue
		}
		lastSeen := int64(z.Score)
		raw, err := s.rdb.HGet(ctx, cache.PoolUserKey(string(pool), userID), "lastHeartbeat").Result()
		if err == nil {
			if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil && ms > lastSeen {
				lastSeen = ms
			}
		}
		if lastSeen < cutoff {
			if err := s.Dequeue(ctx, pool, userID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ListAvailable returns every live pool member ordered by ascending join
// time. Members whose hash already expired are skipped; the sweep reaps
// them.
func (s *Store) ListAvailable(ctx context.Context, pool models.Pool) ([]models.SearchUser, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, cache.PoolKey(string(pool)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pool %s: %w", pool, err)
	}

	users := make([]models.SearchUser, 0, len(members))
	for _, z := range members {
		userID, ok := z.Member.(string)
		if !ok {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, cache.PoolUserKey(string(pool), userID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		tags, err := s.rdb.ZRange(ctx, cache.UserInterestsKey(string(pool), userID), 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			tags = nil
		}
		user := models.SearchUser{
			ID:        userID,
			Username:  fields["username"],
			Interests: tags,
			JoinedAt:  int64(z.Score),
		}
		if hb, perr := strconv.ParseInt(fields["lastHeartbeat"], 10, 64); perr == nil {
			user.LastHeartbeat = hb
		}
		users = append(users, user)
	}
	return users, nil
}

// Depth reports the pool's current size.
func (s *Store) Depth(ctx context.Context, pool models.Pool) (int64, error) {
	n, err := s.rdb.ZCard(ctx, cache.PoolKey(string(pool))).Result()
	if err != nil {
		return 0, fmt.Errorf("pool depth %s: %w", pool, err)
	}
	return n, nil
}

// CommitMatch removes both users from the pool and writes both match
// tuples in one transaction: a reader observes either the full commit or
// none of it.
func (s *Store) CommitMatch(ctx context.Context, pool models.Pool, userA, userB string, tupleA, tupleB models.MatchTuple) error {
	usernameA, tagsA, err := s.readMembership(ctx, pool, userA)
	if err != nil {
		return err
	}
	usernameB, tagsB, err := s.readMembership(ctx, pool, userB)
	if err != nil {
		return err
	}
	rawA, err := json.Marshal(tupleA)
	if err != nil {
		return fmt.Errorf("marshal match tuple: %w", err)
	}
	rawB, err := json.Marshal(tupleB)
	if err != nil {
		return fmt.Errorf("marshal match tuple: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.removeInPipe(ctx, pipe, pool, userA, usernameA, tagsA)
		s.removeInPipe(ctx, pipe, pool, userB, usernameB, tagsB)
		keyA := cache.MatchKey(string(pool), userA)
		keyB := cache.MatchKey(string(pool), userB)
		pipe.HSet(ctx, keyA, "data", rawA)
		pipe.Expire(ctx, keyA, cache.MatchTTL)
		pipe.HSet(ctx, keyB, "data", rawB)
		pipe.Expire(ctx, keyB, cache.MatchTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit match %s/%s in %s: %w", userA, userB, pool, err)
	}
	return nil
}

// ReadMatch consumes the user's match tuple: the read and the delete run
// in one transaction so only the first poll wins. Returns nil when no
// match is waiting.
func (s *Store) ReadMatch(ctx context.Context, pool models.Pool, userID string) (*models.MatchTuple, error) {
	key := cache.MatchKey(string(pool), userID)

	var get *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, key, "data")
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read match for %s: %w", userID, err)
	}

	raw, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read match for %s: %w", userID, err)
	}

	var tuple models.MatchTuple
	if err := json.Unmarshal([]byte(raw), &tuple); err != nil {
		return nil, fmt.Errorf("decode match tuple for %s: %w", userID, err)
	}
	return &tuple, nil
}

// SetCooldown flags the user against an immediate rematch.
func (s *Store) SetCooldown(ctx context.Context, userID string) error {
	if err := s.rdb.Set(ctx, cache.CooldownKey(userID), "1", cache.CooldownTTL).Err(); err != nil {
		return fmt.Errorf("set cooldown for %s: %w", userID, err)
	}
	return nil
}

// InCooldown reports whether the user's anti-rematch flag is live. The
// flag is advisory: a read failure counts as no cooldown.
func (s *Store) InCooldown(ctx context.Context, userID string) bool {
	n, err := s.rdb.Exists(ctx, cache.CooldownKey(userID)).Result()
	return err == nil && n > 0
}

// Heal upgrades legacy plain-set containers to sorted sets. Scores for
// healed members default to now; queue age is lost but the invariant that
// every container is score-ordered is restored.
func (s *Store) Heal(ctx context.Context, pool models.Pool) error {
	if err := s.healKey(ctx, cache.PoolKey(string(pool)), 0); err != nil {
		return err
	}
	patterns := []struct {
		match string
		ttl   time.Duration
	}{
		{fmt.Sprintf("interest:%s:*", pool), cache.InterestTTL},
		{fmt.Sprintf("user_interests:%s:*", pool), cache.UserInterestsTTL},
	}
	for _, p := range patterns {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, p.match, 100).Result()
			if err != nil {
				return fmt.Errorf("scan %s: %w", p.match, err)
			}
			for _, key := range keys {
				if err := s.healKey(ctx, key, p.ttl); err != nil {
					return err
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return nil
}

func (s *Store) healKey(ctx context.Context, key string, ttl time.Duration) error {
	kind, err := s.rdb.Type(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("type of %s: %w", key, err)
	}
	if kind != "set" {
		return nil
	}
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read legacy set %s: %w", key, err)
	}
	now := float64(time.Now().UnixMilli())
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: now, Member: m})
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(zs) > 0 {
			pipe.ZAdd(ctx, key, zs...)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upgrade %s: %w", key, err)
	}
	return nil
}

// CommonInterests intersects two tag lists, preserving a's order.
func CommonInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]struct{}, len(b))
	for _, tag := range b {
		inB[tag] = struct{}{}
	}
	var common []string
	seen := make(map[string]struct{}, len(a))
	for _, tag := range a {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if _, ok := inB[tag]; ok {
			common = append(common, tag)
		}
	}
	return common
}

func isWrongType(err error) bool {
	return err != nil && strings.Contains(err.Error(), "WRONGTYPE")
}
