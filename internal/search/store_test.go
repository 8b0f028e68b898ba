package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr, rdb
}

func TestEnqueueCreatesEveryContainer(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "u1", "alice", []string{"music", "chess"}))

	score, err := rdb.ZScore(ctx, cache.PoolKey("chat"), "u1").Result()
	require.NoError(t, err)

	fields, err := rdb.HGetAll(ctx, cache.PoolUserKey("chat", "u1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "alice", fields["username"])
	assert.Equal(t, fmt.Sprintf("%d", int64(score)), fields["timestamp"])
	assert.Equal(t, fields["timestamp"], fields["lastHeartbeat"])

	// Every tag membership carries the join-time score, both directions.
	tags, err := rdb.ZRange(ctx, cache.UserInterestsKey("chat", "u1"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "chess"}, tags)
	for _, tag := range tags {
		tagScore, err := rdb.ZScore(ctx, cache.InterestKey("chat", tag), "u1").Result()
		require.NoError(t, err)
		assert.Equal(t, score, tagScore)
	}

	indexed, err := rdb.SMembers(ctx, cache.UsernameIndexKey("chat", "alice")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, indexed)
}

func TestDequeueRemovesEveryContainer(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "u1", "alice", []string{"music", "chess"}))
	require.NoError(t, store.Dequeue(ctx, models.PoolChat, "u1"))

	_, err := rdb.ZScore(ctx, cache.PoolKey("chat"), "u1").Result()
	assert.ErrorIs(t, err, redis.Nil)

	for _, key := range []string{
		cache.PoolUserKey("chat", "u1"),
		cache.UserInterestsKey("chat", "u1"),
	} {
		n, err := rdb.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, n, "key %s should be gone", key)
	}
	for _, tag := range []string{"music", "chess"} {
		_, err := rdb.ZScore(ctx, cache.InterestKey("chat", tag), "u1").Result()
		assert.ErrorIs(t, err, redis.Nil)
	}
	member, err := rdb.SIsMember(ctx, cache.UsernameIndexKey("chat", "alice"), "u1").Result()
	require.NoError(t, err)
	assert.False(t, member)
}

func TestDequeueUnknownUserIsNoop(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	assert.NoError(t, store.Dequeue(context.Background(), models.PoolChat, "ghost"))
}

func TestEnqueueEvictsStaleUsernameHolder(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "old-id", "alice", []string{"music"}))
	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "new-id", "alice", []string{"music"}))

	_, err := rdb.ZScore(ctx, cache.PoolKey("chat"), "old-id").Result()
	assert.ErrorIs(t, err, redis.Nil)
	n, err := rdb.Exists(ctx, cache.PoolUserKey("chat", "old-id")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	indexed, err := rdb.SMembers(ctx, cache.UsernameIndexKey("chat", "alice")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"new-id"}, indexed)
}

func TestPoolsAreIndependent(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "u1", "alice", nil))
	require.NoError(t, store.Enqueue(ctx, models.PoolCall, "u1", "alice", nil))
	require.NoError(t, store.Dequeue(ctx, models.PoolChat, "u1"))

	callUsers, err := store.ListAvailable(ctx, models.PoolCall)
	require.NoError(t, err)
	require.Len(t, callUsers, 1)
	assert.Equal(t, "u1", callUsers[0].ID)
}

func TestHeartbeatRefreshesOnlyQueuedUsers(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "u1", "alice", nil))
	stale := time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, rdb.HSet(ctx, cache.PoolUserKey("chat", "u1"), "lastHeartbeat", stale).Err())

	require.NoError(t, store.Heartbeat(ctx, models.PoolChat, "u1"))

	users, err := store.ListAvailable(ctx, models.PoolChat)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Greater(t, users[0].LastHeartbeat, stale)

	// A heartbeat for an absent user must not conjure a hash.
	require.NoError(t, store.Heartbeat(ctx, models.PoolChat, "ghost"))
	n, err := rdb.Exists(ctx, cache.PoolUserKey("chat", "ghost")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepInactiveRemovesExactlyTheSilent(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "silent", "bob", []string{"art"}))
	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "alive", "carol", []string{"art"}))

	// Backdate both signals of life for one user past the threshold.
	old := time.Now().Add(-40 * time.Second).UnixMilli()
	require.NoError(t, rdb.ZAdd(ctx, cache.PoolKey("chat"), redis.Z{Score: float64(old), Member: "silent"}).Err())
	require.NoError(t, rdb.HSet(ctx, cache.PoolUserKey("chat", "silent"), "lastHeartbeat", old).Err())

	removed, err := store.SweepInactive(ctx, models.PoolChat, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	users, err := store.ListAvailable(ctx, models.PoolChat)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alive", users[0].ID)

	// Gone from the interest containers too.
	_, err = rdb.ZScore(ctx, cache.InterestKey("chat", "art"), "silent").Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestSweepSparesRecentHeartbeatDespiteOldJoin(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "patient", "dora", nil))
	old := time.Now().Add(-5 * time.Minute).UnixMilli()
	require.NoError(t, rdb.ZAdd(ctx, cache.PoolKey("chat"), redis.Z{Score: float64(old), Member: "patient"}).Err())

	removed, err := store.SweepInactive(ctx, models.PoolChat, 30*time.Second)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestListAvailableOrdersByJoinTime(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "late", "erin", nil))
	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "early", "finn", nil))
	older := time.Now().Add(-10 * time.Second).UnixMilli()
	require.NoError(t, rdb.ZAdd(ctx, cache.PoolKey("chat"), redis.Z{Score: float64(older), Member: "early"}).Err())

	users, err := store.ListAvailable(ctx, models.PoolChat)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "early", users[0].ID)
	assert.Equal(t, "late", users[1].ID)
}

func TestCommitMatchWritesTuplesAndDrainsPool(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "a", "alice", []string{"music"}))
	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "b", "bob", []string{"music"}))

	tupleA := models.MatchTuple{PeerUserID: "b", Token: "tok-a", RoomID: "room-1"}
	tupleB := models.MatchTuple{PeerUserID: "a", Token: "tok-b", RoomID: "room-1", IsFriend: true}
	require.NoError(t, store.CommitMatch(ctx, models.PoolChat, "a", "b", tupleA, tupleB))

	depth, err := store.Depth(ctx, models.PoolChat)
	require.NoError(t, err)
	assert.Zero(t, depth)

	got, err := store.ReadMatch(ctx, models.PoolChat, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tupleA, *got)

	got, err = store.ReadMatch(ctx, models.PoolChat, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tupleB, *got)

	// Tuples are consumed on first read.
	got, err = store.ReadMatch(ctx, models.PoolChat, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := rdb.Exists(ctx, cache.MatchKey("chat", "a"), cache.MatchKey("chat", "b")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadMatchWithoutMatchReturnsNil(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	got, err := store.ReadMatch(context.Background(), models.PoolChat, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCooldownFlagExpires(t *testing.T) {
	t.Parallel()

	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCooldown(ctx, "u1"))
	assert.True(t, store.InCooldown(ctx, "u1"))

	mr.FastForward(cache.CooldownTTL + time.Second)
	assert.False(t, store.InCooldown(ctx, "u1"))
}

func TestHealUpgradesLegacyPlainSets(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	// A deployment that predates scored pools left plain sets behind.
	require.NoError(t, rdb.SAdd(ctx, cache.PoolKey("chat"), "u1", "u2").Err())
	require.NoError(t, rdb.SAdd(ctx, cache.InterestKey("chat", "music"), "u1").Err())

	require.NoError(t, store.Heal(ctx, models.PoolChat))

	kind, err := rdb.Type(ctx, cache.PoolKey("chat")).Result()
	require.NoError(t, err)
	assert.Equal(t, "zset", kind)
	members, err := rdb.ZRange(ctx, cache.PoolKey("chat"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)

	kind, err = rdb.Type(ctx, cache.InterestKey("chat", "music")).Result()
	require.NoError(t, err)
	assert.Equal(t, "zset", kind)
}

func TestEnqueueHealsLegacyPoolOnWrongType(t *testing.T) {
	t.Parallel()

	store, _, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rdb.SAdd(ctx, cache.PoolKey("chat"), "legacy").Err())

	require.NoError(t, store.Enqueue(ctx, models.PoolChat, "u1", "alice", nil))

	members, err := rdb.ZRange(ctx, cache.PoolKey("chat"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"legacy", "u1"}, members)
}

func TestEnqueueRejectsUnknownPool(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	err := store.Enqueue(context.Background(), models.Pool("video"), "u1", "alice", nil)
	assert.Error(t, err)
}

func TestCommonInterests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"overlap preserves a order", []string{"music", "chess", "art"}, []string{"art", "music"}, []string{"music", "art"}},
		{"disjoint", []string{"music"}, []string{"art"}, nil},
		{"empty a", nil, []string{"art"}, nil},
		{"empty b", []string{"music"}, nil, nil},
		{"duplicates counted once", []string{"music", "music"}, []string{"music"}, []string{"music"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CommonInterests(tt.a, tt.b))
		})
	}
}
