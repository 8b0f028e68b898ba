package roomstate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyAwarder struct {
	mu     sync.Mutex
	grants map[string]int
}

func newSpyAwarder() *spyAwarder {
	return &spyAwarder{grants: map[string]int{}}
}

func (s *spyAwarder) AddPoints(_ context.Context, userID string, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID] += points
	return nil
}

func (s *spyAwarder) total(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[userID]
}

func newTestMachine(t *testing.T, points PointsAwarder) (*Machine, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewMachine(rdb, points), rdb
}

func writeState(t *testing.T, rdb *redis.Client, state models.RoomState) {
	t.Helper()
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), cache.RoomStateKey(state.RoomID), raw, 0).Err())
}

func TestInitCreatesBothSlotsOnline(t *testing.T) {
	t.Parallel()

	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeChat, "u1", "u2"))

	state, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "r1", state.RoomID)
	assert.Equal(t, models.RoomTypeChat, state.RoomType)
	for _, slot := range []models.Occupant{state.User1, state.User2} {
		assert.Equal(t, models.OccupantOnline, slot.State)
		assert.Zero(t, slot.Count)
		assert.NotZero(t, slot.LastHeartbeat)
	}
}

func TestHeartbeatCountsAndReportsPeer(t *testing.T) {
	t.Parallel()

	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeChat, "u1", "u2"))

	res, err := m.Heartbeat(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, models.OccupantOnline, res.PeerState)

	res, err = m.Heartbeat(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	// The peer's count is untouched.
	state, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, state.User2.Count)
}

func TestHeartbeatUnknownRoom(t *testing.T) {
	t.Parallel()

	m, _ := newTestMachine(t, nil)
	res, err := m.Heartbeat(context.Background(), "missing", "u1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonRoomNotFound, res.Reason)
}

func TestHeartbeatMismatchedUserMutatesNothing(t *testing.T) {
	t.Parallel()

	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeChat, "u1", "u2"))
	before, err := m.Get(ctx, "r1")
	require.NoError(t, err)

	res, err := m.Heartbeat(ctx, "r1", "intruder")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonUserNotInRoom, res.Reason)

	after, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHeartbeatRestoresOfflineSlot(t *testing.T) {
	t.Parallel()

	m, rdb := newTestMachine(t, nil)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	writeState(t, rdb, models.RoomState{
		RoomID:   "r1",
		RoomType: models.RoomTypeChat,
		User1:    models.Occupant{ID: "u1", LastHeartbeat: now, State: models.OccupantOffline, Count: 3},
		User2:    models.Occupant{ID: "u2", LastHeartbeat: now, State: models.OccupantOnline},
	})

	res, err := m.Heartbeat(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 4, res.Count)

	state, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.OccupantOnline, state.User1.State)
}

func TestSweepDecayTimeline(t *testing.T) {
	t.Parallel()

	m, rdb := newTestMachine(t, nil)
	ctx := context.Background()

	// u1 keeps beating; u2 went silent 15s ago.
	now := time.Now().UnixMilli()
	writeState(t, rdb, models.RoomState{
		RoomID:   "r1",
		RoomType: models.RoomTypeChat,
		User1:    models.Occupant{ID: "u1", LastHeartbeat: now, State: models.OccupantOnline},
		User2:    models.Occupant{ID: "u2", LastHeartbeat: now - 15_000, State: models.OccupantOnline},
	})

	demoted, deleted, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)
	assert.Zero(t, deleted)

	state, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.OccupantOnline, state.User1.State)
	assert.Equal(t, models.OccupantOffline, state.User2.State)

	// Still silent at the next cycle: offline becomes disconnected and the
	// second pass removes the room for both sides.
	demoted, deleted, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)
	assert.Equal(t, 1, deleted)

	state, err = m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, state)

	res, err := m.Heartbeat(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonRoomNotFound, res.Reason)
}

func TestSweepLeavesHealthyRoomsAlone(t *testing.T) {
	t.Parallel()

	m, _ := newTestMachine(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeCall, "u1", "u2"))

	demoted, deleted, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, demoted)
	assert.Zero(t, deleted)

	state, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestSweepIgnoresRoomRecordCache(t *testing.T) {
	t.Parallel()

	m, rdb := newTestMachine(t, nil)
	ctx := context.Background()

	// rooms:record:* caching lives in a sibling namespace that the state
	// scan must not touch.
	require.NoError(t, rdb.Set(ctx, cache.RoomRecordKey("r9"), `{"id":"r9"}`, 0).Err())

	_, _, err := m.Sweep(ctx)
	require.NoError(t, err)

	n, err := rdb.Exists(ctx, cache.RoomRecordKey("r9")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEveryTenthCallHeartbeatAwardsPoints(t *testing.T) {
	t.Parallel()

	awarder := newSpyAwarder()
	m, _ := newTestMachine(t, awarder)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeCall, "u1", "u2"))
	for i := 0; i < 10; i++ {
		_, err := m.Heartbeat(ctx, "r1", "u1")
		require.NoError(t, err)
	}

	// Ten beats of a call is under two minutes.
	assert.Equal(t, 50, awarder.total("u1"))
	assert.Zero(t, awarder.total("u2"))
}

func TestShortChatAwardsNothing(t *testing.T) {
	t.Parallel()

	awarder := newSpyAwarder()
	m, _ := newTestMachine(t, awarder)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, "r1", models.RoomTypeChat, "u1", "u2"))
	for i := 0; i < 10; i++ {
		_, err := m.Heartbeat(ctx, "r1", "u1")
		require.NoError(t, err)
	}
	assert.Zero(t, awarder.total("u1"))
}

func TestPointsForHeartbeat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		count    int
		roomType models.RoomType
		want     int
	}{
		{"call under 2min", 10, models.RoomTypeCall, 50},
		{"call at 2min", 24, models.RoomTypeCall, 100},
		{"call at 5min", 60, models.RoomTypeCall, 100},
		{"call past 5min", 61, models.RoomTypeCall, 200},
		{"call at 10min", 120, models.RoomTypeCall, 200},
		{"call past 10min", 121, models.RoomTypeCall, 250},
		{"video call pays like call", 10, models.RoomTypeVideoCall, 50},
		{"chat under 3min", 10, models.RoomTypeChat, 0},
		{"chat at 3min", 36, models.RoomTypeChat, 25},
		{"chat at 5min", 60, models.RoomTypeChat, 25},
		{"chat past 5min", 61, models.RoomTypeChat, 50},
		{"chat at 9min", 108, models.RoomTypeChat, 50},
		{"chat past 9min", 109, models.RoomTypeChat, 75},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PointsForHeartbeat(tt.count, tt.roomType))
		})
	}
}
