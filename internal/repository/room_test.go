package repository

import (
	"context"
	"testing"
	"time"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestRoomRepositoryCreateAndGet(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	rdb, mr := setupTestRedis(t)
	repo := NewRoomRepository(db, rdb)
	ctx := context.Background()

	room := &models.Room{
		Type:    models.RoomTypeChat,
		User1ID: "user-a",
		User2ID: "user-b",
	}
	require.NoError(t, repo.Create(ctx, room))
	require.NotEmpty(t, room.ID)

	// Create populates the cache.
	assert.True(t, mr.Exists(cache.RoomRecordKey(room.ID)))

	got, err := repo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-a", got.User1ID)
	assert.Equal(t, "user-b", got.User2ID)
}

func TestRoomRepositoryGetByIDServesFromCache(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	rdb, _ := setupTestRedis(t)
	repo := NewRoomRepository(db, rdb)
	ctx := context.Background()

	room := &models.Room{Type: models.RoomTypeCall, User1ID: "a", User2ID: "b"}
	require.NoError(t, repo.Create(ctx, room))

	// Remove the row; the cached record must still satisfy reads.
	require.NoError(t, db.Unscoped().Where("id = ?", room.ID).Delete(&models.Room{}).Error)

	got, err := repo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
}

func TestRoomRepositoryGetByUsersBothOrderings(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	rdb, _ := setupTestRedis(t)
	repo := NewRoomRepository(db, rdb)
	ctx := context.Background()

	room := &models.Room{Type: models.RoomTypeChat, User1ID: "alice", User2ID: "bob"}
	require.NoError(t, repo.Create(ctx, room))

	forward, err := repo.GetByUsers(ctx, "alice", "bob", models.RoomTypeChat)
	require.NoError(t, err)
	require.NotNil(t, forward)

	reversed, err := repo.GetByUsers(ctx, "bob", "alice", models.RoomTypeChat)
	require.NoError(t, err)
	require.NotNil(t, reversed)
	assert.Equal(t, forward.ID, reversed.ID)

	// Pool type scopes the lookup.
	other, err := repo.GetByUsers(ctx, "alice", "bob", models.RoomTypeCall)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestRoomRepositoryGetByUserMostRecent(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	rdb, _ := setupTestRedis(t)
	repo := NewRoomRepository(db, rdb)
	ctx := context.Background()

	older := &models.Room{Type: models.RoomTypeChat, User1ID: "carol", User2ID: "dan"}
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, db.Model(older).Update("created_at", time.Now().Add(-time.Hour)).Error)

	newer := &models.Room{Type: models.RoomTypeChat, User1ID: "erin", User2ID: "carol"}
	require.NoError(t, repo.Create(ctx, newer))

	got, err := repo.GetByUser(ctx, "carol", models.RoomTypeChat)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
}

func TestRoomRepositoryDeleteInvalidatesCache(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	rdb, mr := setupTestRedis(t)
	repo := NewRoomRepository(db, rdb)
	ctx := context.Background()

	room := &models.Room{Type: models.RoomTypeChat, User1ID: "a", User2ID: "b"}
	require.NoError(t, repo.Create(ctx, room))
	require.True(t, mr.Exists(cache.RoomRecordKey(room.ID)))

	require.NoError(t, repo.Delete(ctx, room.ID))
	assert.False(t, mr.Exists(cache.RoomRecordKey(room.ID)))

	_, err := repo.GetByID(ctx, room.ID)
	require.Error(t, err)
	appErr, ok := err.(*models.AppError)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestRoomRepositoryWorksWithoutRedis(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewRoomRepository(db, nil)
	ctx := context.Background()

	room := &models.Room{Type: models.RoomTypeChat, User1ID: "a", User2ID: "b"}
	require.NoError(t, repo.Create(ctx, room))

	got, err := repo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
}
