package repository

import (
	"context"
	"testing"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriendRepositoryAreFriends(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewFriendRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Friendship{
		RequesterID: "user-a",
		AddresseeID: "user-b",
		Status:      models.FriendshipStatusAccepted,
	}))

	ok, err := repo.AreFriends(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.True(t, ok)

	// Orientation must not matter.
	ok, err = repo.AreFriends(ctx, "user-b", "user-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AreFriends(ctx, "user-a", "user-c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFriendRepositoryPendingIsNotFriendship(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewFriendRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Friendship{
		RequesterID: "user-a",
		AddresseeID: "user-b",
		Status:      models.FriendshipStatusPending,
	}))

	ok, err := repo.AreFriends(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := repo.GetFriendshipBetweenUsers(ctx, "user-b", "user-a")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, models.FriendshipStatusPending, f.Status)
}

func TestFriendRepositoryAnonymousIDsNeverMatch(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewFriendRepository(db)
	ctx := context.Background()

	ok, err := repo.AreFriends(ctx, "", "user-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.AreFriends(ctx, "anon-socket-1", "anon-socket-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFriendRepositoryDuplicateRequest(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewFriendRepository(db)
	ctx := context.Background()

	first := &models.Friendship{RequesterID: "user-a", AddresseeID: "user-b"}
	require.NoError(t, repo.Create(ctx, first))

	dup := &models.Friendship{RequesterID: "user-a", AddresseeID: "user-b"}
	err := repo.Create(ctx, dup)
	require.Error(t, err)
	appErr, ok := err.(*models.AppError)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", appErr.Code)
}
