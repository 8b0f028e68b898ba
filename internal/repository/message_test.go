package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTracker struct{}

func (noopTracker) TrackQuery(operation, table string) func() { return func() {} }

func TestMessageRepositoryRecentByRoomChronological(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewMessageRepository(db, noopTracker{})
	ctx := context.Background()

	roomID := "room-a"
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &models.Message{
			RoomID:   roomID,
			SenderID: "u1",
			Content:  fmt.Sprintf("msg-%d", i),
			Type:     models.MessageTypeText,
		}
		require.NoError(t, repo.Create(ctx, msg))
		// Stagger timestamps so ordering is deterministic.
		require.NoError(t, db.Model(msg).Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	got, err := repo.GetRecentByRoom(ctx, roomID, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "msg-2", got[0].Content)
	assert.Equal(t, "msg-3", got[1].Content)
	assert.Equal(t, "msg-4", got[2].Content)
}

func TestMessageRepositoryRoomScoping(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	repo := NewMessageRepository(db, noopTracker{})
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Message{RoomID: "room-a", SenderID: "u1", Content: "here", Type: models.MessageTypeText}))
	require.NoError(t, repo.Create(ctx, &models.Message{RoomID: "room-b", SenderID: "u2", Content: "elsewhere", Type: models.MessageTypeText}))

	got, err := repo.GetRecentByRoom(ctx, "room-a", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "here", got[0].Content)
}
