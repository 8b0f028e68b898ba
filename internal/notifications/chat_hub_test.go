package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainFrames empties a client's send buffer into decoded frames.
func drainFrames(t *testing.T, c *Client) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case raw := <-c.Send:
			f, err := DecodeFrame(raw)
			require.NoError(t, err)
			frames = append(frames, *f)
		default:
			return frames
		}
	}
}

// frameEvents lists the event names in order.
func frameEvents(frames []Frame) []string {
	events := make([]string, 0, len(frames))
	for _, f := range frames {
		events = append(events, f.Event)
	}
	return events
}

func TestChatHub_RegisterLimits(t *testing.T) {
	hub := NewChatHub()

	for i := 0; i < maxConnsPerUser; i++ {
		_, err := hub.Register(fmt.Sprintf("sock-%d", i), "u1", "alice", nil)
		require.NoError(t, err)
	}

	_, err := hub.Register("sock-overflow", "u1", "alice", nil)
	assert.Error(t, err)

	// Another user is unaffected by u1's connection cap.
	_, err = hub.Register("sock-other", "u2", "bob", nil)
	assert.NoError(t, err)
}

func TestChatHub_BroadcastScopesToRoom(t *testing.T) {
	hub := NewChatHub()

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	c2, err := hub.Register("s2", "u2", "bob", nil)
	require.NoError(t, err)
	c3, err := hub.Register("s3", "u3", "carol", nil)
	require.NoError(t, err)

	hub.JoinRoom(c1, "room-a")
	hub.JoinRoom(c2, "room-a")
	hub.JoinRoom(c3, "room-b")

	hub.BroadcastToRoom("room-a", []byte(`{"event":"message"}`), "")

	assert.Len(t, drainFrames(t, c1), 1)
	assert.Len(t, drainFrames(t, c2), 1)
	assert.Empty(t, drainFrames(t, c3))

	// Exclusion skips the named socket only.
	hub.BroadcastToRoom("room-a", []byte(`{"event":"message"}`), "s1")
	assert.Empty(t, drainFrames(t, c1))
	assert.Len(t, drainFrames(t, c2), 1)
}

func TestChatHub_FanOutMessageUsesPayloadRoom(t *testing.T) {
	hub := NewChatHub()

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	c2, err := hub.Register("s2", "u2", "bob", nil)
	require.NoError(t, err)
	hub.JoinRoom(c1, "room-a")
	hub.JoinRoom(c2, "room-b")

	msg := models.Message{
		ID:       "m1",
		RoomID:   "room-a",
		SenderID: "u2",
		Content:  "hello",
		Type:     models.MessageTypeText,
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	hub.fanOutMessage(string(payload))

	frames := drainFrames(t, c1)
	require.Len(t, frames, 1)
	assert.Equal(t, EventMessage, frames[0].Event)

	var delivered models.Message
	require.NoError(t, json.Unmarshal(frames[0].Data, &delivered))
	assert.Equal(t, "m1", delivered.ID)
	assert.Equal(t, "hello", delivered.Content)

	assert.Empty(t, drainFrames(t, c2))
}

func TestChatHub_FanOutRoomEventExcludesOrigin(t *testing.T) {
	hub := NewChatHub()

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	c2, err := hub.Register("s2", "u2", "bob", nil)
	require.NoError(t, err)
	hub.JoinRoom(c1, "room-a")
	hub.JoinRoom(c2, "room-a")

	ev := RoomEvent{
		Type:      RoomEventTyping,
		RoomID:    "room-a",
		ClientID:  "s1",
		Username:  "alice",
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	hub.fanOutRoomEvent(string(payload))

	assert.Empty(t, drainFrames(t, c1), "originator must not echo its own typing event")

	frames := drainFrames(t, c2)
	require.Len(t, frames, 1)
	assert.Equal(t, EventUserTyping, frames[0].Event)

	var delivered RoomEvent
	require.NoError(t, json.Unmarshal(frames[0].Data, &delivered))
	assert.Equal(t, "alice", delivered.Username)
}

func TestChatHub_UnregisterCleansMemberships(t *testing.T) {
	hub := NewChatHub()

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	hub.JoinRoom(c1, "room-a")
	hub.JoinRoom(c1, "room-b")

	require.Equal(t, 1, hub.RoomSize("room-a"))
	require.Equal(t, 1, hub.RoomSize("room-b"))

	hub.UnregisterClient(c1)
	assert.Equal(t, 0, hub.RoomSize("room-a"))
	assert.Equal(t, 0, hub.RoomSize("room-b"))

	// Second unregister is a no-op.
	hub.UnregisterClient(c1)

	// The slot is free again.
	_, err = hub.Register("s1", "u1", "alice", nil)
	assert.NoError(t, err)
}

func TestChatHub_LeaveRoomKeepsOtherMemberships(t *testing.T) {
	hub := NewChatHub()

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	hub.JoinRoom(c1, "room-a")
	hub.JoinRoom(c1, "room-b")

	hub.LeaveRoom(c1, "room-a")
	assert.Equal(t, 0, hub.RoomSize("room-a"))
	assert.Equal(t, 1, hub.RoomSize("room-b"))
}

func TestChatHub_WiringDeliversPublishedEvents(t *testing.T) {
	rdb := newTestRedis(t)
	n := NewNotifier(rdb)
	hub := NewChatHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.StartWiring(ctx, n))

	c1, err := hub.Register("s1", "u1", "alice", nil)
	require.NoError(t, err)
	hub.JoinRoom(c1, "room-a")

	require.NoError(t, n.PublishRoomEvent(ctx, RoomEvent{
		Type:      RoomEventJoin,
		RoomID:    "room-a",
		ClientID:  "s9",
		Username:  "dave",
		Timestamp: time.Now().UnixMilli(),
	}))

	assert.Eventually(t, func() bool {
		select {
		case raw := <-c1.Send:
			f, err := DecodeFrame(raw)
			return err == nil && f.Event == EventUserJoined
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
