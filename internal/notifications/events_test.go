package notifications

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	raw, err := EncodeFrame(EventMessageSent, map[string]any{"id": "m1"})
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, EventMessageSent, f.Event)
	assert.JSONEq(t, `{"id":"m1"}`, string(f.Data))
}

func TestFrameEncodeWithoutData(t *testing.T) {
	raw, err := EncodeFrame(EventLobby, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"LOBBY"}`, string(raw))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.Error(t, err)
}

func TestRoomEventBroadcastMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		eventType RoomEventType
		want      string
	}{
		{RoomEventJoin, EventUserJoined},
		{RoomEventLeave, EventUserLeft},
		{RoomEventTyping, EventUserTyping},
		{RoomEventStoppedTyping, EventUserStoppedTyping},
		{RoomEventConnected, EventUserConnected},
		{RoomEventDisconnected, EventUserDisconnected},
		{RoomEventType("bogus"), ""},
	}

	for _, tt := range tests {
		ev := RoomEvent{Type: tt.eventType}
		assert.Equal(t, tt.want, ev.BroadcastEvent())
	}
}
