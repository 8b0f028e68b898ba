package cache

import (
	"context"
	"fmt"
	"time"
)

// Key formats for the search pools. Every membership container for the same
// pool is a sorted set scored by join time (unix ms) so sweeps and tie-breaks
// can operate on score ranges.
const (
	PoolKeyPrefix          = "users:%s"
	PoolUserKeyPrefix      = "user:%s:%s"
	InterestKeyPrefix      = "interest:%s:%s"
	UserInterestsKeyPrefix = "user_interests:%s:%s"
	UsernameIndexPrefix    = "users:%s:index:username:%s"
	CooldownKeyPrefix      = "user_prevent_match:%s"
	MatchKeyPrefix         = "match:%s:%s"
)

// Key formats for room presence and the cached room records.
const (
	RoomStateKeyPrefix  = "room:%s"
	RoomRecordKeyPrefix = "rooms:record:%s"
)

// Keys for the call namespace queue and per-socket bookkeeping.
const (
	CallQueueKey           = "call:queue"
	CallUserKeyPrefix      = "call:user:%s"
	CallRoomKeyPrefix      = "call:room:%s"
	CallUserRoomKeyPrefix  = "call:user-room:%s"
	CallRoomEndedKeyPrefix = "call:room:%s:ended"
)

// Keys for chat socket plumbing and the bounded general-room buffer.
const (
	ChatRoomKeyPrefix      = "chat:rooms:%s"
	ChatSocketRoomsPrefix  = "chat:socket:%s:rooms"
	ChatRoomMessagesPrefix = "chat:room:%s:messages"
	ChatUsersKey           = "chat:users"
	ChatTypingKeyPrefix    = "chat:rooms:%s:typing"
	ChatConnectedKeyPrefix = "chat:rooms:%s:connected"
	GeneralMessagesKey     = "global:message"
)

// Keys for SSE presence and distributed job leases.
const (
	SSEUsersKey      = "sse:users"
	SSEConnCountsKey = "sse:user:connections"
	LockKeyPrefix    = "lock:%s"
)

// Pub/sub channel names.
const (
	ChannelChatMessages = "chat:messages"
	ChannelChatRooms    = "chat:rooms"
	ChannelCallRooms    = "call:rooms"
	SSEChannelPrefix    = "sse:user:%s"
)

const (
	PoolUserTTL      = 120 * time.Second
	InterestTTL      = 150 * time.Second
	UserInterestsTTL = 120 * time.Second
	UsernameIndexTTL = 120 * time.Second
	CooldownTTL      = 7 * time.Second
	MatchTTL         = 120 * time.Second
	RoomRecordTTL    = 24 * time.Hour
)

// MaxRoomMessages bounds both the per-room recent-id lists and the
// general-room message buffer.
const MaxRoomMessages = 100

func PoolKey(pool string) string {
	return fmt.Sprintf(PoolKeyPrefix, pool)
}

func PoolUserKey(pool, userID string) string {
	return fmt.Sprintf(PoolUserKeyPrefix, pool, userID)
}

func InterestKey(pool, tag string) string {
	return fmt.Sprintf(InterestKeyPrefix, pool, tag)
}

func UserInterestsKey(pool, userID string) string {
	return fmt.Sprintf(UserInterestsKeyPrefix, pool, userID)
}

func UsernameIndexKey(pool, username string) string {
	return fmt.Sprintf(UsernameIndexPrefix, pool, username)
}

func CooldownKey(userID string) string {
	return fmt.Sprintf(CooldownKeyPrefix, userID)
}

func MatchKey(pool, userID string) string {
	return fmt.Sprintf(MatchKeyPrefix, pool, userID)
}

func RoomStateKey(roomID string) string {
	return fmt.Sprintf(RoomStateKeyPrefix, roomID)
}

func RoomRecordKey(roomID string) string {
	return fmt.Sprintf(RoomRecordKeyPrefix, roomID)
}

func CallUserKey(socketID string) string {
	return fmt.Sprintf(CallUserKeyPrefix, socketID)
}

func CallRoomKey(roomID string) string {
	return fmt.Sprintf(CallRoomKeyPrefix, roomID)
}

func CallUserRoomKey(socketID string) string {
	return fmt.Sprintf(CallUserRoomKeyPrefix, socketID)
}

func CallRoomEndedKey(roomID string) string {
	return fmt.Sprintf(CallRoomEndedKeyPrefix, roomID)
}

func ChatRoomKey(roomID string) string {
	return fmt.Sprintf(ChatRoomKeyPrefix, roomID)
}

func ChatSocketRoomsKey(socketID string) string {
	return fmt.Sprintf(ChatSocketRoomsPrefix, socketID)
}

func ChatRoomMessagesKey(roomID string) string {
	return fmt.Sprintf(ChatRoomMessagesPrefix, roomID)
}

func ChatTypingKey(roomID string) string {
	return fmt.Sprintf(ChatTypingKeyPrefix, roomID)
}

func ChatConnectedKey(roomID string) string {
	return fmt.Sprintf(ChatConnectedKeyPrefix, roomID)
}

func SSEChannel(userID string) string {
	return fmt.Sprintf(SSEChannelPrefix, userID)
}

func LockKey(task string) string {
	return fmt.Sprintf(LockKeyPrefix, task)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidateRoomRecord(ctx context.Context, roomID string) {
	Invalidate(ctx, RoomRecordKey(roomID))
}
