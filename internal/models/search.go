package models

// Pool names a search queue namespace. The chat and call pools are fully
// independent: a user may sit in both at once.
type Pool string

const (
	PoolChat Pool = "chat"
	PoolCall Pool = "call"
)

// ValidPool reports whether p names a known search pool.
func ValidPool(p Pool) bool {
	return p == PoolChat || p == PoolCall
}

// RoomType maps a pool to the room type the matcher creates for it.
func (p Pool) RoomType() RoomType {
	if p == PoolCall {
		return RoomTypeCall
	}
	return RoomTypeChat
}

// SearchUser is an ephemeral pool member. Timestamps are unix milliseconds;
// JoinedAt is the sorted-set score shared by every membership record for
// the same id.
type SearchUser struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	Interests     []string `json:"interests"`
	JoinedAt      int64    `json:"joinedAt"`
	LastHeartbeat int64    `json:"lastHeartbeat"`
}

// MatchTuple is the one-shot handoff written for each side of a committed
// pair. The owning user's first poll consumes it (read-and-delete).
type MatchTuple struct {
	PeerUserID string `json:"peerUserId"`
	Token      string `json:"token"`
	RoomID     string `json:"roomId"`
	IsFriend   bool   `json:"isFriend"`
}
