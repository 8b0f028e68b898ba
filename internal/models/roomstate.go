package models

// OccupantState is the per-slot presence state within a room. The sweep
// only demotes (online -> offline -> disconnected); a fresh heartbeat
// restores a live slot to online.
type OccupantState string

const (
	OccupantOnline       OccupantState = "online"
	OccupantOffline      OccupantState = "offline"
	OccupantDisconnected OccupantState = "disconnected"
)

// Occupant is one slot of a RoomState record.
type Occupant struct {
	ID            string        `json:"id"`
	LastHeartbeat int64         `json:"lastHeartbeat"`
	Count         int           `json:"count"`
	State         OccupantState `json:"state"`
}

// RoomState is the ephemeral presence record stored at room:<roomId>.
// It is created by the matcher (or lazily by the chat namespace), mutated
// by heartbeat ingestion, and deleted by the sweep once either occupant
// reaches disconnected.
type RoomState struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType"`
	User1    Occupant `json:"user1"`
	User2    Occupant `json:"user2"`
}

// OccupantFor returns the slot owned by userID, or nil.
func (s *RoomState) OccupantFor(userID string) *Occupant {
	switch userID {
	case s.User1.ID:
		return &s.User1
	case s.User2.ID:
		return &s.User2
	}
	return nil
}

// PeerFor returns the other slot, or nil when userID is not in the room.
func (s *RoomState) PeerFor(userID string) *Occupant {
	switch userID {
	case s.User1.ID:
		return &s.User2
	case s.User2.ID:
		return &s.User1
	}
	return nil
}
