package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoomType classifies what kind of session a room hosts.
type RoomType string

const (
	// RoomTypeChat is a text chat session.
	RoomTypeChat RoomType = "CHAT"
	// RoomTypeCall is an audio call session.
	RoomTypeCall RoomType = "CALL"
	// RoomTypeVideoCall is a video call session.
	RoomTypeVideoCall RoomType = "VIDEO_CALL"
)

// Room records a pairing between two participants. Each slot carries the
// participant id plus a flag marking whether that id is an anonymous
// session id rather than a registered user id.
//
// The (user1, user2) tuple is immutable once created.
type Room struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	Type           RoomType       `gorm:"type:varchar(20);not null;index:idx_rooms_pair" json:"type"`
	User1ID        string         `gorm:"not null;index:idx_rooms_user1;index:idx_rooms_pair" json:"user1_id"`
	User1Anonymous bool           `gorm:"default:false" json:"user1_anonymous"`
	User2ID        string         `gorm:"not null;index:idx_rooms_user2;index:idx_rooms_pair" json:"user2_id"`
	User2Anonymous bool           `gorm:"default:false" json:"user2_anonymous"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (r *Room) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Contains reports whether userID occupies either slot.
func (r *Room) Contains(userID string) bool {
	return r.User1ID == userID || r.User2ID == userID
}

// PeerOf returns the other slot's id, or "" when userID is not in the room.
func (r *Room) PeerOf(userID string) string {
	switch userID {
	case r.User1ID:
		return r.User2ID
	case r.User2ID:
		return r.User1ID
	}
	return ""
}
