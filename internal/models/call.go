package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Call is a history row persisted when a call room ends. Participant ids
// are anonymous socket ids unless the clients connected with pair tokens.
type Call struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID      string         `gorm:"not null;index:idx_calls_room" json:"roomId"`
	InitiatorID string         `gorm:"not null" json:"initiatorId"`
	ReceiverID  string         `gorm:"not null" json:"receiverId"`
	DurationSec int            `gorm:"not null;default:0" json:"durationSec"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     time.Time      `json:"endedAt"`
	CreatedAt   time.Time      `json:"-"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (c *Call) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
