package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GeneralRoomID is the shared lobby every chat socket lands in by default.
// Its history lives only in Redis.
const GeneralRoomID = "general"

// MessageType enumerates the supported chat payload kinds.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeGif   MessageType = "gif"
	MessageTypeAudio MessageType = "audio"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// ValidMessageType reports whether t is one of the supported payload kinds.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeGif, MessageTypeAudio, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// Message is a chat message. Messages in regular rooms persist to the
// relational store; the general lobby keeps only a bounded recent list in
// Redis, so those rows never reach this table.
//
// CreatedAt doubles as the wire-visible timestamp.
type Message struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID           string         `gorm:"not null;index:idx_messages_room" json:"roomId"`
	SenderID         string         `gorm:"not null;index:idx_messages_sender" json:"senderId"`
	ReceiverID       string         `json:"receiverId"`
	SenderUsername   string         `json:"senderUsername,omitempty"`
	ReceiverUsername string         `json:"receiverUsername,omitempty"`
	Content          string         `gorm:"type:text;not null" json:"content"`
	Type             MessageType    `gorm:"type:varchar(10);default:'text'" json:"type"`
	CreatedAt        time.Time      `json:"timestamp"`
	UpdatedAt        time.Time      `json:"-"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
