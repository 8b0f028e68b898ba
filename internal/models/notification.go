package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationType identifies what a notification is about.
type NotificationType string

const (
	NotificationTypeFriendRequest NotificationType = "FRIEND_REQUEST"
	NotificationTypeMatchFound    NotificationType = "MATCH_FOUND"
	NotificationTypeSystem        NotificationType = "SYSTEM"
)

// ValidNotificationType reports whether t is a known notification kind.
func ValidNotificationType(t NotificationType) bool {
	switch t {
	case NotificationTypeFriendRequest, NotificationTypeMatchFound, NotificationTypeSystem:
		return true
	}
	return false
}

// NotificationPriority orders client-side presentation.
type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
)

// ValidNotificationPriority reports whether p is a known priority.
func ValidNotificationPriority(p NotificationPriority) bool {
	switch p {
	case NotificationPriorityLow, NotificationPriorityNormal, NotificationPriorityHigh:
		return true
	}
	return false
}

// Notification is a user-facing event row. IsSent records whether the user
// held a live SSE stream at creation time; unsent rows are flushed and
// deleted when the user next opens a stream.
type Notification struct {
	ID        string               `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string               `gorm:"not null;index:idx_notifications_user" json:"userId"`
	Type      NotificationType     `gorm:"type:varchar(40);not null" json:"type"`
	Title     string               `json:"title"`
	Message   string               `gorm:"type:text" json:"message"`
	Priority  NotificationPriority `gorm:"type:varchar(10);default:'normal'" json:"priority"`
	Data      json.RawMessage      `gorm:"type:json" json:"data,omitempty"`
	IsSent    bool                 `gorm:"default:false;index:idx_notifications_unsent" json:"isSent"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (n *Notification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}
