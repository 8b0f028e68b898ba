// Package models contains data structures for the application's domain models.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a registered user profile.
//
// IDs are UUID strings rather than auto-increment integers so that the same
// id space can hold anonymous session ids issued by the socket layer.
type User struct {
	ID        string          `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string          `gorm:"unique;not null" json:"username"`
	Email     string          `gorm:"unique;not null" json:"email"`
	Password  string          `gorm:"not null" json:"-"`
	Interests json.RawMessage `gorm:"type:json" json:"interests,omitempty"`
	Points    int             `gorm:"default:0" json:"points"`
	IsPro     bool            `gorm:"default:false;index:idx_users_is_pro" json:"is_pro"`
	ProEnd    *time.Time      `json:"pro_end,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt gorm.DeletedAt  `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// InterestList decodes the stored interest tags, returning nil when unset.
func (u *User) InterestList() []string {
	if len(u.Interests) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(u.Interests, &tags); err != nil {
		return nil
	}
	return tags
}
