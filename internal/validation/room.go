// Package validation holds input validation shared by HTTP handlers and
// socket namespaces.
package validation

import (
	"fmt"
	"regexp"
)

var roomIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// GeneralRoomID is the anonymous broadcast lobby. It has no Room row and no
// presence record; its history lives only in a bounded Redis list.
const GeneralRoomID = "general"

// ValidateRoomID checks the character class for named room joins.
func ValidateRoomID(roomID string) error {
	if !roomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room id must be 3-50 characters of letters, numbers, underscore, or hyphen")
	}
	return nil
}

// IsGeneralRoom reports whether roomID addresses the anonymous lobby.
func IsGeneralRoom(roomID string) bool {
	return roomID == GeneralRoomID
}
