package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"parley/internal/models"
)

// MaxMessageLength bounds chat message content in runes.
const MaxMessageLength = 2000

// ValidateMessage checks an inbound chat payload before it is persisted.
func ValidateMessage(content string, msgType models.MessageType) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("message content exceeds %d characters", MaxMessageLength)
	}
	if msgType == "" {
		return nil
	}
	if !models.ValidMessageType(msgType) {
		return fmt.Errorf("unsupported message type %q", msgType)
	}
	return nil
}
