package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	minUsernameLength = 1
	maxUsernameLength = 32
	maxInterests      = 20
	maxInterestLength = 40
)

// ValidateUsername checks a display name supplied with a search request.
func ValidateUsername(username string) error {
	trimmed := strings.TrimSpace(username)
	if utf8.RuneCountInString(trimmed) < minUsernameLength {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(trimmed) > maxUsernameLength {
		return fmt.Errorf("username exceeds %d characters", maxUsernameLength)
	}
	return nil
}

// NormalizeInterests trims, lowercases, de-duplicates, and bounds an interest
// list while preserving the caller's ordering.
func NormalizeInterests(interests []string) []string {
	seen := make(map[string]struct{}, len(interests))
	out := make([]string, 0, len(interests))
	for _, tag := range interests {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || utf8.RuneCountInString(tag) > maxInterestLength {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxInterests {
			break
		}
	}
	return out
}
