package types

import (
	"regexp"
	"strings"
)

// MaxBodyBytes bounds a single message body.
const MaxBodyBytes = 4096

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// ValidateThreadID rejects empty or oversized thread ids.
func ValidateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" || len(threadID) > 100 {
		return ErrInvalidThreadID
	}
	return nil
}

// ValidateBody rejects blank or oversized message bodies.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	return nil
}

// ValidateRoomID accepts only ids built by ThreadRoom or CourseRoom.
func ValidateRoomID(roomID string) error {
	if _, _, ok := ParseRoom(roomID); !ok {
		return ErrInvalidRoomID
	}
	return nil
}

// Validate checks an outbound message before it is dispatched or routed.
func (m *OutboundMessage) Validate() error {
	if err := ValidateThreadID(m.ThreadID); err != nil {
		return err
	}
	return ValidateBody(m.Body)
}
