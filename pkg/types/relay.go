package types

import "time"

// Thread kinds stored by the relay.
const (
	ThreadKindDirect = "direct"
	ThreadKindCourse = "course"
)

// User is a relay-side account record.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ThreadRecord is the relay's stored thread. LastMessage is filled by list
// queries and nil when the thread has no messages yet.
type ThreadRecord struct {
	ID             string    `json:"id" db:"id"`
	Kind           string    `json:"kind" db:"kind"`
	Title          string    `json:"title" db:"title"`
	CourseID       string    `json:"course_id,omitempty" db:"course_id"`
	ParticipantIDs []string  `json:"participant_ids" db:"participant_ids"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	LastMessage    *Message  `json:"last_message,omitempty"`
}

// Validate checks a thread before it is stored.
func (t *ThreadRecord) Validate() error {
	if err := ValidateThreadID(t.ID); err != nil {
		return err
	}
	switch t.Kind {
	case ThreadKindDirect:
		if len(t.ParticipantIDs) != 2 {
			return ErrInvalidParticipants
		}
	case ThreadKindCourse:
		if t.CourseID == "" {
			return ErrMissingCourse
		}
	default:
		return ErrInvalidThreadKind
	}
	for _, id := range t.ParticipantIDs {
		if !IsValidUserID(id) {
			return ErrInvalidUserID
		}
	}
	return nil
}

// HasParticipant reports whether userID belongs to the thread.
func (t *ThreadRecord) HasParticipant(userID string) bool {
	for _, id := range t.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a direct thread.
func (t *ThreadRecord) Peer(userID string) (string, bool) {
	if t.Kind != ThreadKindDirect {
		return "", false
	}
	for _, id := range t.ParticipantIDs {
		if id != userID {
			return id, true
		}
	}
	return "", false
}

// ActivityAt is the time of the last message, or creation when empty.
func (t *ThreadRecord) ActivityAt() time.Time {
	if t.LastMessage != nil && t.LastMessage.CreatedAt.After(t.CreatedAt) {
		return t.LastMessage.CreatedAt
	}
	return t.CreatedAt
}
