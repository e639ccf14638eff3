package types

import "errors"

var (
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidThreadID = errors.New("thread ID must be 1-100 characters")
	ErrInvalidRoomID   = errors.New("room ID must be thread:<id> or course:<id>")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLarge    = errors.New("message body exceeds 4096 bytes")
	ErrEmptyPayload    = errors.New("event payload is empty")

	ErrInvalidThreadKind   = errors.New("thread kind must be direct or course")
	ErrInvalidParticipants = errors.New("direct thread needs exactly two participants")
	ErrMissingCourse       = errors.New("course thread needs a course ID")
)
