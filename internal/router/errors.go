package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownThread     = errors.New("thread does not exist")
	ErrNotParticipant    = errors.New("sender is not a participant of the thread")
	ErrMissingSender     = errors.New("sender identity required")
)
