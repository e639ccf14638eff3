package session

import "errors"

var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrExpiredToken  = errors.New("session token expired")
	ErrInvalidRole   = errors.New("invalid role: must be student, lecturer or admin")
	ErrWeakSecret    = errors.New("signing secret must be at least 32 bytes")
	ErrMissingUserID = errors.New("identity has no valid user id")
)
