package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotFound     = errors.New("record not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrDuplicate    = errors.New("record already exists")
)
