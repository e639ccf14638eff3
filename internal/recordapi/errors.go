package recordapi

import "errors"

var (
	ErrNoToken         = errors.New("no session token")
	ErrUnexpectedShape = errors.New("unexpected response shape")
	ErrStatus          = errors.New("unexpected status")
)
