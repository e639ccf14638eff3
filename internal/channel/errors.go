package channel

import "errors"

var (
	ErrNotConnected = errors.New("cannot send while disconnected")
	ErrSendFailed   = errors.New("message not acknowledged")
)
