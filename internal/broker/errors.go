package broker

import "errors"

var (
	ErrBrokerClosed = errors.New("broker closed")
	ErrQueueFull    = errors.New("broker queue full")
	ErrInvalidKind  = errors.New("envelope kind must be message or presence")
)
