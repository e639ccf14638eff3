package hub

import "errors"

var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrEventChannelFull    = errors.New("event channel is full")
	ErrRegisterChannelFull = errors.New("register channel is full")
	ErrUnknownOp           = errors.New("unknown op")
	ErrNotRoomMember       = errors.New("not allowed to join this room")
	ErrTooManyWatches      = errors.New("too many presence subscriptions")
)
