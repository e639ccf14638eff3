package connection

import "errors"

var (
	ErrNoIdentity     = errors.New("identity required to connect")
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost before ack")
	ErrAckTimeout     = errors.New("ack not received in time")
	ErrRejected       = errors.New("request rejected by server")
	ErrManagerClosed  = errors.New("connection manager closed")
)
