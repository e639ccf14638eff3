package interfaces

import (
	"context"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Conn is one open realtime transport connection as seen by the client.
// WriteJSON must be safe for concurrent use; ReadEvent is called from a
// single reader goroutine and blocks until a frame arrives or the
// connection fails.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadEvent() (types.Event, error)
	Close() error
}

// Dialer opens transport connections for an identity.
type Dialer interface {
	Dial(ctx context.Context, identity types.Identity) (Conn, error)
}

// Emitter is the part of the connection lifecycle manager that dependent
// components use. Handlers registered with On and OnStateChange run
// sequentially on one dispatcher goroutine and must not block.
type Emitter interface {
	State() types.ConnectionState
	Identity() types.Identity
	Serial() uint64
	Emit(op string, data any) error
	EmitWithAck(ctx context.Context, op string, data any) (*types.Ack, error)
	On(op string, fn func(types.Event)) types.SubscriptionID
	Off(id types.SubscriptionID)
	OnStateChange(fn func(types.StateChange)) types.SubscriptionID
	OffStateChange(id types.SubscriptionID)
}

// Connection is a relay-side client connection.
// WriteJSON must be thread-safe; implementations use a single writer.
type Connection interface {
	WriteJSON(v interface{}) error
	Close() error
	ID() string
	GetUserID() string
	GetRole() string
	IsAuthenticated() bool
	SetCredentials(userID, role string) error
}
