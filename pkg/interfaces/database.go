package interfaces

import (
	"context"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// DatabaseManager is the relay's persistence boundary.
type DatabaseManager interface {
	UpsertUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, userID string) (*types.User, error)

	CreateThread(ctx context.Context, thread *types.ThreadRecord) error
	GetThread(ctx context.Context, threadID string) (*types.ThreadRecord, error)
	ListThreadsForUser(ctx context.Context, userID string) ([]*types.ThreadRecord, error)

	// StoreMessage must complete before a message is routed.
	StoreMessage(ctx context.Context, message *types.Message) error
	// GetMessageByClientID finds a message already stored for a sender's
	// client id, so a resent message is acknowledged instead of duplicated.
	GetMessageByClientID(ctx context.Context, senderID, clientID string) (*types.Message, error)
	GetThreadHistory(ctx context.Context, threadID string, limit int) ([]*types.Message, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
