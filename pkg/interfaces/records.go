package interfaces

import (
	"context"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// RecordAPI is the external record service the thread directory reads from.
// Records come back undecoded; their shape varies by endpoint and version.
type RecordAPI interface {
	FetchThreads(ctx context.Context) ([]types.RawRecord, error)
	FetchHistory(ctx context.Context, threadID string) ([]types.RawRecord, error)
}

// StatePublisher receives UI-facing state changes. Implementations must not
// block the caller.
type StatePublisher interface {
	Publish(topic string, fields map[string]any)
}
