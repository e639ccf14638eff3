package channel

import (
	"context"
	"sync"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// DeliveryHandle tracks one send from optimistic append to its final
// delivery state.
type DeliveryHandle struct {
	clientID string
	threadID string
	done     chan struct{}

	mu       sync.Mutex
	state    types.DeliveryState
	serverID string
	err      error
}

func newHandle(clientID, threadID string) *DeliveryHandle {
	return &DeliveryHandle{
		clientID: clientID,
		threadID: threadID,
		done:     make(chan struct{}),
		state:    types.DeliveryPending,
	}
}

func (h *DeliveryHandle) resolve(state types.DeliveryState, serverID string, err error) {
	h.mu.Lock()
	if h.state != types.DeliveryPending {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.serverID = serverID
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// ClientID is the id assigned locally at send time.
func (h *DeliveryHandle) ClientID() string { return h.clientID }

// ThreadID is the thread the message was sent to.
func (h *DeliveryHandle) ThreadID() string { return h.threadID }

// Done is closed once the send is Acknowledged or Failed.
func (h *DeliveryHandle) Done() <-chan struct{} { return h.done }

func (h *DeliveryHandle) State() types.DeliveryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ServerID is the id assigned by the server, empty until acknowledged.
func (h *DeliveryHandle) ServerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverID
}

// Err explains a Failed delivery.
func (h *DeliveryHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the delivery settles or ctx ends and returns the state.
func (h *DeliveryHandle) Wait(ctx context.Context) (types.DeliveryState, error) {
	select {
	case <-h.done:
		return h.State(), h.Err()
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}
