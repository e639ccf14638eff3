package rooms

import (
	"log"
	"maps"
	"slices"
	"sync"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Coordinator keeps the set of rooms the user wants to be in and re-joins
// all of them whenever the connection opens. Membership changes only
// through Join and Leave.
type Coordinator struct {
	conn     interfaces.Emitter
	stateSub types.SubscriptionID

	mu      sync.Mutex
	members map[string]struct{}
	// replayed is the serial of the last connection the set was re-joined on.
	replayed uint64
}

func NewCoordinator(conn interfaces.Emitter) *Coordinator {
	c := &Coordinator{
		conn:    conn,
		members: make(map[string]struct{}),
	}
	c.stateSub = conn.OnStateChange(c.handleState)
	return c
}

// Join adds roomID to the membership set. Joining a room already joined
// sends nothing.
func (c *Coordinator) Join(roomID string) error {
	if err := types.ValidateRoomID(roomID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[roomID]; ok {
		return nil
	}
	c.members[roomID] = struct{}{}
	c.emitLocked(types.OpRoomJoin, roomID)
	return nil
}

// Leave removes roomID from the membership set. Leaving a room not joined
// sends nothing.
func (c *Coordinator) Leave(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[roomID]; !ok {
		return
	}
	delete(c.members, roomID)
	c.emitLocked(types.OpRoomLeave, roomID)
}

// IsJoined reports whether roomID is in the membership set.
func (c *Coordinator) IsJoined(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[roomID]
	return ok
}

// Rooms returns the membership set in sorted order.
func (c *Coordinator) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.members))
}

// Close detaches the coordinator from the connection.
func (c *Coordinator) Close() {
	c.conn.OffStateChange(c.stateSub)
}

// emitLocked sends a change only on a connection the set was already
// replayed on; otherwise the pending replay carries it.
func (c *Coordinator) emitLocked(op, roomID string) {
	if c.conn.State() != types.StateConnected || c.conn.Serial() != c.replayed {
		return
	}
	if err := c.conn.Emit(op, types.RoomRequest{RoomID: roomID}); err != nil {
		log.Printf("[rooms] %s %s not sent: %v", op, roomID, err)
	}
}

func (c *Coordinator) handleState(change types.StateChange) {
	if change.To != types.StateConnected {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replayed = change.Serial
	for _, roomID := range slices.Sorted(maps.Keys(c.members)) {
		if err := c.conn.Emit(types.OpRoomJoin, types.RoomRequest{RoomID: roomID}); err != nil {
			log.Printf("[rooms] rejoin %s failed: %v", roomID, err)
			return
		}
	}
}
