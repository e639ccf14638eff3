package presence

import (
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// TopicPresenceChanged is published after every applied presence change.
const TopicPresenceChanged = "presence.changed"

// Tracker keeps online status for a working set of users. The working set
// is durable desired state: it survives reconnects and is re-subscribed
// every time the connection opens.
type Tracker struct {
	conn      interfaces.Emitter
	publisher interfaces.StatePublisher
	now       func() time.Time

	mu        sync.Mutex
	working   map[string]struct{}
	entries   map[string]types.PresenceEntry
	nextID    types.SubscriptionID
	listeners map[types.SubscriptionID]func(types.PresenceEntry)
	subs      []types.SubscriptionID
	stateSub  types.SubscriptionID
	// replayed is the serial of the last connection the set was re-sent on.
	replayed uint64
}

// NewTracker wires the tracker to conn. publisher may be nil.
func NewTracker(conn interfaces.Emitter, publisher interfaces.StatePublisher) *Tracker {
	t := &Tracker{
		conn:      conn,
		publisher: publisher,
		now:       time.Now,
		working:   make(map[string]struct{}),
		entries:   make(map[string]types.PresenceEntry),
		listeners: make(map[types.SubscriptionID]func(types.PresenceEntry)),
	}
	t.subs = []types.SubscriptionID{
		conn.On(types.OpPresenceSnapshot, t.handleSnapshot),
		conn.On(types.OpPresenceUpdate, t.handleUpdate),
	}
	t.stateSub = conn.OnStateChange(t.handleState)
	return t
}

// Subscribe adds users to the working set. Only users not already tracked
// are sent to the server, and only while connected.
func (t *Tracker) Subscribe(userIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []string
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := t.working[id]; ok {
			continue
		}
		t.working[id] = struct{}{}
		added = append(added, id)
	}

	if len(added) == 0 || !t.liveLocked() {
		return
	}
	if err := t.conn.Emit(types.OpPresenceSubscribe, types.PresenceRequest{UserIDs: added}); err != nil {
		log.Printf("[presence] subscribe %v deferred to next connect: %v", added, err)
	}
}

// Unsubscribe removes users from the working set and forgets their status,
// so they read as unknown rather than stale.
func (t *Tracker) Unsubscribe(userIDs ...string) {
	t.mu.Lock()
	var removed []string
	for _, id := range userIDs {
		if _, ok := t.working[id]; !ok {
			continue
		}
		delete(t.working, id)
		delete(t.entries, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 && t.liveLocked() {
		if err := t.conn.Emit(types.OpPresenceUnsubscribe, types.PresenceRequest{UserIDs: removed}); err != nil {
			log.Printf("[presence] unsubscribe %v not sent: %v", removed, err)
		}
	}
	t.mu.Unlock()

	t.publish(removed...)
}

// liveLocked reports whether the working set was already re-sent on the
// open connection. Until then the pending replay carries every change.
func (t *Tracker) liveLocked() bool {
	return t.conn.State() == types.StateConnected && t.conn.Serial() == t.replayed
}

// Status answers online, offline or unknown. Users outside the working set
// and users with no event yet are unknown.
func (t *Tracker) Status(userID string) types.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return types.PresenceUnknown
	}
	return entry.Status()
}

// Entry returns the last known entry for a tracked user.
func (t *Tracker) Entry(userID string) (types.PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	return entry, ok
}

// Entries returns every known entry ordered by user id.
func (t *Tracker) Entries() []types.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PresenceEntry, 0, len(t.entries))
	for _, id := range slices.Sorted(maps.Keys(t.entries)) {
		out = append(out, t.entries[id])
	}
	return out
}

// WorkingSet returns the subscribed user ids in sorted order.
func (t *Tracker) WorkingSet() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.working))
}

// OnChange registers fn for every applied presence change.
func (t *Tracker) OnChange(fn func(types.PresenceEntry)) types.SubscriptionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.listeners[t.nextID] = fn
	return t.nextID
}

func (t *Tracker) OffChange(id types.SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
}

// Close detaches the tracker from the connection.
func (t *Tracker) Close() {
	for _, id := range t.subs {
		t.conn.Off(id)
	}
	t.conn.OffStateChange(t.stateSub)
}

func (t *Tracker) handleState(change types.StateChange) {
	if change.To != types.StateConnected {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replayed = change.Serial
	ids := slices.Sorted(maps.Keys(t.working))
	if len(ids) == 0 {
		return
	}
	if err := t.conn.Emit(types.OpPresenceSubscribe, types.PresenceRequest{UserIDs: ids}); err != nil {
		log.Printf("[presence] resubscribe of %d users failed: %v", len(ids), err)
	}
}

// A snapshot is applied exactly like a batch of updates, in arrival order.
func (t *Tracker) handleSnapshot(ev types.Event) {
	var snap types.PresenceSnapshot
	if err := ev.Decode(&snap); err != nil {
		log.Printf("[presence] malformed snapshot: %v", err)
		return
	}
	for _, u := range snap.Users {
		t.apply(u)
	}
}

func (t *Tracker) handleUpdate(ev types.Event) {
	var u types.PresenceUpdate
	if err := ev.Decode(&u); err != nil {
		log.Printf("[presence] malformed update: %v", err)
		return
	}
	t.apply(u)
}

func (t *Tracker) apply(u types.PresenceUpdate) {
	t.mu.Lock()
	if _, ok := t.working[u.UserID]; !ok {
		t.mu.Unlock()
		return
	}
	entry := types.PresenceEntry{UserID: u.UserID, IsOnline: u.Online, LastUpdated: t.now()}
	t.entries[u.UserID] = entry
	fns := make([]func(types.PresenceEntry), 0, len(t.listeners))
	for _, id := range slices.Sorted(maps.Keys(t.listeners)) {
		fns = append(fns, t.listeners[id])
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(entry)
	}
	t.publish(u.UserID)
}

func (t *Tracker) publish(userIDs ...string) {
	if t.publisher == nil {
		return
	}
	for _, id := range userIDs {
		status := t.Status(id)
		t.publisher.Publish(TopicPresenceChanged, map[string]any{
			"user_id": id,
			"status":  status.String(),
		})
	}
}
