package directory

import (
	"sort"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// history is a bounded, time-ordered message buffer for one thread. When
// full, the oldest message is evicted first.
type history struct {
	limit int
	msgs  []types.Message
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

// upsert merges msg into a message it matches, by id or client id, or
// inserts it in createdAt order. It reports whether msg was new and is
// still held; a message older than a full buffer is evicted at once.
func (h *history) upsert(msg types.Message) bool {
	if i := h.find(msg); i >= 0 {
		h.merge(i, msg)
		return false
	}

	i := sort.Search(len(h.msgs), func(i int) bool {
		return h.msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	h.msgs = append(h.msgs, types.Message{})
	copy(h.msgs[i+1:], h.msgs[i:])
	h.msgs[i] = msg

	if h.limit > 0 && len(h.msgs) > h.limit {
		drop := len(h.msgs) - h.limit
		h.msgs = append(h.msgs[:0], h.msgs[drop:]...)
		return i >= drop
	}
	return true
}

func (h *history) find(msg types.Message) int {
	for i := range h.msgs {
		if h.msgs[i].Matches(msg) || msg.Matches(h.msgs[i]) {
			return i
		}
	}
	return -1
}

func (h *history) findClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range h.msgs {
		if h.msgs[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// merge folds a server copy into a local one. Only an acknowledged copy may
// change ids, state or timestamps.
func (h *history) merge(i int, incoming types.Message) {
	cur := &h.msgs[i]
	if cur.ClientID == "" {
		cur.ClientID = incoming.ClientID
	}
	if cur.SenderName == "" {
		cur.SenderName = incoming.SenderName
	}
	if incoming.DeliveryState != types.DeliveryAcknowledged {
		return
	}
	if incoming.ID != "" {
		cur.ID = incoming.ID
	}
	cur.DeliveryState = types.DeliveryAcknowledged
	if !incoming.CreatedAt.IsZero() && !incoming.CreatedAt.Equal(cur.CreatedAt) {
		cur.CreatedAt = incoming.CreatedAt
		h.resort()
	}
}

func (h *history) acknowledge(clientID, serverID string, createdAt time.Time) bool {
	i := h.findClientID(clientID)
	if i < 0 {
		return false
	}
	h.merge(i, types.Message{ID: serverID, CreatedAt: createdAt, DeliveryState: types.DeliveryAcknowledged})
	return true
}

// fail marks a pending message failed. A message already acknowledged, for
// instance through its echo, keeps its state.
func (h *history) fail(clientID string) bool {
	i := h.findClientID(clientID)
	if i < 0 || h.msgs[i].DeliveryState != types.DeliveryPending {
		return false
	}
	h.msgs[i].DeliveryState = types.DeliveryFailed
	return true
}

func (h *history) resort() {
	sort.SliceStable(h.msgs, func(a, b int) bool {
		return h.msgs[a].CreatedAt.Before(h.msgs[b].CreatedAt)
	})
}

func (h *history) snapshot() []types.Message {
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}
