package directory

import (
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// HandleInbound applies a live message: it lands in the thread history,
// becomes the thread preview and counts as unread unless the thread is
// focused or the message is the user's own. An echo of a local message
// merges into it instead of adding a second entry. Unknown threads are
// created on the fly.
func (d *Directory) HandleInbound(msg types.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.now()
	}

	d.mu.Lock()
	added := d.historyLocked(msg.ThreadID).upsert(msg)

	title := ""
	if msg.SenderID != d.selfID {
		title = msg.SenderName
	}
	_, known := d.threads[msg.ThreadID]
	t := d.threadLocked(msg.ThreadID, title)
	if !known && msg.SenderID != d.selfID {
		t.PeerID = msg.SenderID
	}
	touchLocked(t, msg)
	if added && msg.SenderID != d.selfID && d.focused != msg.ThreadID {
		t.UnreadCount++
	}
	d.mu.Unlock()

	d.publish(TopicThreadMessages, map[string]any{"thread_id": msg.ThreadID})
	d.publish(TopicThreadsUpdated, map[string]any{"thread_id": msg.ThreadID})
}

// AppendLocal records an outbound message before its ack.
func (d *Directory) AppendLocal(msg types.Message) {
	d.mu.Lock()
	d.historyLocked(msg.ThreadID).upsert(msg)
	touchLocked(d.threadLocked(msg.ThreadID, ""), msg)
	d.mu.Unlock()

	d.publish(TopicThreadMessages, map[string]any{"thread_id": msg.ThreadID})
	d.publish(TopicThreadsUpdated, map[string]any{"thread_id": msg.ThreadID})
}

// MarkAcknowledged reconciles a local message to its server id.
func (d *Directory) MarkAcknowledged(threadID, clientID, serverID string, createdAt time.Time) {
	d.mu.Lock()
	h, ok := d.histories[threadID]
	changed := ok && h.acknowledge(clientID, serverID, createdAt)
	if t, ok := d.threads[threadID]; ok && changed && createdAt.After(t.UpdatedAt) {
		t.UpdatedAt = createdAt
	}
	d.mu.Unlock()

	if changed {
		d.publish(TopicThreadMessages, map[string]any{"thread_id": threadID})
	}
}

// MarkFailed marks a pending local message failed.
func (d *Directory) MarkFailed(threadID, clientID string) {
	d.mu.Lock()
	h, ok := d.histories[threadID]
	changed := ok && h.fail(clientID)
	d.mu.Unlock()

	if changed {
		d.publish(TopicThreadMessages, map[string]any{"thread_id": threadID})
	}
}
