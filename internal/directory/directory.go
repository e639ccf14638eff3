package directory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/channel"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Topics published on the state publisher.
const (
	TopicThreadsUpdated = "threads.updated"
	TopicThreadMessages = "thread.messages"
)

// Config bounds the per-thread message history and the shared thread-list
// fetch.
type Config struct {
	HistoryLimit int
	FetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{HistoryLimit: 200, FetchTimeout: 30 * time.Second}
}

// Directory is the canonical, sorted view of the user's threads and their
// recent messages. All mutation goes through its methods under one mutex.
type Directory struct {
	api       interfaces.RecordAPI
	publisher interfaces.StatePublisher
	cfg       Config
	group     singleflight.Group
	now       func() time.Time

	mu        sync.Mutex
	threads   map[string]*types.Thread
	histories map[string]*history
	focused   string
	selfID    string
	loaded    bool
	// gen changes on Reset; fetches started before it are discarded.
	gen    uint64
	sender *channel.Channel
	msgSub types.SubscriptionID
}

var _ channel.Sink = (*Directory)(nil)

// New creates an empty directory reading from api. publisher may be nil.
func New(api interfaces.RecordAPI, publisher interfaces.StatePublisher, cfg Config) *Directory {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &Directory{
		api:       api,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		threads:   make(map[string]*types.Thread),
		histories: make(map[string]*history),
	}
}

// Bind attaches the message channel used by Send and subscribes to its
// inbound messages.
func (d *Directory) Bind(ch *channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sender != nil {
		d.sender.OffMessage(d.msgSub)
	}
	d.sender = ch
	d.msgSub = ch.OnMessage(d.HandleInbound)
}

// Unbind stops receiving inbound messages.
func (d *Directory) Unbind() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sender != nil {
		d.sender.OffMessage(d.msgSub)
		d.sender = nil
	}
}

// SetSelf records the current user so own messages never count as unread.
func (d *Directory) SetSelf(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selfID = userID
}

// Load fetches the thread list once. Later calls return the current view
// without fetching; use Refresh to fetch again.
func (d *Directory) Load(ctx context.Context) ([]types.Thread, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()

	if loaded {
		return d.Threads(), nil
	}
	return d.Refresh(ctx)
}

// Refresh re-fetches the thread list and merges it in place. On failure the
// current view is left untouched and the error returned. Concurrent calls
// share one fetch; it is not bound to any single caller's ctx, and each
// caller stops waiting when its own ctx ends.
func (d *Directory) Refresh(ctx context.Context) ([]types.Thread, error) {
	d.mu.Lock()
	gen, selfID := d.gen, d.selfID
	d.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(fmt.Sprintf("threads/%d", gen), func() (any, error) {
		fctx, cancel := context.WithTimeout(fetchCtx, d.cfg.FetchTimeout)
		defer cancel()

		records, err := d.api.FetchThreads(fctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		fresh := make([]types.Thread, 0, len(records))
		for _, rec := range records {
			t, ok := normalizeThread(rec, selfID)
			if !ok {
				log.Printf("[directory] skipping thread record without id or peer: %v", rec)
				continue
			}
			fresh = append(fresh, t)
		}
		if !d.merge(gen, fresh) {
			return nil, ErrReset
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Threads(), nil
}

// merge updates known threads in place. Descriptive fields always take the
// fetched value; activity fields only when the fetched updatedAt is newer,
// so local live updates are not rolled back by a stale fetch. Threads
// missing from the fetch are kept. A fetch from before the last Reset is
// dropped and merge reports false.
func (d *Directory) merge(gen uint64, fresh []types.Thread) bool {
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		log.Printf("[directory] dropping %d threads fetched before reset", len(fresh))
		return false
	}
	for _, f := range fresh {
		if d.focused == f.ID {
			f.UnreadCount = 0
		}
		cur, ok := d.threads[f.ID]
		if !ok {
			t := f
			d.threads[f.ID] = &t
			continue
		}
		if f.Title != types.DefaultThreadTitle || cur.Title == "" {
			cur.Title = f.Title
		}
		if f.PeerID != "" {
			cur.PeerID = f.PeerID
		}
		if f.PeerRole != "" {
			cur.PeerRole = f.PeerRole
		}
		if f.UpdatedAt.After(cur.UpdatedAt) {
			cur.LastMessagePreview = f.LastMessagePreview
			cur.UpdatedAt = f.UpdatedAt
			cur.UnreadCount = f.UnreadCount
		}
	}
	d.loaded = true
	count := len(d.threads)
	d.mu.Unlock()

	d.publish(TopicThreadsUpdated, map[string]any{"count": count})
	return true
}

// Threads returns the threads sorted by updatedAt descending, ties by id.
func (d *Directory) Threads() []types.Thread {
	d.mu.Lock()
	out := make([]types.Thread, 0, len(d.threads))
	for _, t := range d.threads {
		out = append(out, *t)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Thread returns one thread by id.
func (d *Directory) Thread(id string) (types.Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[id]
	if !ok {
		return types.Thread{}, false
	}
	return *t, true
}

// Messages returns the buffered history of a thread, oldest first.
func (d *Directory) Messages(threadID string) []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.histories[threadID]
	if !ok {
		return nil
	}
	return h.snapshot()
}

// LoadHistory fetches a thread's message history and merges it into the
// buffer. Unread counts are not affected.
func (d *Directory) LoadHistory(ctx context.Context, threadID string) ([]types.Message, error) {
	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()

	records, err := d.api.FetchHistory(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: history of %s: %w", ErrFetchFailed, threadID, err)
	}

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return nil, ErrReset
	}
	h := d.historyLocked(threadID)
	for _, rec := range records {
		msg, ok := normalizeMessage(rec, threadID)
		if !ok || msg.ThreadID != threadID {
			continue
		}
		h.upsert(msg)
	}
	out := h.snapshot()
	d.mu.Unlock()

	d.publish(TopicThreadMessages, map[string]any{"thread_id": threadID})
	return out, nil
}

// SetFocus marks the thread the user is looking at; its unread count is
// cleared and stays zero while focused. An empty id clears focus.
func (d *Directory) SetFocus(threadID string) {
	d.mu.Lock()
	d.focused = threadID
	if t, ok := d.threads[threadID]; ok {
		t.UnreadCount = 0
	}
	d.mu.Unlock()

	d.publish(TopicThreadsUpdated, map[string]any{"focused": threadID})
}

// Focus returns the focused thread id.
func (d *Directory) Focus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focused
}

// MarkRead clears a thread's unread count.
func (d *Directory) MarkRead(threadID string) {
	d.mu.Lock()
	t, ok := d.threads[threadID]
	if ok {
		t.UnreadCount = 0
	}
	d.mu.Unlock()

	if ok {
		d.publish(TopicThreadsUpdated, map[string]any{"thread_id": threadID})
	}
}

// Send sends through the bound channel; the message shows up in the
// thread's history as Pending before this returns.
func (d *Directory) Send(threadID, body string, opts ...channel.SendOption) (*channel.DeliveryHandle, error) {
	d.mu.Lock()
	sender := d.sender
	d.mu.Unlock()

	if sender == nil {
		return nil, ErrNotBound
	}
	return sender.Send(threadID, body, opts...)
}

// Reset forgets every thread and message, for use on logout.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.threads = make(map[string]*types.Thread)
	d.histories = make(map[string]*history)
	d.focused = ""
	d.selfID = ""
	d.loaded = false
	d.gen++
	d.mu.Unlock()

	d.publish(TopicThreadsUpdated, map[string]any{"count": 0})
}

func (d *Directory) historyLocked(threadID string) *history {
	h, ok := d.histories[threadID]
	if !ok {
		h = newHistory(d.cfg.HistoryLimit)
		d.histories[threadID] = h
	}
	return h
}

func (d *Directory) threadLocked(threadID, title string) *types.Thread {
	t, ok := d.threads[threadID]
	if !ok {
		if title == "" {
			title = types.DefaultThreadTitle
		}
		t = &types.Thread{ID: threadID, Title: title}
		d.threads[threadID] = t
	}
	return t
}

// touchLocked moves the thread preview forward; updatedAt never goes back.
func touchLocked(t *types.Thread, msg types.Message) {
	if msg.CreatedAt.Before(t.UpdatedAt) {
		return
	}
	t.LastMessagePreview = msg.Body
	t.UpdatedAt = msg.CreatedAt
}

func (d *Directory) publish(topic string, fields map[string]any) {
	if d.publisher != nil {
		d.publisher.Publish(topic, fields)
	}
}
