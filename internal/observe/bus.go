// Package observe carries UI-facing state changes from the chat core to
// whatever renders it. Topics are dot separated and subscriptions may use
// "*" for one segment, e.g. "thread.*".
package observe

import (
	"context"

	"github.com/leandro-lugaresi/hub"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
)

// DefaultCapacity is the per-subscription buffer.
const DefaultCapacity = 64

type Event = hub.Message

// Bus fans state changes out to subscribers. Publish never blocks: slow
// subscribers created with Subscribe drop the oldest events.
type Bus struct {
	h *hub.Hub
}

var _ interfaces.StatePublisher = (*Bus)(nil)

func New() *Bus {
	return &Bus{h: hub.New()}
}

func (b *Bus) Publish(topic string, fields map[string]any) {
	b.h.Publish(hub.Message{Name: topic, Fields: hub.Fields(fields)})
}

// Subscribe returns a lossy subscription for topics.
func (b *Bus) Subscribe(capacity int, topics ...string) hub.Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return b.h.NonBlockingSubscribe(capacity, topics...)
}

func (b *Bus) Unsubscribe(sub hub.Subscription) {
	b.h.Unsubscribe(sub)
}

// Watch calls fn for every event on topics until ctx is done.
func (b *Bus) Watch(ctx context.Context, fn func(Event), topics ...string) {
	sub := b.Subscribe(DefaultCapacity, topics...)
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			fn(msg)
		}
	}
}

func (b *Bus) Close() {
	b.h.Close()
}
