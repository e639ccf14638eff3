package observe

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishReachesMatchingSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	threads := b.Subscribe(4, "threads.updated")
	all := b.Subscribe(4, "thread.*")
	defer b.Unsubscribe(threads)
	defer b.Unsubscribe(all)

	b.Publish("threads.updated", map[string]any{"count": 2})
	b.Publish("thread.messages", map[string]any{"thread_id": "t1"})

	select {
	case msg := <-threads.Receiver:
		if msg.Name != "threads.updated" || msg.Fields["count"] != 2 {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("threads.updated not delivered")
	}

	select {
	case msg := <-all.Receiver:
		if msg.Name != "thread.messages" || msg.Fields["thread_id"] != "t1" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed thread.messages")
	}
}

func TestBus_WatchStopsOnCancel(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 1)
	done := make(chan struct{})
	go func() {
		b.Watch(ctx, func(e Event) {
			select {
			case got <- e:
			default:
			}
		}, "presence.changed")
		close(done)
	}()

	deadline := time.After(time.Second)
	for delivered := false; !delivered; {
		b.Publish("presence.changed", map[string]any{"user_id": "u1"})
		select {
		case e := <-got:
			if e.Fields["user_id"] != "u1" {
				t.Errorf("fields = %v", e.Fields)
			}
			delivered = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("Watch never delivered")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
