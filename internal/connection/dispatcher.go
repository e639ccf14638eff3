package connection

import (
	"context"
	"sync"
)

// dispatcher runs queued callbacks one at a time on a single goroutine.
// The queue is unbounded so a callback may enqueue more work, directly or
// through the manager, without deadlocking.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// sync waits until every callback queued before the call has run.
func (d *dispatcher) sync(ctx context.Context) error {
	done := make(chan struct{})
	d.enqueue(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the goroutine after the queued callbacks have run.
func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.stop)
	})
	<-d.stopped
}
