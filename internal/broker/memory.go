package broker

import (
	"context"
	"log"
	"sync"
)

// Memory is a single-process Broker.
type Memory struct {
	queue chan Envelope
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.RWMutex
	handlers []func(Envelope)
	closed   bool
}

var _ Broker = (*Memory)(nil)

// NewMemory starts the delivery goroutine. buffer bounds the number of
// undelivered envelopes.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	m := &Memory{
		queue: make(chan Envelope, buffer),
		done:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Memory) run() {
	defer m.wg.Done()
	for {
		select {
		case env := <-m.queue:
			m.deliver(env)
		case <-m.done:
			for {
				select {
				case env := <-m.queue:
					m.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (m *Memory) deliver(env Envelope) {
	m.mu.RLock()
	handlers := m.handlers
	m.mu.RUnlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}

	select {
	case m.queue <- env:
		return nil
	case <-m.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		log.Printf("[broker] dropped %s envelope for %s: %v", env.Kind, env.Room, ctx.Err())
		return ErrQueueFull
	}
}

func (m *Memory) Subscribe(fn func(Envelope)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBrokerClosed
	}
	m.handlers = append(m.handlers[:len(m.handlers):len(m.handlers)], fn)
	return nil
}

// Close delivers what is already queued, then stops.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
