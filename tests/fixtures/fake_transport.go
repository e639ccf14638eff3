package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

var (
	ErrConnClosed = errors.New("fake connection closed")
	ErrDialFailed = errors.New("fake dial failed")
)

// Responder reacts to frames written by the client, usually by pushing a
// reply such as an ack back onto the same connection.
type Responder func(conn *FakeConn, ev types.Event)

// FakeConn is an in-memory transport connection. Frames written by the
// client are recorded; frames for the client are injected with Push.
type FakeConn struct {
	Identity types.Identity

	inbound   chan types.Event
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   []types.Event
	closeErr  error
	responder Responder
}

// NewFakeConn creates a connection with a 256 frame inbound buffer.
func NewFakeConn(identity types.Identity, responder Responder) *FakeConn {
	return &FakeConn{
		Identity:  identity,
		inbound:   make(chan types.Event, 256),
		done:      make(chan struct{}),
		responder: responder,
	}
}

// WriteJSON records the frame and runs the responder.
func (c *FakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	ev, err := toEvent(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.written = append(c.written, ev)
	responder := c.responder
	c.mu.Unlock()

	if responder != nil {
		responder(c, ev)
	}
	return nil
}

// ReadEvent blocks until a pushed frame is available or the connection ends.
func (c *FakeConn) ReadEvent() (types.Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return types.Event{}, c.closeErr
	}
}

// Close ends the connection as a clean shutdown.
func (c *FakeConn) Close() error {
	c.shutdown(io.EOF)
	return nil
}

// Drop ends the connection as a transport failure.
func (c *FakeConn) Drop() {
	c.shutdown(io.ErrUnexpectedEOF)
}

func (c *FakeConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether Close or Drop has been called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Push injects a frame for the client.
func (c *FakeConn) Push(op string, data any) error {
	ev, err := types.NewEvent(op, data)
	if err != nil {
		return err
	}
	return c.PushEvent(ev)
}

// PushEvent injects a prepared frame for the client.
func (c *FakeConn) PushEvent(ev types.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.inbound <- ev:
		return nil
	}
}

// Written returns every frame written so far.
func (c *FakeConn) Written() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Event, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenOps returns the written frames with the given op.
func (c *FakeConn) WrittenOps(op string) []types.Event {
	var out []types.Event
	for _, ev := range c.Written() {
		if ev.Op == op {
			out = append(out, ev)
		}
	}
	return out
}

// WaitForOps polls until at least n frames with op were written.
func (c *FakeConn) WaitForOps(op string, n int, timeout time.Duration) ([]types.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		evs := c.WrittenOps(op)
		if len(evs) >= n {
			return evs, nil
		}
		if time.Now().After(deadline) {
			return evs, fmt.Errorf("timeout: %d/%d %s frames written", len(evs), n, op)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func toEvent(v interface{}) (types.Event, error) {
	switch ev := v.(type) {
	case types.Event:
		return ev, nil
	case *types.Event:
		return *ev, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return types.Event{}, err
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

// FakeDialer hands out FakeConns and records every dial.
type FakeDialer struct {
	Responder Responder

	mu         sync.Mutex
	conns      []*FakeConn
	identities []types.Identity
	failNext   int
	dialed     chan *FakeConn
}

func NewFakeDialer(responder Responder) *FakeDialer {
	return &FakeDialer{
		Responder: responder,
		dialed:    make(chan *FakeConn, 64),
	}
}

var _ interfaces.Dialer = (*FakeDialer)(nil)

// Dial returns a fresh FakeConn unless failures were queued with FailNext.
func (d *FakeDialer) Dial(ctx context.Context, identity types.Identity) (interfaces.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.identities = append(d.identities, identity)
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, ErrDialFailed
	}
	conn := NewFakeConn(identity, d.Responder)
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	select {
	case d.dialed <- conn:
	default:
	}
	return conn, nil
}

// FailNext makes the next n dials fail.
func (d *FakeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// DialCount returns the number of dial attempts, failed ones included.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.identities)
}

// Identities returns the identity of every dial attempt in order.
func (d *FakeDialer) Identities() []types.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Identity, len(d.identities))
	copy(out, d.identities)
	return out
}

// Conns returns every successfully dialed connection.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// WaitDial waits for the next successful dial.
func (d *FakeDialer) WaitDial(timeout time.Duration) (*FakeConn, error) {
	select {
	case conn := <-d.dialed:
		return conn, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for dial")
	}
}

// AckSends answers every message_send with a successful ack whose server id
// is "srv-" plus the client id.
func AckSends(createdAt time.Time) Responder {
	return func(conn *FakeConn, ev types.Event) {
		if ev.Op != types.OpMessageSend || ev.Ack == "" {
			return
		}
		var out types.OutboundMessage
		if err := ev.Decode(&out); err != nil {
			return
		}
		reply, err := types.NewEvent(types.OpAck, types.Ack{
			OK:        true,
			MessageID: "srv-" + out.ClientID,
			CreatedAt: createdAt,
		})
		if err != nil {
			return
		}
		reply.Ack = ev.Ack
		_ = conn.PushEvent(reply)
	}
}

// RejectSends answers every message_send with a failed ack.
func RejectSends(reason string) Responder {
	return func(conn *FakeConn, ev types.Event) {
		if ev.Op != types.OpMessageSend || ev.Ack == "" {
			return
		}
		reply, err := types.NewEvent(types.OpAck, types.Ack{OK: false, Error: reason})
		if err != nil {
			return
		}
		reply.Ack = ev.Ack
		_ = conn.PushEvent(reply)
	}
}
