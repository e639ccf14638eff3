package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Options tunes a Connection. Zero ReadTimeout or PingInterval disables
// the read deadline or keepalive pings.
type Options struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	BufferSize   int
}

// DefaultOptions pings every 30s and drops a peer silent for 60s.
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		BufferSize:   100,
	}
}

// Connection wraps one gorilla connection. All data frames and pings go
// through a single writer goroutine; ReadEvent must be called from one
// reader goroutine. The same type serves the relay and the client side.
type Connection struct {
	conn    *websocket.Conn
	id      string
	opts    Options
	writeCh chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.RWMutex
	userID        string
	role          string
	authenticated bool
}

var (
	_ interfaces.Connection = (*Connection)(nil)
	_ interfaces.Conn       = (*Connection)(nil)
)

// NewConnection starts the writer goroutine for conn.
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      uuid.NewString(),
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	if opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		})
	}

	go c.writeLoop()
	return c
}

// writeLoop owns every write on the socket. writeCh is never closed;
// senders select on ctx instead.
func (c *Connection) writeLoop() {
	defer c.Close()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TryWriteJSON queues v without waiting. A peer whose buffer is full is
// too slow to keep up and is disconnected.
func (c *Connection) TryWriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// Send marshals payload under op and queues it.
func (c *Connection) Send(op string, payload any) error {
	ev, err := types.NewEvent(op, payload)
	if err != nil {
		return err
	}
	return c.WriteJSON(ev)
}

// ReadEvent blocks until the next text frame and decodes it as an Event.
// Binary frames are skipped.
func (c *Connection) ReadEvent() (types.Event, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return types.Event{}, err
		}
		if c.opts.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return types.Event{}, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}
		return ev, nil
	}
}

// Close sends a close frame and releases the socket. Safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

// SetCredentials marks the connection as authenticated for userID.
func (c *Connection) SetCredentials(userID, role string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}
