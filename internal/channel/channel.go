package channel

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Sink receives optimistic message state. The thread directory implements it.
type Sink interface {
	AppendLocal(msg types.Message)
	MarkAcknowledged(threadID, clientID, serverID string, createdAt time.Time)
	MarkFailed(threadID, clientID string)
}

// Config bounds how long a send waits for its ack.
type Config struct {
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{AckTimeout: 10 * time.Second}
}

// SendOption adjusts an outbound message before dispatch.
type SendOption func(*types.OutboundMessage)

// WithCourseContext attaches course discussion context to a send.
func WithCourseContext(courseID, academicYear, semester string) SendOption {
	return func(m *types.OutboundMessage) {
		m.CourseID = courseID
		m.AcademicYear = academicYear
		m.Semester = semester
	}
}

// Channel sends messages with ack tracking and fans inbound messages out to
// registered handlers in transport order.
type Channel struct {
	conn interfaces.Emitter
	sink Sink
	cfg  Config
	now  func() time.Time

	mu         sync.Mutex
	nextID     types.SubscriptionID
	handlers   map[types.SubscriptionID]func(types.Message)
	inboundSub types.SubscriptionID
}

// New creates a channel and starts listening for inbound messages on conn.
func New(conn interfaces.Emitter, sink Sink, cfg Config) *Channel {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	c := &Channel{
		conn:     conn,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[types.SubscriptionID]func(types.Message)),
	}
	c.inboundSub = conn.On(types.OpMessageCreate, c.handleInbound)
	return c
}

// Send appends a Pending message to the sink right away and dispatches it.
// Invalid input is returned as an error. Transport problems never are: the
// handle settles as Failed instead, immediately when not connected.
// A Failed message is never retried; sending the body again creates a new
// message.
func (c *Channel) Send(threadID, body string, opts ...SendOption) (*DeliveryHandle, error) {
	out := types.OutboundMessage{
		ClientID: uuid.NewString(),
		ThreadID: threadID,
		Body:     body,
	}
	for _, opt := range opts {
		opt(&out)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	identity := c.conn.Identity()
	msg := types.Message{
		ID:            out.ClientID,
		ClientID:      out.ClientID,
		ThreadID:      out.ThreadID,
		CourseID:      out.CourseID,
		SenderID:      identity.UserID,
		SenderName:    identity.Name,
		Body:          out.Body,
		CreatedAt:     c.now(),
		DeliveryState: types.DeliveryPending,
	}
	handle := newHandle(out.ClientID, out.ThreadID)

	if c.conn.State() != types.StateConnected {
		msg.DeliveryState = types.DeliveryFailed
		c.sink.AppendLocal(msg)
		handle.resolve(types.DeliveryFailed, "", ErrNotConnected)
		return handle, nil
	}

	c.sink.AppendLocal(msg)
	go c.dispatch(out, handle)
	return handle, nil
}

func (c *Channel) dispatch(out types.OutboundMessage, handle *DeliveryHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()

	ack, err := c.conn.EmitWithAck(ctx, types.OpMessageSend, out)
	if err != nil {
		log.Printf("[channel] message %s to thread %s failed: %v", out.ClientID, out.ThreadID, err)
		c.sink.MarkFailed(out.ThreadID, out.ClientID)
		handle.resolve(types.DeliveryFailed, "", fmt.Errorf("%w: %w", ErrSendFailed, err))
		return
	}

	serverID := ack.MessageID
	if serverID == "" {
		serverID = out.ClientID
	}
	createdAt := ack.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	c.sink.MarkAcknowledged(out.ThreadID, out.ClientID, serverID, createdAt)
	handle.resolve(types.DeliveryAcknowledged, serverID, nil)
}

func (c *Channel) handleInbound(ev types.Event) {
	var in types.InboundMessage
	if err := ev.Decode(&in); err != nil {
		log.Printf("[channel] dropping malformed message: %v", err)
		return
	}
	if in.ThreadID == "" || in.ID == "" {
		log.Printf("[channel] dropping message without thread or id")
		return
	}

	msg := in.ToMessage()
	for _, fn := range c.snapshot() {
		fn(msg)
	}
}

func (c *Channel) snapshot() []func(types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(types.Message), 0, len(c.handlers))
	for _, id := range slices.Sorted(maps.Keys(c.handlers)) {
		fns = append(fns, c.handlers[id])
	}
	return fns
}

// OnMessage registers fn for every inbound message.
func (c *Channel) OnMessage(fn func(types.Message)) types.SubscriptionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[c.nextID] = fn
	return c.nextID
}

// OffMessage removes a handler; a message already being delivered may still
// reach it once.
func (c *Channel) OffMessage(id types.SubscriptionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

// Close stops listening for inbound messages.
func (c *Channel) Close() {
	c.conn.Off(c.inboundSub)
}
