// Package client assembles the chat core for one process: one connection,
// the message channel, presence, rooms and the thread directory, all
// driven by the session the user logs in with.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/channel"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/config"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/connection"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/directory"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/observe"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/presence"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/recordapi"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/rooms"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/websocket"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// TopicConnectionState is published on every connection state change.
const TopicConnectionState = "connection.state"

const resyncTimeout = 15 * time.Second

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrClosed      = errors.New("client closed")
)

// Records is the record API as the client uses it: the two fetches the
// directory reads, plus login and the bearer token.
type Records interface {
	interfaces.RecordAPI
	Login(ctx context.Context, userID, name, role string) (recordapi.Session, error)
	CreateThread(ctx context.Context, req map[string]any) (types.RawRecord, error)
	SetToken(token string)
}

// Client is the chat core for one logged-in user at a time.
type Client struct {
	records Records
	bus     *observe.Bus

	conn      *connection.Manager
	channel   *channel.Channel
	presence  *presence.Tracker
	rooms     *rooms.Coordinator
	directory *directory.Directory
	stateSub  types.SubscriptionID

	mu       sync.Mutex
	identity types.Identity
	closed   bool
}

// New builds a client that dials cfg.Transport.URL and reads records from
// cfg.RecordAPI.BaseURL.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer := websocket.NewDialer(cfg.Transport.URL, websocket.Options{
		WriteTimeout: cfg.Transport.WriteTimeout,
		ReadTimeout:  cfg.Transport.ReadTimeout,
		PingInterval: cfg.Transport.PingInterval,
		BufferSize:   cfg.Transport.BufferSize,
	}, cfg.Transport.DialTimeout)

	return NewWith(cfg, dialer, recordapi.New(cfg.RecordAPI.BaseURL, cfg.RecordAPI.Timeout)), nil
}

// NewWith builds a client over an explicit dialer and record API.
func NewWith(cfg *config.Config, dialer interfaces.Dialer, records Records) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	bus := observe.New()
	conn := connection.NewManager(dialer, connection.Config{
		Backoff: connection.Backoff{
			Initial:    cfg.Reconnect.Initial,
			Max:        cfg.Reconnect.Max,
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
		DialTimeout: cfg.Transport.DialTimeout,
	})
	dir := directory.New(records, bus, directory.Config{
		HistoryLimit: cfg.Messaging.HistoryLimit,
		FetchTimeout: cfg.RecordAPI.Timeout,
	})
	ch := channel.New(conn, dir, channel.Config{AckTimeout: cfg.Messaging.AckTimeout})
	dir.Bind(ch)

	c := &Client{
		records:   records,
		bus:       bus,
		conn:      conn,
		channel:   ch,
		presence:  presence.NewTracker(conn, bus),
		rooms:     rooms.NewCoordinator(conn),
		directory: dir,
	}
	c.stateSub = conn.OnStateChange(c.handleState)
	return c
}

// Login opens a session, connects under its identity and loads the thread
// list. Peers of direct threads join the presence working set. Logging in
// as a different user drops everything held for the previous one first.
// A failed thread load is returned but leaves the connection up.
func (c *Client) Login(ctx context.Context, userID, name, role string) (types.Identity, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Identity{}, ErrClosed
	}
	previous := c.identity
	c.mu.Unlock()

	session, err := c.records.Login(ctx, userID, name, role)
	if err != nil {
		return types.Identity{}, err
	}
	identity := session.Identity()

	if !previous.IsZero() && previous.UserID != identity.UserID {
		log.Printf("[client] switching user from %s to %s", previous.UserID, identity.UserID)
		c.forget()
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	c.directory.SetSelf(identity.UserID)
	if err := c.conn.Connect(identity); err != nil {
		return identity, fmt.Errorf("connect failed: %w", err)
	}

	threads, err := c.directory.Load(ctx)
	if err != nil {
		return identity, err
	}
	c.trackPeers(identity, threads)
	return identity, nil
}

// trackPeers adds the peers of threads to the presence working set, unless
// the user logged out or switched while the threads were being fetched.
func (c *Client) trackPeers(identity types.Identity, threads []types.Thread) {
	if !c.Identity().Same(identity) {
		return
	}
	c.presence.Subscribe(peers(threads)...)
}

// Logout disconnects and drops every thread, message, presence entry and
// room held for the user.
func (c *Client) Logout() {
	c.mu.Lock()
	c.identity = types.Identity{}
	c.mu.Unlock()

	c.conn.Disconnect()
	c.forget()
	c.records.SetToken("")
}

func (c *Client) forget() {
	c.directory.Reset()
	c.presence.Unsubscribe(c.presence.WorkingSet()...)
	for _, room := range c.rooms.Rooms() {
		c.rooms.Leave(room)
	}
}

// Identity returns the logged-in identity, zero when logged out.
func (c *Client) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Open focuses a thread, joins its room and loads its history.
func (c *Client) Open(ctx context.Context, threadID string) ([]types.Message, error) {
	if c.Identity().IsZero() {
		return nil, ErrNotLoggedIn
	}
	c.directory.SetFocus(threadID)
	if err := c.rooms.Join(types.ThreadRoom(threadID)); err != nil {
		return nil, err
	}
	return c.directory.LoadHistory(ctx, threadID)
}

// StartDirect creates a direct thread with peerID and tracks
// the peer's presence.
func (c *Client) StartDirect(ctx context.Context, peerID string) (types.Thread, error) {
	if c.Identity().IsZero() {
		return types.Thread{}, ErrNotLoggedIn
	}
	if !types.IsValidUserID(peerID) {
		return types.Thread{}, types.ErrInvalidUserID
	}

	rec, err := c.records.CreateThread(ctx, map[string]any{"type": types.ThreadKindDirect, "peer_id": peerID})
	if err != nil {
		return types.Thread{}, err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		return types.Thread{}, fmt.Errorf("create thread: %w", types.ErrInvalidThreadID)
	}
	if _, err := c.directory.Refresh(ctx); err != nil {
		return types.Thread{}, err
	}
	c.presence.Subscribe(peerID)

	t, ok := c.directory.Thread(id)
	if !ok {
		return types.Thread{ID: id, Title: types.DefaultThreadTitle, PeerID: peerID}, nil
	}
	return t, nil
}

// Send sends body to a thread. The message is visible as Pending in the
// directory before Send returns.
func (c *Client) Send(threadID, body string, opts ...channel.SendOption) (*channel.DeliveryHandle, error) {
	if c.Identity().IsZero() {
		return nil, ErrNotLoggedIn
	}
	return c.directory.Send(threadID, body, opts...)
}

// WaitConnected blocks until the connection is open or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.conn.WaitForState(ctx, types.StateConnected)
}

func (c *Client) State() types.ConnectionState { return c.conn.State() }

func (c *Client) Connection() *connection.Manager { return c.conn }
func (c *Client) Channel() *channel.Channel       { return c.channel }
func (c *Client) Presence() *presence.Tracker     { return c.presence }
func (c *Client) Rooms() *rooms.Coordinator       { return c.rooms }
func (c *Client) Directory() *directory.Directory { return c.directory }
func (c *Client) Bus() *observe.Bus               { return c.bus }

// Close logs out and releases every component. The client cannot be used
// afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Logout()
	c.conn.OffStateChange(c.stateSub)
	c.presence.Close()
	c.rooms.Close()
	c.directory.Unbind()
	c.channel.Close()
	c.conn.Close()
	c.bus.Close()
}

// handleState runs on the connection dispatcher, so the refresh after a
// reconnect happens on its own goroutine.
func (c *Client) handleState(change types.StateChange) {
	c.bus.Publish(TopicConnectionState, map[string]any{
		"from":      change.From.String(),
		"to":        change.To.String(),
		"reconnect": change.Reconnect,
		"user_id":   change.Identity.UserID,
	})
	if change.To == types.StateConnected && change.Reconnect {
		go c.resync(change.Identity)
	}
}

// resync catches up on whatever happened while the connection was down.
func (c *Client) resync(identity types.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	threads, err := c.directory.Refresh(ctx)
	if err != nil {
		log.Printf("[client] refresh after reconnect failed: %v", err)
		return
	}
	c.trackPeers(identity, threads)
}

func peers(threads []types.Thread) []string {
	var ids []string
	for _, t := range threads {
		if t.PeerID != "" {
			ids = append(ids, t.PeerID)
		}
	}
	return ids
}
