// Package hub owns relay state: room membership, presence watches and the
// delivery of broker envelopes to local connections. All of that state is
// touched only by the hub goroutine.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/broker"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/router"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/websocket"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// MaxWatchesPerConnection bounds presence_subscribe.
const MaxWatchesPerConnection = 500

type roomOp struct {
	conn *websocket.Connection
	room string
	join bool
}

type watchOp struct {
	conn    *websocket.Connection
	userIDs []string
	watch   bool
}

// Hub coordinates relay connections. Sends are routed on the caller's
// goroutine, so one connection's messages keep their order; everything
// that reads or writes membership goes through the run loop.
type Hub struct {
	envelopeChannel   chan broker.Envelope
	roomChannel       chan roomOp
	watchChannel      chan watchOp
	unregisterChannel chan *websocket.Connection
	shutdownChannel   chan struct{}
	stopped           chan struct{}

	registry *websocket.Registry
	router   *router.Router
	broker   broker.Broker
	db       interfaces.DatabaseManager
	origin   string

	presenceMu sync.Mutex

	// run loop state
	rooms       map[string]map[string]*websocket.Connection // roomID -> connID -> conn
	connRooms   map[string]map[string]bool                  // connID -> roomIDs
	watchers    map[string]map[string]*websocket.Connection // userID -> connID -> conn
	connWatches map[string]map[string]bool                  // connID -> userIDs
	online      map[string]bool

	subscribed bool
	running    bool
	mu         sync.RWMutex
}

var _ websocket.EventHandler = (*Hub)(nil)

// NewHub creates a stopped hub. origin names this relay instance on the
// broker.
func NewHub(registry *websocket.Registry, r *router.Router, b broker.Broker, db interfaces.DatabaseManager, origin string) *Hub {
	return &Hub{
		envelopeChannel:   make(chan broker.Envelope, 1000),
		roomChannel:       make(chan roomOp, 100),
		watchChannel:      make(chan watchOp, 100),
		unregisterChannel: make(chan *websocket.Connection, 100),
		shutdownChannel:   make(chan struct{}),
		stopped:           make(chan struct{}),
		registry:          registry,
		router:            r,
		broker:            b,
		db:                db,
		origin:            origin,
		rooms:             make(map[string]map[string]*websocket.Connection),
		connRooms:         make(map[string]map[string]bool),
		watchers:          make(map[string]map[string]*websocket.Connection),
		connWatches:       make(map[string]map[string]bool),
		online:            make(map[string]bool),
	}
}

// Start subscribes to the broker and starts the run loop. A stopped hub
// cannot be restarted.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdownChannel:
		h.mu.Unlock()
		return ErrHubNotRunning
	default:
	}
	h.running = true
	h.mu.Unlock()

	if !h.subscribed {
		if err := h.broker.Subscribe(h.onEnvelope); err != nil {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return fmt.Errorf("failed to subscribe to broker: %w", err)
		}
		h.subscribed = true
	}

	log.Printf("[hub] starting as %s", h.origin)
	go h.run(ctx)
	return nil
}

// Stop ends the run loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.stopped
	log.Printf("[hub] stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// onEnvelope runs on the broker's delivery goroutine.
func (h *Hub) onEnvelope(env broker.Envelope) {
	select {
	case h.envelopeChannel <- env:
	case <-h.shutdownChannel:
	}
}

// RegisterConnection records conn and announces the user online when it
// is their first connection.
func (h *Hub) RegisterConnection(conn *websocket.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	first, err := h.registry.RegisterConnection(conn)
	if err != nil {
		return err
	}
	log.Printf("[hub] connection registered: user=%s role=%s conn=%s", conn.GetUserID(), conn.GetRole(), conn.ID())
	if first {
		h.publishPresence(conn.GetUserID(), true)
	}
	return nil
}

// UnregisterConnection drops conn from rooms and watches and announces
// the user offline when it was their last connection.
func (h *Hub) UnregisterConnection(conn *websocket.Connection) error {
	h.presenceMu.Lock()
	last := h.registry.UnregisterConnection(conn)
	if last {
		h.publishPresence(conn.GetUserID(), false)
	}
	h.presenceMu.Unlock()

	if !h.isRunning() {
		return nil
	}
	select {
	case h.unregisterChannel <- conn:
		return nil
	case <-h.shutdownChannel:
		return nil
	}
}

func (h *Hub) publishPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := broker.Envelope{
		Kind:     broker.KindPresence,
		Origin:   h.origin,
		Presence: &types.PresenceUpdate{UserID: userID, Online: online},
	}
	if err := h.broker.Publish(ctx, env); err != nil {
		log.Printf("[hub] failed to publish presence for %s: %v", userID, err)
	}
}

// HandleEvent processes one client frame.
func (h *Hub) HandleEvent(conn *websocket.Connection, ev types.Event) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	switch ev.Op {
	case types.OpMessageSend:
		return h.handleSend(conn, ev)

	case types.OpRoomJoin, types.OpRoomLeave:
		var req types.RoomRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		join := ev.Op == types.OpRoomJoin
		if join {
			if err := h.authorizeRoom(conn, req.RoomID); err != nil {
				return err
			}
		} else if err := types.ValidateRoomID(req.RoomID); err != nil {
			return err
		}
		return h.enqueueRoom(roomOp{conn: conn, room: req.RoomID, join: join})

	case types.OpPresenceSubscribe, types.OpPresenceUnsubscribe:
		var req types.PresenceRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		ids := make([]string, 0, len(req.UserIDs))
		for _, id := range req.UserIDs {
			if types.IsValidUserID(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) > MaxWatchesPerConnection {
			return ErrTooManyWatches
		}
		return h.enqueueWatch(watchOp{conn: conn, userIDs: ids, watch: ev.Op == types.OpPresenceSubscribe})

	case types.OpHeartbeat:
		return conn.WriteJSON(types.Event{Op: types.OpHeartbeatAck, Seq: ev.Seq})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, ev.Op)
	}
}

// handleSend routes a message_send and answers with an ack carrying the
// server id. Sends without an ack id report failures as error events.
func (h *Hub) handleSend(conn *websocket.Connection, ev types.Event) error {
	var out types.OutboundMessage
	if err := ev.Decode(&out); err != nil {
		return h.ackOrError(conn, ev.Ack, err)
	}

	sender := types.Identity{UserID: conn.GetUserID(), Role: conn.GetRole()}
	if user, err := h.db.GetUser(context.Background(), sender.UserID); err == nil {
		sender.Name = user.Name
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := h.router.RouteMessage(ctx, sender, out)
	if err != nil {
		log.Printf("[hub] send from %s to thread %s rejected: %v", sender.UserID, out.ThreadID, err)
		return h.ackOrError(conn, ev.Ack, err)
	}
	if res.Duplicate {
		log.Printf("[hub] resend of %s by %s acknowledged as %s", out.ClientID, sender.UserID, res.Message.ID)
	}

	if ev.Ack == "" {
		return nil
	}
	return h.writeAck(conn, ev.Ack, types.Ack{OK: true, MessageID: res.Message.ID, CreatedAt: res.Message.CreatedAt})
}

func (h *Hub) ackOrError(conn *websocket.Connection, ackID string, err error) error {
	if ackID == "" {
		return err
	}
	return h.writeAck(conn, ackID, types.Ack{OK: false, Error: err.Error()})
}

func (h *Hub) writeAck(conn *websocket.Connection, ackID string, ack types.Ack) error {
	ev, err := types.NewEvent(types.OpAck, ack)
	if err != nil {
		return err
	}
	ev.Ack = ackID
	return conn.WriteJSON(ev)
}

// authorizeRoom allows thread rooms to participants and admins. Course
// rooms are open to any authenticated user.
func (h *Hub) authorizeRoom(conn *websocket.Connection, roomID string) error {
	kind, key, ok := types.ParseRoom(roomID)
	if !ok {
		return types.ErrInvalidRoomID
	}
	if kind != "thread" || conn.GetRole() == types.RoleAdmin {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	thread, err := h.db.GetThread(ctx, key)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrNotRoomMember
		}
		return fmt.Errorf("failed to load thread %s: %w", key, err)
	}
	if !thread.HasParticipant(conn.GetUserID()) {
		return ErrNotRoomMember
	}
	return nil
}

func (h *Hub) enqueueRoom(op roomOp) error {
	select {
	case h.roomChannel <- op:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	default:
		return ErrEventChannelFull
	}
}

func (h *Hub) enqueueWatch(op watchOp) error {
	select {
	case h.watchChannel <- op:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	default:
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case env := <-h.envelopeChannel:
			h.handleEnvelope(env)
		case op := <-h.roomChannel:
			h.handleRoom(op)
		case op := <-h.watchChannel:
			h.handleWatch(op)
		case conn := <-h.unregisterChannel:
			h.handleDeregistration(conn)
		case <-cleanup.C:
			if n := h.router.CleanupRateLimits(); n > 0 {
				log.Printf("[hub] dropped rate limit state for %d idle users", n)
			}
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			log.Printf("[hub] context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleEnvelope(env broker.Envelope) {
	switch env.Kind {
	case broker.KindMessage:
		h.deliverMessage(env)
	case broker.KindPresence:
		h.deliverPresence(*env.Presence)
	}
}

// deliverMessage sends a message to the thread room, the course room and
// every local connection of a listed recipient, once per connection.
func (h *Hub) deliverMessage(env broker.Envelope) {
	msg := env.Message
	ev, err := types.NewEvent(types.OpMessageCreate, msg)
	if err != nil {
		log.Printf("[hub] failed to encode message %s: %v", msg.ID, err)
		return
	}

	targets := make(map[string]*websocket.Connection)
	rooms := []string{types.ThreadRoom(msg.ThreadID)}
	if env.Room != "" && env.Room != rooms[0] {
		rooms = append(rooms, env.Room)
	}
	if msg.CourseID != "" {
		rooms = append(rooms, types.CourseRoom(msg.CourseID))
	}
	for _, room := range rooms {
		for id, conn := range h.rooms[room] {
			targets[id] = conn
		}
	}
	for _, userID := range env.Recipients {
		for _, conn := range h.registry.GetUserConnections(userID) {
			targets[conn.ID()] = conn
		}
	}

	for _, conn := range targets {
		if err := conn.TryWriteJSON(ev); err != nil {
			log.Printf("[hub] failed to deliver message %s to %s: %v", msg.ID, conn.GetUserID(), err)
		}
	}
}

func (h *Hub) deliverPresence(update types.PresenceUpdate) {
	if update.Online {
		h.online[update.UserID] = true
	} else {
		delete(h.online, update.UserID)
	}

	ev, err := types.NewEvent(types.OpPresenceUpdate, update)
	if err != nil {
		return
	}
	for _, conn := range h.watchers[update.UserID] {
		if err := conn.TryWriteJSON(ev); err != nil {
			log.Printf("[hub] failed to deliver presence of %s to %s: %v", update.UserID, conn.GetUserID(), err)
		}
	}
}

func (h *Hub) isOnline(userID string) bool {
	return h.online[userID] || h.registry.IsOnline(userID)
}

func (h *Hub) handleRoom(op roomOp) {
	id := op.conn.ID()
	if op.join {
		if h.rooms[op.room] == nil {
			h.rooms[op.room] = make(map[string]*websocket.Connection)
		}
		h.rooms[op.room][id] = op.conn
		if h.connRooms[id] == nil {
			h.connRooms[id] = make(map[string]bool)
		}
		h.connRooms[id][op.room] = true
		return
	}
	h.leaveRoom(id, op.room)
}

func (h *Hub) leaveRoom(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.connRooms[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.connRooms, connID)
		}
	}
}

// handleWatch updates watches and answers a subscribe with a snapshot of
// the newly watched users.
func (h *Hub) handleWatch(op watchOp) {
	id := op.conn.ID()
	if !op.watch {
		for _, userID := range op.userIDs {
			h.unwatch(id, userID)
		}
		return
	}

	if h.connWatches[id] == nil {
		h.connWatches[id] = make(map[string]bool)
	}
	snapshot := types.PresenceSnapshot{Users: make([]types.PresenceUpdate, 0, len(op.userIDs))}
	for _, userID := range op.userIDs {
		if len(h.connWatches[id]) >= MaxWatchesPerConnection && !h.connWatches[id][userID] {
			break
		}
		if h.watchers[userID] == nil {
			h.watchers[userID] = make(map[string]*websocket.Connection)
		}
		h.watchers[userID][id] = op.conn
		h.connWatches[id][userID] = true
		snapshot.Users = append(snapshot.Users, types.PresenceUpdate{UserID: userID, Online: h.isOnline(userID)})
	}

	ev, err := types.NewEvent(types.OpPresenceSnapshot, snapshot)
	if err != nil {
		return
	}
	if err := op.conn.TryWriteJSON(ev); err != nil {
		log.Printf("[hub] failed to send presence snapshot to %s: %v", op.conn.GetUserID(), err)
	}
}

func (h *Hub) unwatch(connID, userID string) {
	if conns, ok := h.watchers[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.watchers, userID)
		}
	}
	if users, ok := h.connWatches[connID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.connWatches, connID)
		}
	}
}

func (h *Hub) handleDeregistration(conn *websocket.Connection) {
	id := conn.ID()
	for room := range h.connRooms[id] {
		h.leaveRoom(id, room)
	}
	for userID := range h.connWatches[id] {
		h.unwatch(id, userID)
	}
	log.Printf("[hub] connection deregistered: user=%s conn=%s", conn.GetUserID(), id)
}

// Stats reports counters for the health endpoint.
func (h *Hub) Stats() map[string]int {
	stats := h.registry.GetStats()
	stats["running"] = 0
	if h.isRunning() {
		stats["running"] = 1
	}
	return stats
}
