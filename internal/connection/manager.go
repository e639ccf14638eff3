package connection

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Config holds the reconnect policy and dial bound.
type Config struct {
	Backoff     Backoff
	DialTimeout time.Duration
}

// DefaultConfig returns the default reconnect policy with a 10s dial bound.
func DefaultConfig() Config {
	return Config{
		Backoff:     DefaultBackoff(),
		DialTimeout: 10 * time.Second,
	}
}

type ackResult struct {
	ack *types.Ack
	err error
}

// Manager owns the single transport connection for the current identity.
// It reconnects with backoff after transport failures, correlates acks and
// delivers inbound events and state changes, in arrival order, on one
// dispatcher goroutine.
type Manager struct {
	dialer interfaces.Dialer
	cfg    Config
	disp   *dispatcher
	seq    atomic.Int64

	mu       sync.Mutex
	state    types.ConnectionState
	identity types.Identity
	conn     interfaces.Conn
	serial   uint64
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	nextID    types.SubscriptionID
	stateSubs map[types.SubscriptionID]func(types.StateChange)
	eventSubs map[string]map[types.SubscriptionID]func(types.Event)
	subOps    map[types.SubscriptionID]string
	pending   map[string]chan ackResult
}

var _ interfaces.Emitter = (*Manager)(nil)

// NewManager creates a disconnected manager.
func NewManager(dialer interfaces.Dialer, cfg Config) *Manager {
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &Manager{
		dialer:    dialer,
		cfg:       cfg,
		disp:      newDispatcher(),
		state:     types.StateDisconnected,
		stateSubs: make(map[types.SubscriptionID]func(types.StateChange)),
		eventSubs: make(map[string]map[types.SubscriptionID]func(types.Event)),
		subOps:    make(map[types.SubscriptionID]string),
		pending:   make(map[string]chan ackResult),
	}
}

// Connect establishes the connection for identity. It is a no-op while a
// connection for the same identity is open or being opened; a different
// identity tears the current connection down first. Connect returns once
// the attempt has started; use WaitForState to await the open connection.
func (m *Manager) Connect(identity types.Identity) error {
	if identity.IsZero() {
		return ErrNoIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.state != types.StateDisconnected {
		if m.identity.Same(identity) {
			return nil
		}
		log.Printf("[connection] identity changed from %s to %s, tearing down", m.identity.UserID, identity.UserID)
		m.teardownLocked(ErrNotConnected)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.identity = identity
	m.cancel = cancel
	m.done = make(chan struct{})
	m.transitionLocked(types.StateConnecting, false)

	go m.run(ctx, identity, m.done)
	return nil
}

// Disconnect closes the connection and moves to Disconnected. Safe to call
// when already disconnected. Pending acks fail with ErrNotConnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == types.StateDisconnected {
		return
	}
	m.teardownLocked(ErrNotConnected)
	m.identity = types.Identity{}
}

// Close disconnects and stops the dispatcher after queued callbacks ran.
// It must not be called from a handler.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	done := m.done
	if m.state != types.StateDisconnected {
		m.teardownLocked(ErrNotConnected)
		m.identity = types.Identity{}
	}
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.disp.close()
}

func (m *Manager) teardownLocked(cause error) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.failPendingLocked(cause)
	m.transitionLocked(types.StateDisconnected, false)
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current or pending connection.
func (m *Manager) Identity() types.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Serial numbers the transport connections opened so far. A change to
// Connected carries the serial of the connection that just opened.
func (m *Manager) Serial() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

// run dials, reads until the transport fails, then waits out the backoff
// and dials again, until ctx is cancelled.
func (m *Manager) run(ctx context.Context, identity types.Identity, done chan struct{}) {
	defer close(done)

	attempt := 0
	connectedBefore := false
	for {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		conn, err := m.dialer.Dial(dialCtx, identity)
		cancel()

		if err == nil {
			if !m.attach(ctx, conn, connectedBefore) {
				conn.Close()
				return
			}
			attempt = 0
			connectedBefore = true

			err = m.readLoop(ctx, conn)
			m.detach(ctx, conn)
			conn.Close()
		} else {
			m.markRetrying(ctx)
		}

		if ctx.Err() != nil {
			return
		}

		delay := m.cfg.Backoff.Delay(attempt)
		attempt++
		log.Printf("[connection] transport error for %s: %v (retry %d in %v)", identity.UserID, err, attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// attach installs a freshly dialed connection unless the attempt was
// cancelled while dialing.
func (m *Manager) attach(ctx context.Context, conn interfaces.Conn, reconnect bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	m.conn = conn
	m.serial++
	m.transitionLocked(types.StateConnected, reconnect)
	if reconnect {
		log.Printf("[connection] reconnected as %s", m.identity.UserID)
	} else {
		log.Printf("[connection] connected as %s", m.identity.UserID)
	}
	return true
}

func (m *Manager) detach(ctx context.Context, conn interfaces.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == conn {
		m.conn = nil
	}
	if ctx.Err() != nil {
		return
	}
	m.failPendingLocked(ErrConnectionLost)
	m.transitionLocked(types.StateReconnecting, false)
}

func (m *Manager) markRetrying(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() == nil {
		m.transitionLocked(types.StateReconnecting, false)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn interfaces.Conn) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev.Op == types.OpAck {
			m.resolveAck(ev)
			continue
		}
		m.deliver(ctx, ev)
	}
}

func (m *Manager) transitionLocked(to types.ConnectionState, reconnect bool) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	change := types.StateChange{From: from, To: to, Reconnect: reconnect, Identity: m.identity, Serial: m.serial}
	m.disp.enqueue(func() {
		for _, fn := range m.stateListeners() {
			fn(change)
		}
	})
}

// deliver queues ev for the listeners. Events still queued when their
// session is torn down are dropped, so a previous identity's traffic never
// reaches handlers after Disconnect or an identity switch.
func (m *Manager) deliver(ctx context.Context, ev types.Event) {
	m.disp.enqueue(func() {
		if ctx.Err() != nil {
			return
		}
		for _, fn := range m.eventListeners(ev.Op) {
			fn(ev)
		}
	})
}

func (m *Manager) stateListeners() []func(types.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fns := make([]func(types.StateChange), 0, len(m.stateSubs))
	for _, id := range slices.Sorted(maps.Keys(m.stateSubs)) {
		fns = append(fns, m.stateSubs[id])
	}
	return fns
}

func (m *Manager) eventListeners(op string) []func(types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.eventSubs[op]
	fns := make([]func(types.Event), 0, len(subs))
	for _, id := range slices.Sorted(maps.Keys(subs)) {
		fns = append(fns, subs[id])
	}
	return fns
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(types.StateChange)) types.SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.stateSubs[m.nextID] = fn
	return m.nextID
}

// OffStateChange removes a state listener. A transition already being
// dispatched may still reach it once.
func (m *Manager) OffStateChange(id types.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stateSubs, id)
}

// On registers fn for inbound events with the given op.
func (m *Manager) On(op string, fn func(types.Event)) types.SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if m.eventSubs[op] == nil {
		m.eventSubs[op] = make(map[types.SubscriptionID]func(types.Event))
	}
	m.eventSubs[op][m.nextID] = fn
	m.subOps[m.nextID] = op
	return m.nextID
}

// Off removes an event handler. Safe to call from inside a handler.
func (m *Manager) Off(id types.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.subOps[id]
	if !ok {
		return
	}
	delete(m.subOps, id)
	delete(m.eventSubs[op], id)
	if len(m.eventSubs[op]) == 0 {
		delete(m.eventSubs, op)
	}
}

// Emit sends a fire-and-forget event. It fails with ErrNotConnected unless
// the connection is open.
func (m *Manager) Emit(op string, data any) error {
	ev, err := types.NewEvent(op, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == types.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	ev.Seq = m.seq.Add(1)
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("emit %s: %w", op, err)
	}
	return nil
}

// EmitWithAck sends an event and waits for its ack until ctx ends. A
// negative ack returns ErrRejected; a dropped transport ErrConnectionLost.
func (m *Manager) EmitWithAck(ctx context.Context, op string, data any) (*types.Ack, error) {
	ev, err := types.NewEvent(op, data)
	if err != nil {
		return nil, err
	}
	ev.Ack = uuid.NewString()
	ch := make(chan ackResult, 1)

	m.mu.Lock()
	conn := m.conn
	if m.state != types.StateConnected || conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.pending[ev.Ack] = ch
	m.mu.Unlock()

	ev.Seq = m.seq.Add(1)
	if err := conn.WriteJSON(ev); err != nil {
		m.dropPending(ev.Ack)
		return nil, fmt.Errorf("emit %s: %w", op, err)
	}

	select {
	case res := <-ch:
		return res.ack, res.err
	case <-ctx.Done():
		m.dropPending(ev.Ack)
		return nil, fmt.Errorf("%w: %v", ErrAckTimeout, ctx.Err())
	}
}

func (m *Manager) resolveAck(ev types.Event) {
	m.mu.Lock()
	ch, ok := m.pending[ev.Ack]
	delete(m.pending, ev.Ack)
	m.mu.Unlock()

	if !ok {
		log.Printf("[connection] ack %q matches no pending request", ev.Ack)
		return
	}

	var ack types.Ack
	if err := ev.Decode(&ack); err != nil {
		ch <- ackResult{err: err}
		return
	}
	if !ack.OK {
		ch <- ackResult{ack: &ack, err: fmt.Errorf("%w: %s", ErrRejected, ack.Error)}
		return
	}
	ch <- ackResult{ack: &ack}
}

func (m *Manager) dropPending(ackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, ackID)
}

func (m *Manager) failPendingLocked(cause error) {
	for id, ch := range m.pending {
		ch <- ackResult{err: cause}
		delete(m.pending, id)
	}
}

// WaitForState blocks until the manager reaches want or ctx ends. It returns
// after the listeners for that transition have run, so state replayed on
// connect is already sent. It must not be called from a handler.
func (m *Manager) WaitForState(ctx context.Context, want types.ConnectionState) error {
	reached := make(chan struct{}, 1)
	id := m.OnStateChange(func(c types.StateChange) {
		if c.To == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer m.OffStateChange(id)

	if m.State() != want {
		select {
		case <-reached:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", want, ctx.Err())
		}
	}
	if err := m.disp.sync(ctx); err != nil {
		return fmt.Errorf("waiting for %s: %w", want, err)
	}
	return nil
}
