package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
	"github.com/Daniel-20051/lms-admin-app-sub003/tests/fixtures"
)

func testConfig() Config {
	return Config{
		Backoff:     Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		DialTimeout: time.Second,
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []types.StateChange
}

func (r *stateRecorder) record(c types.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) states() []types.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ConnectionState, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func (r *stateRecorder) last() types.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return types.StateChange{}
	}
	return r.changes[len(r.changes)-1]
}

func newTestManager(t *testing.T, responder fixtures.Responder) (*Manager, *fixtures.FakeDialer, *stateRecorder) {
	t.Helper()
	dialer := fixtures.NewFakeDialer(responder)
	m := NewManager(dialer, testConfig())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Close)
	return m, dialer, rec
}

func connectAndWait(t *testing.T, m *Manager, identity types.Identity) {
	t.Helper()
	if err := m.Connect(identity); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitForState(ctx, types.StateConnected); err != nil {
		t.Fatalf("never connected: %v", err)
	}
}

var alice = types.Identity{UserID: "alice", Role: types.RoleStudent}

func TestManager_ConnectTransitions(t *testing.T) {
	m, _, rec := newTestManager(t, nil)

	connectAndWait(t, m, alice)

	fixtures.Eventually(t, time.Second, func() bool { return len(rec.states()) == 2 }, "expected two transitions, got %v", rec.states())
	got := rec.states()
	if got[0] != types.StateConnecting || got[1] != types.StateConnected {
		t.Errorf("transitions = %v, want [connecting connected]", got)
	}
	if rec.last().Reconnect {
		t.Error("first connection must not be flagged as reconnect")
	}
	if m.Identity().UserID != "alice" {
		t.Errorf("identity = %q", m.Identity().UserID)
	}
}

func TestManager_ConnectRequiresIdentity(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	if err := m.Connect(types.Identity{}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)

	connectAndWait(t, m, alice)
	for i := 0; i < 3; i++ {
		if err := m.Connect(alice); err != nil {
			t.Fatalf("repeat Connect failed: %v", err)
		}
	}

	time.Sleep(30 * time.Millisecond)
	if n := dialer.DialCount(); n != 1 {
		t.Errorf("dial count = %d, want 1", n)
	}
}

func TestManager_IdentityChangeTearsDown(t *testing.T) {
	m, dialer, rec := newTestManager(t, nil)

	connectAndWait(t, m, alice)
	first := dialer.Conns()[0]

	bob := types.Identity{UserID: "bob", Role: types.RoleLecturer}
	if err := m.Connect(bob); err != nil {
		t.Fatalf("Connect(bob) failed: %v", err)
	}
	fixtures.Eventually(t, time.Second, func() bool {
		return m.State() == types.StateConnected && m.Identity().UserID == "bob"
	}, "never connected as bob")

	if !first.Closed() {
		t.Error("old connection should be closed on identity change")
	}
	ids := dialer.Identities()
	if len(ids) != 2 || ids[0].UserID != "alice" || ids[1].UserID != "bob" {
		t.Errorf("dialed identities = %+v", ids)
	}

	fixtures.Eventually(t, time.Second, func() bool { return len(rec.states()) >= 5 }, "transitions: %v", rec.states())
	want := []types.ConnectionState{
		types.StateConnecting, types.StateConnected,
		types.StateDisconnected, types.StateConnecting, types.StateConnected,
	}
	got := rec.states()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestManager_DisconnectSafeWhenDisconnected(t *testing.T) {
	m, dialer, rec := newTestManager(t, nil)

	m.Disconnect()
	m.Disconnect()

	connectAndWait(t, m, alice)
	m.Disconnect()
	m.Disconnect()

	if m.State() != types.StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
	if !dialer.Conns()[0].Closed() {
		t.Error("connection not closed on Disconnect")
	}
	fixtures.Eventually(t, time.Second, func() bool { return len(rec.states()) == 3 }, "transitions: %v", rec.states())
	if !m.Identity().IsZero() {
		t.Error("identity should be cleared after Disconnect")
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	m, dialer, rec := newTestManager(t, nil)

	connectAndWait(t, m, alice)
	first, err := dialer.WaitDial(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	first.Drop()

	second, err := dialer.WaitDial(time.Second)
	if err != nil {
		t.Fatalf("no reconnect dial: %v", err)
	}
	if second == first {
		t.Fatal("reconnect reused the dropped connection")
	}

	fixtures.Eventually(t, time.Second, func() bool {
		last := rec.last()
		return last.To == types.StateConnected && last.Reconnect
	}, "no reconnect transition, got %v", rec.states())

	sawReconnecting := false
	for _, s := range rec.states() {
		if s == types.StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("expected a reconnecting transition, got %v", rec.states())
	}
}

func TestManager_DialFailuresRetry(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	dialer.FailNext(2)

	connectAndWait(t, m, alice)

	if n := dialer.DialCount(); n != 3 {
		t.Errorf("dial count = %d, want 3", n)
	}
}

func TestManager_EmitRequiresConnection(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	if err := m.Emit(types.OpRoomJoin, types.RoomRequest{RoomID: "thread:1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit while disconnected = %v, want ErrNotConnected", err)
	}
	if _, err := m.EmitWithAck(context.Background(), types.OpMessageSend, types.OutboundMessage{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("EmitWithAck while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestManager_EmitWritesSequencedFrames(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	connectAndWait(t, m, alice)

	for _, room := range []string{"thread:1", "thread:2"} {
		if err := m.Emit(types.OpRoomJoin, types.RoomRequest{RoomID: room}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	frames := dialer.Conns()[0].WrittenOps(types.OpRoomJoin)
	if len(frames) != 2 {
		t.Fatalf("written %d frames, want 2", len(frames))
	}
	if frames[0].Seq >= frames[1].Seq {
		t.Errorf("sequence not increasing: %d, %d", frames[0].Seq, frames[1].Seq)
	}
}

func TestManager_EmitWithAck(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name      string
		responder fixtures.Responder
		timeout   time.Duration
		wantErr   error
		wantID    string
	}{
		{"acknowledged", fixtures.AckSends(createdAt), time.Second, nil, "srv-c1"},
		{"rejected", fixtures.RejectSends("thread closed"), time.Second, ErrRejected, ""},
		{"timeout", nil, 30 * time.Millisecond, ErrAckTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, tt.responder)
			connectAndWait(t, m, alice)

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()
			ack, err := m.EmitWithAck(ctx, types.OpMessageSend, types.OutboundMessage{ClientID: "c1", ThreadID: "t1", Body: "hi"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantID != "" {
				if ack == nil || ack.MessageID != tt.wantID || !ack.CreatedAt.Equal(createdAt) {
					t.Errorf("ack = %+v", ack)
				}
			}
		})
	}
}

func TestManager_PendingAckFailsOnDrop(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)
	connectAndWait(t, m, alice)
	conn := dialer.Conns()[0]

	errCh := make(chan error, 1)
	go func() {
		_, err := m.EmitWithAck(context.Background(), types.OpMessageSend, types.OutboundMessage{ClientID: "c1", ThreadID: "t1", Body: "hi"})
		errCh <- err
	}()

	if _, err := conn.WaitForOps(types.OpMessageSend, 1, time.Second); err != nil {
		t.Fatal(err)
	}
	conn.Drop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not failed after drop")
	}
}

func TestManager_EventsDeliveredInOrder(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)

	var mu sync.Mutex
	var bodies []string
	m.On(types.OpMessageCreate, func(ev types.Event) {
		var in types.InboundMessage
		if err := ev.Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		bodies = append(bodies, in.Body)
		mu.Unlock()
	})

	connectAndWait(t, m, alice)
	conn := dialer.Conns()[0]
	for _, body := range []string{"one", "two", "three", "four"} {
		if err := conn.Push(types.OpMessageCreate, types.InboundMessage{ID: body, ThreadID: "t1", Body: body}); err != nil {
			t.Fatal(err)
		}
	}

	fixtures.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 4
	}, "not all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three", "four"} {
		if bodies[i] != want {
			t.Fatalf("delivery order = %v", bodies)
		}
	}
}

func TestManager_OffInsideHandler(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)

	var mu sync.Mutex
	selfCalls, otherCalls := 0, 0

	var selfID types.SubscriptionID
	selfID = m.On(types.OpPresenceUpdate, func(ev types.Event) {
		mu.Lock()
		selfCalls++
		mu.Unlock()
		m.Off(selfID)
	})
	m.On(types.OpPresenceUpdate, func(ev types.Event) {
		mu.Lock()
		otherCalls++
		mu.Unlock()
	})

	connectAndWait(t, m, alice)
	conn := dialer.Conns()[0]
	for i := 0; i < 3; i++ {
		if err := conn.Push(types.OpPresenceUpdate, types.PresenceUpdate{UserID: "bob", Online: true}); err != nil {
			t.Fatal(err)
		}
	}

	fixtures.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return otherCalls == 3
	}, "second handler did not see all events")

	mu.Lock()
	defer mu.Unlock()
	if selfCalls != 1 {
		t.Errorf("self-removing handler called %d times, want 1", selfCalls)
	}
}

func TestManager_CloseRejectsConnect(t *testing.T) {
	dialer := fixtures.NewFakeDialer(nil)
	m := NewManager(dialer, testConfig())
	m.Close()
	m.Close()

	if err := m.Connect(alice); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Connect after Close = %v, want ErrManagerClosed", err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	b.Jitter = 0.2
	for i := 0; i < 100; i++ {
		got := b.Delay(1)
		if got < 160*time.Millisecond || got > 240*time.Millisecond {
			t.Fatalf("jittered delay %v outside [160ms, 240ms]", got)
		}
	}
	for i := 0; i < 100; i++ {
		if got := b.Delay(10); got > b.Max {
			t.Fatalf("jittered delay %v exceeds max", got)
		}
	}
}

func TestManager_QueuedEventsDroppedAfterDisconnect(t *testing.T) {
	m, dialer, _ := newTestManager(t, nil)

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	var mu sync.Mutex
	var bodies []string
	m.On(types.OpMessageCreate, func(ev types.Event) {
		var in types.InboundMessage
		if err := ev.Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if in.Body == "hold" {
			<-release
		}
		mu.Lock()
		bodies = append(bodies, in.Body)
		mu.Unlock()
	})

	connectAndWait(t, m, alice)
	conn := dialer.Conns()[0]
	for _, body := range []string{"hold", "stale"} {
		if err := conn.Push(types.OpMessageCreate, types.InboundMessage{ID: body, ThreadID: "t1", Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(30 * time.Millisecond)

	m.Disconnect()
	unblock()

	fixtures.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) >= 1
	}, "held event never delivered")
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || bodies[0] != "hold" {
		t.Errorf("delivered %v after disconnect, want [hold]", bodies)
	}
}

func TestManager_SerialCountsConnections(t *testing.T) {
	m, dialer, rec := newTestManager(t, nil)

	connectAndWait(t, m, alice)
	if got := m.Serial(); got != 1 {
		t.Fatalf("Serial = %d, want 1", got)
	}
	if got := rec.last(); got.To != types.StateConnected || got.Serial != 1 {
		t.Errorf("connect change = %+v", got)
	}

	first, err := dialer.WaitDial(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	first.Drop()
	fixtures.Eventually(t, 2*time.Second, func() bool {
		last := rec.last()
		return last.To == types.StateConnected && last.Serial == 2 && last.Reconnect
	}, "reconnect change = %+v", rec.last())
}
