package rooms

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/connection"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
	"github.com/Daniel-20051/lms-admin-app-sub003/tests/fixtures"
)

func setup(t *testing.T) (*connection.Manager, *fixtures.FakeDialer, *Coordinator) {
	t.Helper()
	dialer := fixtures.NewFakeDialer(nil)
	m := connection.NewManager(dialer, connection.Config{
		Backoff: connection.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	})
	t.Cleanup(m.Close)
	c := NewCoordinator(m)
	t.Cleanup(c.Close)
	return m, dialer, c
}

func connect(t *testing.T, m *connection.Manager, dialer *fixtures.FakeDialer) *fixtures.FakeConn {
	t.Helper()
	if err := m.Connect(types.Identity{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.WaitDial(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitForState(ctx, types.StateConnected); err != nil {
		t.Fatal(err)
	}
	return conn
}

func roomIDs(t *testing.T, frames []types.Event) []string {
	t.Helper()
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		var req types.RoomRequest
		if err := f.Decode(&req); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, req.RoomID)
	}
	slices.Sort(ids)
	return ids
}

func TestCoordinator_JoinLeaveIdempotent(t *testing.T) {
	m, dialer, c := setup(t)
	conn := connect(t, m, dialer)

	a := types.ThreadRoom("a")
	for i := 0; i < 3; i++ {
		if err := c.Join(a); err != nil {
			t.Fatal(err)
		}
	}
	c.Leave(a)
	c.Leave(a)

	if n := len(conn.WrittenOps(types.OpRoomJoin)); n != 1 {
		t.Errorf("sent %d joins, want 1", n)
	}
	if n := len(conn.WrittenOps(types.OpRoomLeave)); n != 1 {
		t.Errorf("sent %d leaves, want 1", n)
	}
	if c.IsJoined(a) {
		t.Error("room still joined after leave")
	}
}

func TestCoordinator_RejectsInvalidRoom(t *testing.T) {
	_, _, c := setup(t)
	if err := c.Join("lobby"); !errors.Is(err, types.ErrInvalidRoomID) {
		t.Errorf("Join(lobby) = %v", err)
	}
	if len(c.Rooms()) != 0 {
		t.Error("invalid room recorded")
	}
}

func TestCoordinator_JoinWhileDisconnectedIsDeferred(t *testing.T) {
	m, dialer, c := setup(t)
	if err := c.Join(types.CourseRoom("CS101")); err != nil {
		t.Fatal(err)
	}

	conn := connect(t, m, dialer)
	frames, err := conn.WaitForOps(types.OpRoomJoin, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ids := roomIDs(t, frames); !slices.Equal(ids, []string{"course:CS101"}) {
		t.Errorf("joined %v", ids)
	}
}

func TestCoordinator_RejoinsExactSetOnReconnect(t *testing.T) {
	m, dialer, c := setup(t)
	a, b, gone := types.ThreadRoom("A"), types.ThreadRoom("B"), types.ThreadRoom("C")
	for _, room := range []string{a, b, gone} {
		if err := c.Join(room); err != nil {
			t.Fatal(err)
		}
	}
	c.Leave(gone)

	first := connect(t, m, dialer)
	if _, err := first.WaitForOps(types.OpRoomJoin, 2, time.Second); err != nil {
		t.Fatal(err)
	}

	first.Drop()
	second, err := dialer.WaitDial(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.WaitForOps(types.OpRoomJoin, 2, time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if ids := roomIDs(t, second.WrittenOps(types.OpRoomJoin)); !slices.Equal(ids, []string{a, b}) {
		t.Errorf("rejoined %v, want [%s %s]", ids, a, b)
	}
	if n := len(second.WrittenOps(types.OpRoomLeave)); n != 0 {
		t.Errorf("reconnect sent %d leaves", n)
	}
	if got := c.Rooms(); !slices.Equal(got, []string{a, b}) {
		t.Errorf("membership = %v", got)
	}
}

func TestCoordinator_JoinBeforeReplaySentOnce(t *testing.T) {
	dialer := fixtures.NewFakeDialer(nil)
	m := connection.NewManager(dialer, connection.Config{
		Backoff: connection.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	})
	t.Cleanup(m.Close)

	// Hold the dispatcher so the connect notification is still queued
	// when Join runs.
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	m.OnStateChange(func(change types.StateChange) {
		if change.To == types.StateConnected {
			<-release
		}
	})
	c := NewCoordinator(m)
	t.Cleanup(c.Close)
	t.Cleanup(unblock)

	if err := m.Connect(types.Identity{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.WaitDial(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	fixtures.Eventually(t, 2*time.Second, func() bool { return m.State() == types.StateConnected }, "never connected")

	a, b := types.ThreadRoom("a"), types.ThreadRoom("b")
	if err := c.Join(a); err != nil {
		t.Fatal(err)
	}
	if err := c.Join(b); err != nil {
		t.Fatal(err)
	}
	c.Leave(b)
	unblock()

	if _, err := conn.WaitForOps(types.OpRoomJoin, 1, time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if ids := roomIDs(t, conn.WrittenOps(types.OpRoomJoin)); !slices.Equal(ids, []string{a}) {
		t.Errorf("joined %v, want [%s]", ids, a)
	}
	if n := len(conn.WrittenOps(types.OpRoomLeave)); n != 0 {
		t.Errorf("sent %d leaves for a room never joined on this connection", n)
	}
}
