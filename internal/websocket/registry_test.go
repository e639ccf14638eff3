package websocket

import (
	"errors"
	"testing"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

func authed(t *testing.T, userID string) *Connection {
	t.Helper()
	conn, _ := newPair(t, Options{})
	if err := conn.SetCredentials(userID, types.RoleStudent); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if _, err := r.RegisterConnection(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("nil = %v", err)
	}
	conn, _ := newPair(t, Options{})
	if _, err := r.RegisterConnection(conn); !errors.Is(err, ErrConnectionNotAuthenticated) {
		t.Errorf("unauthenticated = %v", err)
	}
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry()
	tab1, tab2, other := authed(t, "u1"), authed(t, "u1"), authed(t, "u2")

	steps := []struct {
		name  string
		run   func() bool
		want  bool
		stats map[string]int
	}{
		{"first tab", func() bool { first, _ := r.RegisterConnection(tab1); return first }, true, map[string]int{"total_connections": 1, "online_users": 1}},
		{"second tab", func() bool { first, _ := r.RegisterConnection(tab2); return first }, false, map[string]int{"total_connections": 2, "online_users": 1}},
		{"repeat register", func() bool { first, _ := r.RegisterConnection(tab2); return first }, false, map[string]int{"total_connections": 2, "online_users": 1}},
		{"other user", func() bool { first, _ := r.RegisterConnection(other); return first }, true, map[string]int{"total_connections": 3, "online_users": 2}},
		{"close first tab", func() bool { return r.UnregisterConnection(tab1) }, false, map[string]int{"total_connections": 2, "online_users": 2}},
		{"close first tab again", func() bool { return r.UnregisterConnection(tab1) }, false, map[string]int{"total_connections": 2, "online_users": 2}},
		{"close last tab", func() bool { return r.UnregisterConnection(tab2) }, true, map[string]int{"total_connections": 1, "online_users": 1}},
	}

	for _, s := range steps {
		if got := s.run(); got != s.want {
			t.Errorf("%s: got %v, want %v", s.name, got, s.want)
		}
		stats := r.GetStats()
		for k, v := range s.stats {
			if stats[k] != v {
				t.Errorf("%s: %s = %d, want %d", s.name, k, stats[k], v)
			}
		}
	}

	if r.IsOnline("u1") || !r.IsOnline("u2") {
		t.Errorf("online u1=%v u2=%v", r.IsOnline("u1"), r.IsOnline("u2"))
	}
	if conns := r.GetUserConnections("u2"); len(conns) != 1 || conns[0] != other {
		t.Errorf("u2 connections = %v", conns)
	}
	if conns := r.GetUserConnections("nobody"); len(conns) != 0 {
		t.Errorf("unknown user connections = %v", conns)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	conns := []*Connection{authed(t, "u1"), authed(t, "u1"), authed(t, "u2")}
	for _, c := range conns {
		if _, err := r.RegisterConnection(c); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.CloseAll(); n != 3 {
		t.Errorf("CloseAll = %d, want 3", n)
	}
	for i, c := range conns {
		select {
		case <-c.Done():
		default:
			t.Errorf("connection %d still open", i)
		}
	}
}
