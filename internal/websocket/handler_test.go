package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

type mockSessionManager struct {
	identities map[string]types.Identity
}

func (m *mockSessionManager) Issue(identity types.Identity) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not implemented")
}

func (m *mockSessionManager) Validate(token string) (types.Identity, error) {
	if token == "broken" {
		return types.Identity{}, errors.New("store unavailable")
	}
	id, ok := m.identities[token]
	if !ok {
		return types.Identity{}, fmt.Errorf("%w: unknown token", interfaces.ErrUnauthorized)
	}
	return id, nil
}

type recordingHandler struct {
	mu           sync.Mutex
	registered   []*Connection
	unregistered []*Connection
	events       []types.Event
	registerErr  error
}

func (h *recordingHandler) RegisterConnection(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registerErr != nil {
		return h.registerErr
	}
	h.registered = append(h.registered, conn)
	return nil
}

func (h *recordingHandler) UnregisterConnection(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregistered = append(h.unregistered, conn)
	return nil
}

func (h *recordingHandler) HandleEvent(conn *Connection, ev types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if ev.Op == "explode" {
		return errors.New("cannot handle explode")
	}
	return nil
}

func (h *recordingHandler) snapshot() (reg, unreg int, events []types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registered), len(h.unregistered), append([]types.Event(nil), h.events...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func setupHandler(t *testing.T, origins []string) (*recordingHandler, string) {
	t.Helper()
	sessions := &mockSessionManager{identities: map[string]types.Identity{
		"tok-u1": {UserID: "u1", Role: types.RoleStudent},
	}}
	events := &recordingHandler{}
	h := NewHandler(sessions, events, Options{}, origins)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return events, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	_, url := setupHandler(t, nil)

	tests := []struct {
		name   string
		query  string
		header http.Header
		status int
	}{
		{"no token", "", nil, http.StatusUnauthorized},
		{"unknown token", "?token=nope", nil, http.StatusUnauthorized},
		{"unknown bearer", "", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"validator failure", "?token=broken", nil, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url+tt.query, tt.header)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Errorf("response = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestHandler_Lifecycle(t *testing.T) {
	events, url := setupHandler(t, nil)

	d := NewDialer(url, Options{}, time.Second)
	conn, err := d.Dial(context.Background(), types.Identity{UserID: "u1", Role: types.RoleStudent, Token: "tok-u1"})
	if err != nil {
		t.Fatal(err)
	}

	ev, err := conn.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	var ready types.Ready
	if ev.Op != types.OpReady || ev.Decode(&ready) != nil || ready.UserID != "u1" || ready.Role != types.RoleStudent {
		t.Fatalf("ready = %+v", ev)
	}

	if err := conn.WriteJSON(types.Event{Op: types.OpHeartbeat}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(types.Event{Op: "explode"}); err != nil {
		t.Fatal(err)
	}

	ev, err = conn.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	var payload types.ErrorPayload
	if ev.Op != types.OpError || ev.Decode(&payload) != nil || payload.Code != "explode" {
		t.Errorf("error event = %+v", ev)
	}

	_, _, got := events.snapshot()
	if len(got) != 2 || got[0].Op != types.OpHeartbeat {
		t.Errorf("forwarded events = %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { _, unreg, _ := events.snapshot(); return unreg == 1 }, "connection not unregistered")
	if reg, _, _ := events.snapshot(); reg != 1 {
		t.Errorf("registered %d times", reg)
	}
}

func TestHandler_RegisterFailureClosesConnection(t *testing.T) {
	events, url := setupHandler(t, nil)
	events.mu.Lock()
	events.registerErr = errors.New("hub stopped")
	events.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.Dial(url+"?token=tok-u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the relay to close the connection")
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	_, url := setupHandler(t, []string{"https://lms.example.edu"})

	header := http.Header{"Origin": {"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url+"?token=tok-u1", header); err == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin accepted: %v", err)
	}

	header.Set("Origin", "https://lms.example.edu")
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token=tok-u1", header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	ws.Close()
}
