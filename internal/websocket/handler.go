package websocket

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// EventHandler receives the lifecycle and inbound events of relay
// connections. HandleEvent errors are reported to the client as an
// error event; the connection stays open.
type EventHandler interface {
	RegisterConnection(conn *Connection) error
	UnregisterConnection(conn *Connection) error
	HandleEvent(conn *Connection, ev types.Event) error
}

// Handler upgrades authenticated requests and runs one read loop per
// connection.
type Handler struct {
	sessions interfaces.SessionManager
	events   EventHandler
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler accepts any origin when allowedOrigins is empty or
// contains "*".
func NewHandler(sessions interfaces.SessionManager, events EventHandler, opts Options, allowedOrigins []string) *Handler {
	h := &Handler{
		sessions: sessions,
		events:   events,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// tokenFromRequest reads the token query parameter, falling back to a
// bearer Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// HandleWebSocket validates the session before upgrading so rejected
// clients get a plain HTTP status.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	identity, err := h.sessions.Validate(token)
	if err != nil {
		if errors.Is(err, interfaces.ErrUnauthorized) {
			http.Error(w, "invalid or expired session", http.StatusUnauthorized)
			return
		}
		http.Error(w, "session validation failed", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed for %s: %v", identity.UserID, err)
		return
	}

	conn := NewConnection(ws, h.opts)
	if err := conn.SetCredentials(identity.UserID, identity.Role); err != nil {
		log.Printf("[websocket] failed to set credentials: %v", err)
		conn.Close()
		return
	}

	if err := h.events.RegisterConnection(conn); err != nil {
		log.Printf("[websocket] failed to register %s: %v", identity.UserID, err)
		conn.Close()
		return
	}

	if err := conn.Send(types.OpReady, types.Ready{UserID: identity.UserID, Role: identity.Role}); err != nil {
		log.Printf("[websocket] failed to send ready to %s: %v", identity.UserID, err)
	}

	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.events.UnregisterConnection(conn); err != nil {
			log.Printf("[websocket] failed to unregister %s: %v", conn.GetUserID(), err)
		}
		conn.Close()
	}()

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			if errors.Is(err, ErrInvalidJSON) {
				h.reportError(conn, "bad_request", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error for %s: %v", conn.GetUserID(), err)
			}
			return
		}

		if err := h.events.HandleEvent(conn, ev); err != nil {
			h.reportError(conn, ev.Op, err)
		}
	}
}

func (h *Handler) reportError(conn *Connection, code string, err error) {
	if werr := conn.Send(types.OpError, types.ErrorPayload{Code: code, Message: err.Error()}); werr != nil {
		log.Printf("[websocket] failed to report error to %s: %v", conn.GetUserID(), werr)
	}
}
