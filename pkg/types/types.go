package types

import (
	"strings"
	"time"
)

// Roles carried on an Identity.
const (
	RoleStudent  = "student"
	RoleLecturer = "lecturer"
	RoleAdmin    = "admin"
)

// DefaultThreadTitle is used when a thread record carries no usable title.
const DefaultThreadTitle = "Conversation"

// ConnectionState is the lifecycle state of the single transport connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Identity is the authenticated principal a connection is opened for.
// Token is optional and forwarded to the relay when present.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Token  string `json:"-"`
}

// IsZero reports whether no identity is set.
func (i Identity) IsZero() bool {
	return i.UserID == ""
}

// Same reports whether two identities address the same principal.
func (i Identity) Same(other Identity) bool {
	return i.UserID == other.UserID && i.Role == other.Role && i.Token == other.Token
}

// StateChange describes one connection state transition.
// Reconnect is true when To is StateConnected and an earlier connection
// for the same identity had been lost.
type StateChange struct {
	From      ConnectionState
	To        ConnectionState
	Reconnect bool
	Identity  Identity
	Serial    uint64
}

// Thread is the canonical conversation summary held by the thread directory.
type Thread struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	PeerID             string    `json:"peer_id,omitempty"`
	PeerRole           string    `json:"peer_role,omitempty"`
	LastMessagePreview string    `json:"last_message_preview"`
	UpdatedAt          time.Time `json:"updated_at"`
	UnreadCount        int       `json:"unread_count"`
}

// DeliveryState tracks an outbound message from optimistic append to ack.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota
	DeliveryAcknowledged
	DeliveryFailed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryAcknowledged:
		return "acknowledged"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a single chat message. ID starts as the client-generated id and
// is replaced by the server id once acknowledged; ClientID keeps the original.
type Message struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"client_id,omitempty"`
	ThreadID      string        `json:"thread_id"`
	CourseID      string        `json:"course_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	SenderName    string        `json:"sender_name,omitempty"`
	Body          string        `json:"body"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state"`
}

// Matches reports whether other refers to the same logical message, either
// by id or by the client id assigned at send time.
func (m Message) Matches(other Message) bool {
	if m.ThreadID != other.ThreadID {
		return false
	}
	if m.ID != "" && (m.ID == other.ID || m.ID == other.ClientID) {
		return true
	}
	return m.ClientID != "" && (m.ClientID == other.ClientID || m.ClientID == other.ID)
}

// PresenceStatus is the answer to a presence query.
type PresenceStatus int

const (
	PresenceUnknown PresenceStatus = iota
	PresenceOnline
	PresenceOffline
)

func (p PresenceStatus) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// PresenceEntry is the last known presence of one subscribed user.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	IsOnline    bool      `json:"is_online"`
	LastUpdated time.Time `json:"last_updated"`
}

// Status converts the entry to a PresenceStatus.
func (p PresenceEntry) Status() PresenceStatus {
	if p.IsOnline {
		return PresenceOnline
	}
	return PresenceOffline
}

// SubscriptionID identifies a registered handler so it can be removed later.
type SubscriptionID uint64

// RawRecord is an undecoded thread or message record from the record API.
type RawRecord map[string]any

// Room id prefixes.
const (
	threadRoomPrefix = "thread:"
	courseRoomPrefix = "course:"
)

// ThreadRoom returns the room id for a chat thread.
func ThreadRoom(threadID string) string {
	return threadRoomPrefix + threadID
}

// CourseRoom returns the room id for a course discussion.
func CourseRoom(courseID string) string {
	return courseRoomPrefix + courseID
}

// ParseRoom splits a room id into its kind ("thread" or "course") and key.
func ParseRoom(roomID string) (kind, key string, ok bool) {
	if key, ok := strings.CutPrefix(roomID, threadRoomPrefix); ok && key != "" {
		return "thread", key, true
	}
	if key, ok := strings.CutPrefix(roomID, courseRoomPrefix); ok && key != "" {
		return "course", key, true
	}
	return "", "", false
}
