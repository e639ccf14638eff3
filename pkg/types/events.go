package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire operations sent by clients.
const (
	OpMessageSend         = "message_send"
	OpRoomJoin            = "room_join"
	OpRoomLeave           = "room_leave"
	OpPresenceSubscribe   = "presence_subscribe"
	OpPresenceUnsubscribe = "presence_unsubscribe"
	OpHeartbeat           = "heartbeat"
)

// Wire operations sent by the relay.
const (
	OpReady            = "ready"
	OpAck              = "ack"
	OpMessageCreate    = "message_create"
	OpPresenceSnapshot = "presence_snapshot"
	OpPresenceUpdate   = "presence_update"
	OpHeartbeatAck     = "heartbeat_ack"
	OpError            = "error"
)

// Event is the envelope for every frame on the realtime connection.
// Ack carries the correlation id of a request that expects an OpAck reply.
type Event struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Ack  string          `json:"ack,omitempty"`
}

// NewEvent marshals data into an envelope for op.
func NewEvent(op string, data any) (Event, error) {
	ev := Event{Op: op}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	ev.Data = raw
	return ev, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Op, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Op, err)
	}
	return nil
}

// OutboundMessage is the OpMessageSend payload.
type OutboundMessage struct {
	ClientID     string `json:"client_id"`
	ThreadID     string `json:"thread_id"`
	CourseID     string `json:"course_id,omitempty"`
	AcademicYear string `json:"academic_year,omitempty"`
	Semester     string `json:"semester,omitempty"`
	Body         string `json:"body"`
}

// Ack is the OpAck payload answering a request that carried an ack id.
type Ack struct {
	OK        bool      `json:"ok"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// InboundMessage is the OpMessageCreate payload.
type InboundMessage struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id,omitempty"`
	ThreadID   string    `json:"thread_id"`
	CourseID   string    `json:"course_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToMessage converts the wire payload to an acknowledged Message.
func (m InboundMessage) ToMessage() Message {
	return Message{
		ID:            m.ID,
		ClientID:      m.ClientID,
		ThreadID:      m.ThreadID,
		CourseID:      m.CourseID,
		SenderID:      m.SenderID,
		SenderName:    m.SenderName,
		Body:          m.Body,
		CreatedAt:     m.CreatedAt,
		DeliveryState: DeliveryAcknowledged,
	}
}

// RoomRequest is the payload of OpRoomJoin and OpRoomLeave.
type RoomRequest struct {
	RoomID string `json:"room_id"`
}

// PresenceRequest is the payload of OpPresenceSubscribe and OpPresenceUnsubscribe.
type PresenceRequest struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceUpdate is the OpPresenceUpdate payload and an element of a snapshot.
type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PresenceSnapshot is the OpPresenceSnapshot payload.
type PresenceSnapshot struct {
	Users []PresenceUpdate `json:"users"`
}

// Ready is the OpReady payload sent once a connection is registered.
type Ready struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ErrorPayload is the OpError payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
