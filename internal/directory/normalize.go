package directory

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// path addresses a possibly nested field of a raw record.
type path []string

// Candidate fields, tried in order. The first one holding a usable value wins.
var (
	threadIDFields = []path{{"id"}, {"_id"}, {"thread_id"}, {"threadId"}, {"conversation_id"}, {"conversationId"}}

	titleFields = []path{
		{"title"}, {"name"}, {"subject"},
		{"peer", "full_name"}, {"peer", "fullName"}, {"peer", "name"},
		{"peer_name"}, {"peerName"},
	}

	peerIDFields   = []path{{"peer", "id"}, {"peer", "user_id"}, {"peer", "_id"}, {"peerId"}, {"peer_id"}}
	peerRoleFields = []path{{"peer", "role"}, {"peerRole"}, {"peer_role"}}

	previewFields = []path{
		{"lastMessage", "text"}, {"last_message", "message_text"}, {"last_message_text"}, {"last_message"},
		{"lastMessage", "body"}, {"last_message", "body"}, {"last_message", "text"},
	}

	updatedAtFields = []path{
		{"updatedAt"}, {"updated_at"},
		{"lastMessage", "createdAt"}, {"lastMessage", "created_at"},
		{"last_message", "created_at"}, {"last_message", "createdAt"},
		{"last_message_at"},
	}

	unreadFields      = []path{{"unreadCount"}, {"unread_count"}, {"unread"}}
	participantFields = []path{{"participants"}, {"members"}}
	kindFields        = []path{{"type"}, {"kind"}, {"thread_type"}}

	personIDFields   = []path{{"id"}, {"user_id"}, {"_id"}}
	personNameFields = []path{{"full_name"}, {"fullName"}, {"name"}}
	personRoleFields = []path{{"role"}}
)

// Candidate fields for message history records.
var (
	messageIDFields       = []path{{"id"}, {"_id"}, {"message_id"}, {"messageId"}}
	messageClientIDFields = []path{{"client_id"}, {"clientId"}}
	messageThreadFields   = []path{{"thread_id"}, {"threadId"}, {"conversation_id"}}
	messageCourseFields   = []path{{"course_id"}, {"courseId"}}
	senderIDFields        = []path{{"sender_id"}, {"senderId"}, {"sender", "id"}, {"sender", "user_id"}, {"user_id"}, {"from"}}
	senderNameFields      = []path{{"sender_name"}, {"senderName"}, {"sender", "full_name"}, {"sender", "name"}}
	bodyFields            = []path{{"body"}, {"text"}, {"message_text"}, {"content"}, {"message"}}
	createdAtFields       = []path{{"created_at"}, {"createdAt"}, {"timestamp"}, {"sent_at"}}
)

var directKinds = map[string]bool{
	"direct":         true,
	"dm":             true,
	"private":        true,
	"direct_message": true,
}

// normalizeThread maps a raw thread record to a Thread. A record without
// its own id is keyed by its peer, since a direct thread is identified by the
// other user; records with neither are rejected. Every other gap falls back to
// a default. selfID, when known, is skipped when deriving names and peers
// from participants.
func normalizeThread(rec types.RawRecord, selfID string) (types.Thread, bool) {
	id, hasID := firstString(rec, threadIDFields)
	people := participants(rec, selfID)

	var peerID string
	if peer, ok := firstString(rec, peerIDFields); ok {
		peerID = peer
	} else if len(people) > 0 && people[0].id != "" {
		peerID = people[0].id
	} else if hasID && isDirect(rec) {
		peerID = id
	}

	if !hasID {
		if peerID == "" {
			return types.Thread{}, false
		}
		id = peerID
	}

	t := types.Thread{ID: id, Title: types.DefaultThreadTitle, PeerID: peerID}

	if title, ok := firstString(rec, titleFields); ok {
		t.Title = title
	} else if names := participantNames(people); names != "" {
		t.Title = names
	}

	if role, ok := firstString(rec, peerRoleFields); ok {
		t.PeerRole = role
	} else if len(people) > 0 {
		t.PeerRole = people[0].role
	}

	if preview, ok := firstText(rec, previewFields); ok {
		t.LastMessagePreview = preview
	}
	if ts, ok := firstTime(rec, updatedAtFields); ok {
		t.UpdatedAt = ts
	}
	if n, ok := firstInt(rec, unreadFields); ok && n > 0 {
		t.UnreadCount = n
	}
	return t, true
}

// normalizeMessage maps a raw history record to an acknowledged Message.
func normalizeMessage(rec types.RawRecord, threadID string) (types.Message, bool) {
	id, ok := firstString(rec, messageIDFields)
	if !ok {
		return types.Message{}, false
	}

	m := types.Message{ID: id, ThreadID: threadID, DeliveryState: types.DeliveryAcknowledged}
	if tid, ok := firstString(rec, messageThreadFields); ok {
		m.ThreadID = tid
	}
	m.ClientID, _ = firstString(rec, messageClientIDFields)
	m.CourseID, _ = firstString(rec, messageCourseFields)
	m.SenderID, _ = firstString(rec, senderIDFields)
	m.SenderName, _ = firstText(rec, senderNameFields)
	m.Body, _ = firstText(rec, bodyFields)
	m.CreatedAt, _ = firstTime(rec, createdAtFields)
	return m, true
}

type person struct {
	id   string
	name string
	role string
}

func participants(rec types.RawRecord, selfID string) []person {
	for _, p := range participantFields {
		v, ok := lookup(rec, p)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		var out []person
		for _, item := range list {
			var pr person
			switch x := item.(type) {
			case map[string]any:
				pr.id, _ = firstString(x, personIDFields)
				pr.name, _ = firstText(x, personNameFields)
				pr.role, _ = firstText(x, personRoleFields)
			default:
				pr.id, _ = stringValue(x)
			}
			if selfID != "" && pr.id == selfID {
				continue
			}
			out = append(out, pr)
		}
		return out
	}
	return nil
}

func participantNames(people []person) string {
	var names []string
	for _, p := range people {
		if p.name != "" {
			names = append(names, p.name)
		}
	}
	return strings.Join(names, ", ")
}

func isDirect(rec types.RawRecord) bool {
	if v, ok := lookup(rec, path{"is_direct"}); ok {
		if b, ok := v.(bool); ok && b {
			return true
		}
	}
	kind, ok := firstText(rec, kindFields)
	return ok && directKinds[strings.ToLower(kind)]
}

func lookup(rec map[string]any, p path) (any, bool) {
	var cur any = rec
	for _, key := range p {
		var m map[string]any
		switch x := cur.(type) {
		case map[string]any:
			m = x
		case types.RawRecord:
			m = x
		default:
			return nil, false
		}
		v, ok := m[key]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func firstString(rec map[string]any, fields []path) (string, bool) {
	for _, p := range fields {
		if v, ok := lookup(rec, p); ok {
			if s, ok := stringValue(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

// firstText only accepts string values, so a nested object under a
// preview alias is skipped instead of being rendered.
func firstText(rec map[string]any, fields []path) (string, bool) {
	for _, p := range fields {
		if v, ok := lookup(rec, p); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstTime(rec map[string]any, fields []path) (time.Time, bool) {
	for _, p := range fields {
		if v, ok := lookup(rec, p); ok {
			if ts, ok := timeValue(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func firstInt(rec map[string]any, fields []path) (int, bool) {
	for _, p := range fields {
		v, ok := lookup(rec, p)
		if !ok {
			continue
		}
		switch x := v.(type) {
		case float64:
			return int(x), true
		case int:
			return x, true
		case int64:
			return int(x), true
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return int(n), true
			}
		case string:
			if n, err := strconv.Atoi(x); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	default:
		return "", false
	}
}

// Numeric timestamps are Unix milliseconds.
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func timeValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		return time.UnixMilli(int64(x)), true
	case int:
		return time.UnixMilli(int64(x)), true
	case int64:
		return time.UnixMilli(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return time.UnixMilli(n), true
		}
	case time.Time:
		return x, !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(n), true
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
