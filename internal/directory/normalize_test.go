package directory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

func record(t *testing.T, raw string) types.RawRecord {
	t.Helper()
	var rec types.RawRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("bad fixture %s: %v", raw, err)
	}
	return rec
}

func TestNormalizeThread_PeerRecord(t *testing.T) {
	rec := record(t, `{"peer":{"full_name":"Jane Doe","id":7},"last_message":{"message_text":"hi","created_at":1000}}`)

	got, ok := normalizeThread(rec, "")
	if !ok {
		t.Fatal("record rejected")
	}
	want := types.Thread{
		ID:                 "7",
		Title:              "Jane Doe",
		PeerID:             "7",
		LastMessagePreview: "hi",
		UpdatedAt:          time.UnixMilli(1000),
	}
	if got.ID != want.ID || got.Title != want.Title || got.PeerID != want.PeerID ||
		got.LastMessagePreview != want.LastMessagePreview || !got.UpdatedAt.Equal(want.UpdatedAt) || got.UnreadCount != 0 {
		t.Errorf("normalizeThread = %+v, want %+v", got, want)
	}
}

func TestNormalizeThread_Aliases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		self        string
		wantTitle   string
		wantPeer    string
		wantRole    string
		wantPreview string
		wantTime    time.Time
		wantUnread  int
	}{
		{
			name:        "camel case",
			raw:         `{"_id":"a","title":"Algebra","lastMessage":{"text":"see you","createdAt":"2026-01-02T03:04:05Z"},"unreadCount":4}`,
			wantTitle:   "Algebra",
			wantPreview: "see you",
			wantTime:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			wantUnread:  4,
		},
		{
			name:        "flat snake case",
			raw:         `{"thread_id":"b","peer_name":"Sam","peer_id":"u2","peer_role":"lecturer","last_message_text":"ok","updated_at":"2026-01-02 03:04:05","unread_count":"2"}`,
			wantTitle:   "Sam",
			wantPeer:    "u2",
			wantRole:    "lecturer",
			wantPreview: "ok",
			wantTime:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			wantUnread:  2,
		},
		{
			name:        "plain last_message string",
			raw:         `{"id":"c","last_message":"plain","updatedAt":1700000000000}`,
			wantTitle:   types.DefaultThreadTitle,
			wantPreview: "plain",
			wantTime:    time.UnixMilli(1700000000000),
		},
		{
			name:      "participants give title and peer",
			raw:       `{"id":"d","participants":[{"id":"me","full_name":"Me"},{"user_id":"u5","name":"Ada","role":"student"},{"id":"u6","name":"Bo"}]}`,
			self:      "me",
			wantTitle: "Ada, Bo",
			wantPeer:  "u5",
			wantRole:  "student",
		},
		{
			name:      "participant ids only",
			raw:       `{"id":"e","members":["u8","u9"]}`,
			wantTitle: types.DefaultThreadTitle,
			wantPeer:  "u8",
		},
		{
			name:      "direct thread falls back to thread id",
			raw:       `{"id":"u42","type":"DM"}`,
			wantTitle: types.DefaultThreadTitle,
			wantPeer:  "u42",
		},
		{
			name:      "is_direct flag",
			raw:       `{"id":"u43","is_direct":true}`,
			wantTitle: types.DefaultThreadTitle,
			wantPeer:  "u43",
		},
		{
			name:      "peer underscore id",
			raw:       `{"id":"f","peer":{"_id":"p1","name":"Kim"}}`,
			wantTitle: "Kim",
			wantPeer:  "p1",
		},
		{
			name:        "nested object under preview alias is skipped",
			raw:         `{"id":"g","last_message":{"created_at":5},"lastMessage":{"body":"fallback"}}`,
			wantTitle:   types.DefaultThreadTitle,
			wantPreview: "fallback",
			wantTime:    time.UnixMilli(5),
		},
		{
			name:      "negative unread ignored",
			raw:       `{"id":"h","unread":-3}`,
			wantTitle: types.DefaultThreadTitle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeThread(record(t, tt.raw), tt.self)
			if !ok {
				t.Fatal("record rejected")
			}
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if got.PeerID != tt.wantPeer {
				t.Errorf("PeerID = %q, want %q", got.PeerID, tt.wantPeer)
			}
			if got.PeerRole != tt.wantRole {
				t.Errorf("PeerRole = %q, want %q", got.PeerRole, tt.wantRole)
			}
			if got.LastMessagePreview != tt.wantPreview {
				t.Errorf("Preview = %q, want %q", got.LastMessagePreview, tt.wantPreview)
			}
			if !got.UpdatedAt.Equal(tt.wantTime) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, tt.wantTime)
			}
			if got.UnreadCount != tt.wantUnread {
				t.Errorf("UnreadCount = %d, want %d", got.UnreadCount, tt.wantUnread)
			}
		})
	}
}

func TestNormalizeThread_MissingID(t *testing.T) {
	if _, ok := normalizeThread(record(t, `{"title":"orphan"}`), ""); ok {
		t.Error("record without id or peer accepted")
	}
	if _, ok := normalizeThread(record(t, `{"type":"dm","title":"orphan"}`), ""); ok {
		t.Error("direct record without id or peer accepted")
	}

	got, ok := normalizeThread(record(t, `{"participants":[{"id":"me"},{"id":"u5","name":"Ada"}]}`), "me")
	if !ok || got.ID != "u5" || got.PeerID != "u5" || got.Title != "Ada" {
		t.Errorf("participant-keyed record = %+v, %v", got, ok)
	}
}

func TestNormalizeMessage(t *testing.T) {
	rec := record(t, `{"message_id":12,"sender":{"id":"u2","full_name":"Sam"},"message_text":"hey","created_at":"2026-05-01T10:00:00Z","client_id":"c-1"}`)

	msg, ok := normalizeMessage(rec, "t1")
	if !ok {
		t.Fatal("message rejected")
	}
	if msg.ID != "12" || msg.ThreadID != "t1" || msg.SenderID != "u2" || msg.SenderName != "Sam" ||
		msg.Body != "hey" || msg.ClientID != "c-1" || msg.DeliveryState != types.DeliveryAcknowledged {
		t.Errorf("normalizeMessage = %+v", msg)
	}
	if !msg.CreatedAt.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", msg.CreatedAt)
	}

	if _, ok := normalizeMessage(record(t, `{"body":"no id"}`), "t1"); ok {
		t.Error("message without id accepted")
	}
}
