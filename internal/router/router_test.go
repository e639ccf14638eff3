package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/broker"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

type fakeStore struct {
	mu       sync.Mutex
	threads  map[string]*types.ThreadRecord
	messages []*types.Message
	storeErr error
}

func newFakeStore(threads ...*types.ThreadRecord) *fakeStore {
	s := &fakeStore{threads: map[string]*types.ThreadRecord{}}
	for _, th := range threads {
		s.threads[th.ID] = th
	}
	return s
}

func (s *fakeStore) UpsertUser(ctx context.Context, user *types.User) error { return nil }
func (s *fakeStore) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return nil, interfaces.ErrNotFound
}
func (s *fakeStore) CreateThread(ctx context.Context, thread *types.ThreadRecord) error { return nil }
func (s *fakeStore) GetThread(ctx context.Context, threadID string) (*types.ThreadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return th, nil
}
func (s *fakeStore) ListThreadsForUser(ctx context.Context, userID string) ([]*types.ThreadRecord, error) {
	return nil, nil
}
func (s *fakeStore) StoreMessage(ctx context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}
func (s *fakeStore) GetMessageByClientID(ctx context.Context, senderID, clientID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ClientID == clientID {
			return m, nil
		}
	}
	return nil, interfaces.ErrNotFound
}
func (s *fakeStore) GetThreadHistory(ctx context.Context, threadID string, limit int) ([]*types.Message, error) {
	return nil, nil
}
func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                          { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type recordingBroker struct {
	mu        sync.Mutex
	published []broker.Envelope
	err       error
}

func (b *recordingBroker) Publish(ctx context.Context, env broker.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, env)
	return nil
}
func (b *recordingBroker) Subscribe(fn func(broker.Envelope)) error { return nil }
func (b *recordingBroker) Close() error                             { return nil }

func setup(threads ...*types.ThreadRecord) (*Router, *fakeStore, *recordingBroker) {
	store := newFakeStore(threads...)
	b := &recordingBroker{}
	r := NewRouter(store, b, NewRateLimiter(3, time.Minute), "relay-test")
	return r, store, b
}

var (
	alice   = types.Identity{UserID: "alice", Role: types.RoleStudent, Name: "Alice"}
	direct  = &types.ThreadRecord{ID: "t1", Kind: types.ThreadKindDirect, ParticipantIDs: []string{"alice", "bob"}}
	lecture = &types.ThreadRecord{ID: "t2", Kind: types.ThreadKindCourse, CourseID: "csc101", ParticipantIDs: []string{"alice", "lee"}}
)

func TestRouter_RouteMessage(t *testing.T) {
	r, store, b := setup(direct)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	res, err := r.RouteMessage(context.Background(), alice, types.OutboundMessage{ClientID: "c1", ThreadID: "t1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate || res.Message.ID == "" || res.Message.ID == "c1" {
		t.Errorf("result = %+v", res)
	}
	if !res.Message.CreatedAt.Equal(fixed) || res.Message.SenderName != "Alice" || res.Message.ClientID != "c1" {
		t.Errorf("message = %+v", res.Message)
	}
	if store.count() != 1 {
		t.Errorf("stored %d messages", store.count())
	}

	if len(b.published) != 1 {
		t.Fatalf("published %d envelopes", len(b.published))
	}
	env := b.published[0]
	if env.Kind != broker.KindMessage || env.Origin != "relay-test" || env.Room != "thread:t1" {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Recipients) != 2 || env.Message.ID != res.Message.ID {
		t.Errorf("envelope recipients/message = %v %+v", env.Recipients, env.Message)
	}
}

func TestRouter_CourseContextFromThread(t *testing.T) {
	r, _, b := setup(lecture)

	res, err := r.RouteMessage(context.Background(), alice, types.OutboundMessage{ClientID: "c1", ThreadID: "t2", Body: "question"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.CourseID != "csc101" || b.published[0].Message.CourseID != "csc101" {
		t.Errorf("course id not filled: %+v", res.Message)
	}
}

func TestRouter_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		sender types.Identity
		out    types.OutboundMessage
		want   error
	}{
		{"no sender", types.Identity{}, types.OutboundMessage{ThreadID: "t1", Body: "x"}, ErrMissingSender},
		{"empty body", alice, types.OutboundMessage{ThreadID: "t1", Body: "  "}, types.ErrEmptyBody},
		{"no thread id", alice, types.OutboundMessage{Body: "x"}, types.ErrInvalidThreadID},
		{"unknown thread", alice, types.OutboundMessage{ThreadID: "nope", Body: "x"}, ErrUnknownThread},
		{"outsider", types.Identity{UserID: "mallory"}, types.OutboundMessage{ThreadID: "t1", Body: "x"}, ErrNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, b := setup(direct)
			if _, err := r.RouteMessage(context.Background(), tt.sender, tt.out); !errors.Is(err, tt.want) {
				t.Errorf("RouteMessage() = %v, want %v", err, tt.want)
			}
			if store.count() != 0 || len(b.published) != 0 {
				t.Error("rejected send was stored or published")
			}
		})
	}
}

func TestRouter_DuplicateClientIDAcksExisting(t *testing.T) {
	r, store, b := setup(direct)
	ctx := context.Background()
	out := types.OutboundMessage{ClientID: "c1", ThreadID: "t1", Body: "hello"}

	first, err := r.RouteMessage(ctx, alice, out)
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.RouteMessage(ctx, alice, out)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Message.ID != first.Message.ID {
		t.Errorf("resend = %+v, want duplicate of %s", again, first.Message.ID)
	}
	if store.count() != 1 || len(b.published) != 1 {
		t.Errorf("stored %d, published %d", store.count(), len(b.published))
	}
}

func TestRouter_StoreFailureIsNotPublished(t *testing.T) {
	r, store, b := setup(direct)
	store.storeErr = errors.New("disk full")

	if _, err := r.RouteMessage(context.Background(), alice, types.OutboundMessage{ThreadID: "t1", Body: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if len(b.published) != 0 {
		t.Error("unpersisted message published")
	}
}

func TestRouter_PublishFailureStillAcks(t *testing.T) {
	r, store, b := setup(direct)
	b.err = broker.ErrBrokerClosed

	res, err := r.RouteMessage(context.Background(), alice, types.OutboundMessage{ThreadID: "t1", Body: "x"})
	if err != nil || res.Message == nil {
		t.Fatalf("RouteMessage() = %+v, %v", res, err)
	}
	if store.count() != 1 {
		t.Error("message not stored")
	}
}

func TestRouter_RateLimit(t *testing.T) {
	r, _, _ := setup(direct)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.RouteMessage(ctx, alice, types.OutboundMessage{ThreadID: "t1", Body: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.RouteMessage(ctx, alice, types.OutboundMessage{ThreadID: "t1", Body: "x"}); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("fourth send = %v", err)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		user    string
		want    bool
	}{
		{0, "u1", true},
		{time.Second, "u1", true},
		{time.Second, "u1", false},
		{0, "u2", true},
		{time.Minute, "u1", true},
		{0, "u1", true},
		{0, "u1", false},
	}
	for i, s := range steps {
		now = now.Add(s.advance)
		if got := rl.Allow(s.user); got != s.want {
			t.Errorf("step %d: Allow(%s) = %v, want %v", i, s.user, got, s.want)
		}
	}

	now = now.Add(6 * time.Minute)
	if removed := rl.Cleanup(); removed != 2 {
		t.Errorf("Cleanup removed %d, want 2", removed)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("send %d rejected", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("101st send allowed")
	}
}
