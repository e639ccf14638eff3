package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/broker"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Result is the outcome of routing one send. Duplicate is true when the
// client id had already been stored; nothing is broadcast in that case.
type Result struct {
	Message   *types.InboundMessage
	Duplicate bool
}

// Router validates sends, stores them and hands them to the broker.
type Router struct {
	db          interfaces.DatabaseManager
	broker      broker.Broker
	rateLimiter *RateLimiter
	origin      string
	now         func() time.Time
}

// NewRouter creates a router publishing as origin.
func NewRouter(db interfaces.DatabaseManager, b broker.Broker, limiter *RateLimiter, origin string) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Router{
		db:          db,
		broker:      b,
		rateLimiter: limiter,
		origin:      origin,
		now:         time.Now,
	}
}

// RouteMessage persists a send from sender and publishes it to the
// thread's room and participants. The server assigns the id and time.
func (r *Router) RouteMessage(ctx context.Context, sender types.Identity, out types.OutboundMessage) (*Result, error) {
	if sender.UserID == "" {
		return nil, ErrMissingSender
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if !r.rateLimiter.Allow(sender.UserID) {
		return nil, ErrRateLimitExceeded
	}

	thread, err := r.db.GetThread(ctx, out.ThreadID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUnknownThread
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	if !thread.HasParticipant(sender.UserID) {
		return nil, ErrNotParticipant
	}

	if out.ClientID != "" {
		if existing, err := r.db.GetMessageByClientID(ctx, sender.UserID, out.ClientID); err == nil {
			return &Result{Message: toInbound(existing), Duplicate: true}, nil
		}
	}

	courseID := out.CourseID
	if courseID == "" {
		courseID = thread.CourseID
	}
	message := &types.Message{
		ID:         uuid.NewString(),
		ClientID:   out.ClientID,
		ThreadID:   thread.ID,
		CourseID:   courseID,
		SenderID:   sender.UserID,
		SenderName: sender.Name,
		Body:       out.Body,
		CreatedAt:  r.now().UTC(),
	}

	// Persist before routing.
	if err := r.db.StoreMessage(ctx, message); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) && out.ClientID != "" {
			existing, lookupErr := r.db.GetMessageByClientID(ctx, sender.UserID, out.ClientID)
			if lookupErr == nil {
				return &Result{Message: toInbound(existing), Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	inbound := toInbound(message)
	env := broker.Envelope{
		Kind:       broker.KindMessage,
		Origin:     r.origin,
		Room:       types.ThreadRoom(thread.ID),
		Recipients: thread.ParticipantIDs,
		Message:    inbound,
	}
	// The message is durable at this point; a failed publish only delays
	// delivery until the next history fetch.
	if err := r.broker.Publish(ctx, env); err != nil {
		log.Printf("[router] failed to publish message %s: %v", message.ID, err)
	}

	return &Result{Message: inbound}, nil
}

// CleanupRateLimits drops idle rate limit state.
func (r *Router) CleanupRateLimits() int {
	return r.rateLimiter.Cleanup()
}

func toInbound(m *types.Message) *types.InboundMessage {
	return &types.InboundMessage{
		ID:         m.ID,
		ClientID:   m.ClientID,
		ThreadID:   m.ThreadID,
		CourseID:   m.CourseID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}
