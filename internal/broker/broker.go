// Package broker fans relay events out to every relay instance, including
// the one that published them. Each instance delivers an envelope to its
// own local connections.
package broker

import (
	"context"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Envelope kinds.
const (
	KindMessage  = "message"
	KindPresence = "presence"
)

// Envelope is one relay event crossing instance boundaries. Recipients
// lists the user ids that must receive a message regardless of room
// membership.
type Envelope struct {
	Kind       string                `json:"kind"`
	Origin     string                `json:"origin"`
	Room       string                `json:"room,omitempty"`
	Recipients []string              `json:"recipients,omitempty"`
	Message    *types.InboundMessage `json:"message,omitempty"`
	Presence   *types.PresenceUpdate `json:"presence,omitempty"`
}

// Validate checks that the payload matches the kind.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return ErrInvalidKind
		}
	case KindPresence:
		if e.Presence == nil {
			return ErrInvalidKind
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

// Broker delivers published envelopes to every subscriber. Handlers run
// on the broker's delivery goroutine and must not block.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) error
	Close() error
}
