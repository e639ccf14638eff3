package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject carries every relay envelope.
const DefaultSubject = "lmschat.events"

// NATS shares envelopes between relay instances over a NATS subject.
type NATS struct {
	nc      *nats.Conn
	subject string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

var _ Broker = (*NATS)(nil)

// NewNATS connects to url. name identifies this instance in the server's
// connection list.
func NewNATS(url, subject, name string) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[broker] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Printf("[broker] connected to NATS at %s, subject %s", nc.ConnectedUrl(), subject)
	return &NATS{nc: nc, subject: subject}, nil
}

func (n *NATS) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrBrokerClosed
		}
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(fn func(Envelope)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrBrokerClosed
	}

	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[broker] bad envelope on %s: %v", msg.Subject, err)
			return
		}
		fn(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Close drains subscriptions so in-flight envelopes are still delivered.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
