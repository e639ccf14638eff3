package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Dialer opens client connections to the relay endpoint at URL. The
// identity's token travels both as the token query parameter and as a
// bearer Authorization header.
type Dialer struct {
	URL     string
	Options Options
	dialer  *websocket.Dialer
}

var _ interfaces.Dialer = (*Dialer)(nil)

func NewDialer(endpoint string, opts Options, handshakeTimeout time.Duration) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		URL:     endpoint,
		Options: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial connects as identity. A 401 or 403 handshake response is reported
// as interfaces.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, identity types.Identity) (interfaces.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	header := http.Header{}
	if identity.Token != "" {
		q := u.Query()
		q.Set("token", identity.Token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+identity.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: %w: status %d", ErrDialFailed, interfaces.ErrUnauthorized, resp.StatusCode)
			}
			return nil, fmt.Errorf("%w: status %d: %w", ErrDialFailed, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	c := NewConnection(conn, d.Options)
	if err := c.SetCredentials(identity.UserID, identity.Role); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
