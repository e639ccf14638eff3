// Package integration runs the chat client against a real relay.
package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/app"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/client"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/config"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// testSecret keeps tokens valid across a relay restart.
const testSecret = "integration-secret-0123456789abcdef"

// Relay is a running relay bound to a loopback port.
type Relay struct {
	App    *app.Application
	Config *config.Config
}

// RelayConfig returns a relay config on a free loopback port with its
// database under dir.
func RelayConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.DefaultConfig()
	cfg.Relay.Host = "127.0.0.1"
	cfg.Relay.Port = port
	cfg.Relay.DatabasePath = filepath.Join(dir, "relay.db")
	cfg.Relay.JWTSecret = testSecret
	cfg.Reconnect.Initial = 20 * time.Millisecond
	cfg.Reconnect.Max = 200 * time.Millisecond
	cfg.Messaging.AckTimeout = 3 * time.Second
	cfg.Transport.URL = "ws://" + cfg.Relay.Addr() + "/ws"
	cfg.RecordAPI.BaseURL = "http://" + cfg.Relay.Addr()
	return cfg
}

// StartRelay starts a relay for cfg and stops it when the test ends.
func StartRelay(t *testing.T, cfg *config.Config) *Relay {
	t.Helper()
	a, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("failed to start relay: %v", err)
	}
	r := &Relay{App: a, Config: cfg}
	t.Cleanup(func() { r.Stop(t) })
	return r
}

// Stop shuts the relay down. Calling it twice is harmless.
func (r *Relay) Stop(t *testing.T) {
	t.Helper()
	if r.App == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.App.Stop(ctx); err != nil {
		t.Logf("relay stop: %v", err)
	}
	r.App = nil
}

// NewClient builds a client for the relay and closes it when the test ends.
func NewClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Login logs c in and waits for the connection to open.
func Login(t *testing.T, c *client.Client, userID, name, role string) types.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	identity, err := c.Login(ctx, userID, name, role)
	if err != nil {
		t.Fatalf("login %s: %v", userID, err)
	}
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return identity
}
