package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/api"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/broker"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/config"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/database"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/hub"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/router"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/session"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/websocket"
	dbconfig "github.com/Daniel-20051/lms-admin-app-sub003/pkg/database"
	"github.com/google/uuid"
)

// Application wires the relay: store, sessions, broker, router, hub and
// the HTTP surface that serves both the record API and /ws.
type Application struct {
	config     *config.Config
	origin     string
	db         *database.Manager
	sessions   *session.Manager
	broker     broker.Broker
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	api        *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication builds every component in dependency order:
// database, sessions, broker, router, registry, hub, websocket, api.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	rc := cfg.Relay

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = rc.DatabasePath
	dbConfig.WriteTimeout = rc.DatabaseTimeout

	db, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	sessions, err := session.NewManager(rc.JWTSecret, rc.TokenTTL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	origin := relayOrigin()
	var b broker.Broker
	if rc.NATSURL != "" {
		nb, err := broker.NewNATS(rc.NATSURL, broker.DefaultSubject, "lmsrelay-"+origin)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect broker: %w", err)
		}
		b = nb
	} else {
		b = broker.NewMemory(0)
	}

	messageRouter := router.NewRouter(db, b, router.NewRateLimiter(rc.RateLimit, time.Minute), origin)
	registry := websocket.NewRegistry()
	messageHub := hub.NewHub(registry, messageRouter, b, db, origin)

	wsOpts := websocket.Options{
		WriteTimeout: cfg.Transport.WriteTimeout,
		ReadTimeout:  cfg.Transport.ReadTimeout,
		PingInterval: cfg.Transport.PingInterval,
		BufferSize:   cfg.Transport.BufferSize,
	}
	wsHandler := websocket.NewHandler(sessions, messageHub, wsOpts, rc.AllowedOrigins)

	apiServer := api.NewServer(sessions, db, registry, api.Options{
		AllowedOrigins: rc.AllowedOrigins,
		HistoryLimit:   cfg.Messaging.HistoryLimit,
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
	})

	httpServer := &http.Server{
		Addr:         rc.Addr(),
		Handler:      apiServer,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		origin:     origin,
		db:         db,
		sessions:   sessions,
		broker:     b,
		registry:   registry,
		router:     messageRouter,
		hub:        messageHub,
		api:        apiServer,
		httpServer: httpServer,
	}, nil
}

// relayOrigin tags envelopes so a relay can tell its own broker traffic apart.
func relayOrigin() string {
	id := uuid.NewString()[:8]
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + id
	}
	return id
}

// Start runs the hub, then binds and serves HTTP.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("[app] starting relay %s on %s", app.origin, app.httpServer.Addr)

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("[app] relay listening on %s", ln.Addr())
		return nil
	case <-ctx.Done():
		app.httpServer.Close()
		app.hub.Stop()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP and its websockets, hub, broker,
// database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("[app] shutting down relay %s", app.origin)

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[app] http shutdown: %v", err)
		errs = append(errs, err)
	}
	if n := app.registry.CloseAll(); n > 0 {
		log.Printf("[app] closed %d websocket connections", n)
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("[app] hub shutdown: %v", err)
		errs = append(errs, err)
	}
	if err := app.broker.Close(); err != nil {
		log.Printf("[app] broker shutdown: %v", err)
		errs = append(errs, err)
	}
	if err := app.db.Close(); err != nil {
		log.Printf("[app] database shutdown: %v", err)
		errs = append(errs, err)
	}

	log.Printf("[app] shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Origin identifies this relay instance on the broker.
func (app *Application) Origin() string {
	return app.origin
}
