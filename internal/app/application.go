// Package app wires the server together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"innovationquest/internal/api"
	"innovationquest/internal/config"
	"innovationquest/internal/database"
	"innovationquest/internal/hub"
	"innovationquest/internal/router"
	"innovationquest/internal/session"
	"innovationquest/internal/store"
	"innovationquest/internal/websocket"
	"innovationquest/pkg/interfaces"
)

// Version is reported by /version and --version.
const Version = "1.0.0"

var (
	ErrAlreadyStarted = errors.New("application already started")
	ErrNotStarted     = errors.New("application not started")
)

var _ hub.Processor = (*router.Router)(nil)

// Application holds every component. Build order is
// store, sessions, registry, router, hub, websocket handler, HTTP API.
type Application struct {
	config    *config.Config
	logger    *logrus.Logger
	store     interfaces.Store
	sessions  *session.Manager
	registry  *websocket.Registry
	limiter   *router.RateLimiter
	router    *router.Router
	hub       *hub.Hub
	wsHandler *websocket.Handler
	api       *api.Server

	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	serveErr   chan error
}

func NewApplication(cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	st, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(st, logger.WithField("component", "session"))
	registry := websocket.NewRegistry(logger.WithField("component", "registry"))
	limiter := router.NewRateLimiter(cfg.Hub.RateLimit, time.Minute)
	rt := router.NewRouter(st, sessions, registry, limiter, logger.WithField("component", "router"))
	h := hub.NewHub(rt, cfg.Hub.QueueSize, logger.WithField("component", "hub"))

	wsHandler := websocket.NewHandler(h, websocket.HandlerOptions{
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		Connection: websocket.ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		},
	}, logger.WithField("component", "websocket"))

	apiServer := api.NewServer(st, registry, api.Options{
		PublicURL: cfg.HTTP.PublicURL,
		Version:   Version,
	}, logger.WithField("component", "api"))
	apiServer.Handle(http.MethodGet, "/ws", wsHandler)

	return &Application{
		config:    cfg,
		logger:    logger,
		store:     st,
		sessions:  sessions,
		registry:  registry,
		limiter:   limiter,
		router:    rt,
		hub:       h,
		wsHandler: wsHandler,
		api:       apiServer,
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           apiServer,
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       10 * time.Minute,
		},
	}, nil
}

func newStore(cfg *config.Config, logger *logrus.Logger) (interfaces.Store, error) {
	entry := logger.WithField("component", "store")
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		m, err := database.NewManager(context.Background(), cfg.Database(), entry)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		entry.WithField("path", cfg.Store.Path).Info("using sqlite store")
		return m, nil
	default:
		entry.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

// Start listens on the configured address and serves in the background.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	if err := app.StartWithListener(ctx, ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// StartWithListener starts the hub, then serves HTTP on ln. The
// application keeps running until Stop, regardless of ctx.
func (app *Application) StartWithListener(ctx context.Context, ln net.Listener) error {
	if app.listener != nil {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	app.listener = ln
	app.cancel = cancel
	app.serveErr = make(chan error, 1)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()
	go app.cleanupLoop(runCtx)

	app.logger.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"version": Version,
		"store":   app.config.Store.Backend,
	}).Info("innovationquest started")
	return nil
}

func (app *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Errors reports a failure of the HTTP server. It is closed once the
// server stops.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop shuts down HTTP, then the open sockets, the hub and the store.
func (app *Application) Stop(ctx context.Context) error {
	if app.listener == nil {
		return ErrNotStarted
	}
	app.logger.Info("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Hijacked sockets are not covered by Shutdown. Each one's disconnect
	// still runs through the hub before it is untracked.
	app.wsHandler.CloseAll()
	if err := app.waitForSockets(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	app.cancel()

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) waitForSockets(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for app.wsHandler.ActiveConnections() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for sockets: %w", ctx.Err())
		}
	}
	return nil
}

// Addr returns the address the server is listening on.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the store, mainly for tests and diagnostics.
func (app *Application) Store() interfaces.Store {
	return app.store
}

func (app *Application) Registry() *websocket.Registry {
	return app.registry
}
