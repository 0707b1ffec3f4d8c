package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/config"
	httpapi "github.com/mistakeknot/supportline/internal/http"
	"github.com/mistakeknot/supportline/internal/lock"
	"github.com/mistakeknot/supportline/internal/presence"
	"github.com/mistakeknot/supportline/internal/relay"
	"github.com/mistakeknot/supportline/internal/router"
	"github.com/mistakeknot/supportline/internal/storage"
	"github.com/mistakeknot/supportline/internal/storage/sqlite"
	"github.com/mistakeknot/supportline/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// App is a fully wired relay: store, lock manager, router, typing signaler,
// websocket hub and the HTTP handler that fronts them.
type App struct {
	Store    storage.Store
	Hub      *ws.Hub
	Locks    *lock.Manager
	Router   *router.Router
	Presence *presence.Signaler
	Relay    *relay.Relay
	Handler  http.Handler

	cfg        config.Config
	sweeper    *lock.Sweeper
	closeStore func() error
	logger     *slog.Logger
}

type Option func(*options)

type options struct {
	verifier auth.Verifier
	store    storage.Store
}

// WithVerifier replaces the verifier built from the auth config.
func WithVerifier(v auth.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithStore replaces the store selected by the database config.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// NewApp wires every component from cfg. Close releases the store.
func NewApp(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger, closeStore: func() error { return nil }}
	var health httpapi.HealthSource
	switch {
	case o.store != nil:
		app.Store = o.store
	case cfg.Database.Path == "":
		app.Store = storage.NewInMemory()
	default:
		st, err := sqlite.New(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		res := sqlite.NewResilientWithBreaker(st, sqlite.NewCircuitBreaker(5, 30*time.Second))
		app.Store = res
		app.closeStore = res.Close
		health = res
	}
	if h, ok := app.Store.(httpapi.HealthSource); ok && health == nil {
		health = h
	}

	verifier := o.verifier
	if verifier == nil {
		v, err := buildVerifier(cfg.Auth)
		if err != nil {
			_ = app.closeStore()
			return nil, err
		}
		verifier = v
	}

	app.Hub = ws.NewHub(logger)
	app.Locks = lock.NewManager(app.Store, app.Hub, lock.Options{
		Expiry: cfg.Locks.Expiry,
		Policy: lock.NewPolicy(cfg.Auth.TakeoverRoles...),
		Logger: logger,
	})
	rt, err := router.New(app.Store, app.Hub, router.Options{
		CacheSize: cfg.Router.IdempotencyCacheSize,
		CacheTTL:  cfg.Router.IdempotencyTTL,
		NodeID:    cfg.Router.NodeID,
		Logger:    logger,
	})
	if err != nil {
		_ = app.closeStore()
		return nil, err
	}
	app.Router = rt
	app.Presence = presence.New(app.Store, app.Hub, cfg.Presence.TypingTimeout, logger)
	app.Relay = relay.New(app.Locks, app.Router, app.Presence, logger)
	app.sweeper = lock.NewSweeper(app.Locks, cfg.Locks.SweepInterval)

	svc := httpapi.NewService(app.Store).WithConnections(app.Hub)
	if health != nil {
		svc = svc.WithHealth(health)
	}
	app.Handler = httpapi.NewRouter(svc, httpapi.Handlers{
		Visitor: app.Hub.VisitorHandler(app.Relay),
		Agent:   app.Hub.AgentHandler(app.Relay),
	}, auth.Middleware(verifier))
	return app, nil
}

// buildVerifier chains the static keyring with the JWT verifier when a
// secret is configured.
func buildVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	var chain auth.Chain
	if cfg.KeysFile != "" {
		keyring, err := auth.LoadKeyring(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		chain = append(chain, keyring)
	}
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(cfg.JWTSecret)))
	}
	if len(chain) == 0 {
		return nil, errors.New("no agent credentials configured: set auth.keys_file or auth.jwt_secret")
	}
	return chain, nil
}

// Start launches background work: the lock expiry sweep.
func (a *App) Start(ctx context.Context) {
	a.sweeper.Start(ctx)
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.sweeper.Stop()
	a.Presence.Stop()
	return a.closeStore()
}

// Run serves the app on the configured listeners until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv, err := New(Config{
		Addr:       ln.Addr().String(),
		SocketPath: a.cfg.Server.SocketPath,
		Handler:    a.Handler,
		Logger:     a.logger,
	})
	if err != nil {
		ln.Close()
		return err
	}
	a.Start(ctx)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
	a.Hub.CloseAll()
	return <-errc
}
