// Package embedded runs a supportline relay in-process.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/config"
	"github.com/mistakeknot/supportline/internal/server"
)

// Config configures the embedded relay.
type Config struct {
	// DBPath is the SQLite database file. Empty keeps state in memory.
	DBPath string

	// Host is the host to bind to. Defaults to 127.0.0.1.
	Host string

	// Port is the TCP port. 0 picks a free port.
	Port int

	// JWTSecret signs and verifies agent tokens. Defaults to a random secret
	// available through Server.Token.
	JWTSecret string

	// TakeoverRoles defaults to ["supervisor"].
	TakeoverRoles []string

	// HeartbeatInterval, LockExpiry, SweepInterval and TypingTimeout
	// override the relay defaults when non-zero.
	HeartbeatInterval time.Duration
	LockExpiry        time.Duration
	SweepInterval     time.Duration
	TypingTimeout     time.Duration

	Logger *slog.Logger
}

// Server is an embedded relay.
type Server struct {
	cfg      config.Config
	app      *server.App
	verifier *auth.JWTVerifier
	ln       net.Listener
	cancel   context.CancelFunc
	done     chan error
	mu       sync.Mutex
}

// New builds the relay without listening yet.
func New(cfg Config) (*Server, error) {
	c := config.Default()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	c.Server.Addr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		c.Database.Path = cfg.DBPath
	}
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
	}
	c.Auth.KeysFile = ""
	c.Auth.JWTSecret = cfg.JWTSecret
	if len(cfg.TakeoverRoles) > 0 {
		c.Auth.TakeoverRoles = cfg.TakeoverRoles
	}
	if cfg.HeartbeatInterval > 0 {
		c.Locks.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.LockExpiry > 0 {
		c.Locks.Expiry = cfg.LockExpiry
	}
	if cfg.SweepInterval > 0 {
		c.Locks.SweepInterval = cfg.SweepInterval
	}
	if cfg.TypingTimeout > 0 {
		c.Presence.TypingTimeout = cfg.TypingTimeout
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	app, err := server.NewApp(c, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init relay: %w", err)
	}
	return &Server{cfg: c, app: app, verifier: auth.NewJWTVerifier([]byte(cfg.JWTSecret))}, nil
}

// Start listens and serves in the background. It returns once the listener
// is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln, s.cancel, s.done = ln, cancel, make(chan error, 1)
	go func() { s.done <- s.app.Serve(ctx, ln) }()
	return nil
}

// Stop shuts the relay down and releases the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.app.Close()
	}
	s.cancel()
	serveErr := <-s.done
	s.ln = nil
	if err := s.app.Close(); err != nil {
		return err
	}
	return serveErr
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Server.Addr
}

// URL returns the HTTP base URL.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// WebSocketURL returns the websocket base URL; append /ws/visitor or /ws/agent.
func (s *Server) WebSocketURL() string {
	return "ws://" + s.Addr()
}

// Token signs an agent credential valid for ttl.
func (s *Server) Token(agentID, role string, ttl time.Duration) (string, error) {
	return s.verifier.Generate(auth.Identity{AgentID: agentID, Role: strings.TrimSpace(role)}, ttl)
}

// App exposes the wired components for direct access in tests.
func (s *Server) App() *server.App {
	return s.app
}

func randomSecret() (string, error) {
	key, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return key, nil
}
