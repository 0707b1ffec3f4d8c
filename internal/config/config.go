package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr              = "127.0.0.1:7340"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultLockExpiry        = 45 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultTypingTimeout     = 6 * time.Second
	DefaultIdempotencySize   = 4096
	DefaultIdempotencyTTL    = 10 * time.Minute
)

// Config holds everything the relay needs to start.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Locks    LocksConfig    `yaml:"locks"`
	Presence PresenceConfig `yaml:"presence"`
	Router   RouterConfig   `yaml:"router"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	SocketPath string `yaml:"socket_path"`
}

// DatabaseConfig selects the store. An empty path keeps everything in memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	KeysFile  string `yaml:"keys_file"`
	JWTSecret string `yaml:"jwt_secret"`
	// TakeoverRoles lists agent roles allowed to take over or close a conversation they do not hold.
	TakeoverRoles []string `yaml:"takeover_roles"`
}

type LocksConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Expiry            time.Duration `yaml:"expiry"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

type PresenceConfig struct {
	TypingTimeout time.Duration `yaml:"typing_timeout"`
}

type RouterConfig struct {
	IdempotencyCacheSize int           `yaml:"idempotency_cache_size"`
	IdempotencyTTL       time.Duration `yaml:"idempotency_ttl"`
	NodeID               int64         `yaml:"node_id"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a configuration with every field populated.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: DefaultAddr},
		Auth: AuthConfig{
			KeysFile:      "supportline.keys.yaml",
			TakeoverRoles: []string{"supervisor"},
		},
		Locks: LocksConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			Expiry:            DefaultLockExpiry,
			SweepInterval:     DefaultSweepInterval,
		},
		Presence: PresenceConfig{TypingTimeout: DefaultTypingTimeout},
		Router: RouterConfig{
			IdempotencyCacheSize: DefaultIdempotencySize,
			IdempotencyTTL:       DefaultIdempotencyTTL,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads an optional YAML file over the defaults, expands ${VAR}
// references, applies SUPPORTLINE_* overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	cfg.Server.Addr = getEnv("SUPPORTLINE_ADDR", cfg.Server.Addr)
	cfg.Server.SocketPath = getEnv("SUPPORTLINE_SOCKET", cfg.Server.SocketPath)
	cfg.Database.Path = getEnv("SUPPORTLINE_DB", cfg.Database.Path)
	cfg.Auth.KeysFile = getEnv("SUPPORTLINE_KEYS_FILE", cfg.Auth.KeysFile)
	cfg.Auth.JWTSecret = getEnv("SUPPORTLINE_JWT_SECRET", cfg.Auth.JWTSecret)
	if v := getEnv("SUPPORTLINE_TAKEOVER_ROLES", ""); v != "" {
		cfg.Auth.TakeoverRoles = splitList(v)
	}
	cfg.Logging.Level = getEnv("SUPPORTLINE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnv("SUPPORTLINE_LOG_FILE", cfg.Logging.File)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SUPPORTLINE_HEARTBEAT_INTERVAL", &cfg.Locks.HeartbeatInterval},
		{"SUPPORTLINE_LOCK_EXPIRY", &cfg.Locks.Expiry},
		{"SUPPORTLINE_SWEEP_INTERVAL", &cfg.Locks.SweepInterval},
		{"SUPPORTLINE_TYPING_TIMEOUT", &cfg.Presence.TypingTimeout},
	}
	for _, d := range durations {
		raw := getEnv(d.key, "")
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, raw, err)
		}
		*d.dst = parsed
	}
	if raw := getEnv("SUPPORTLINE_NODE_ID", ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing SUPPORTLINE_NODE_ID %q: %w", raw, err)
		}
		cfg.Router.NodeID = n
	}
	return nil
}

// Validate checks field ranges and the timing relationship between
// heartbeats and lock expiry.
func (c *Config) Validate() error {
	if c.Server.Addr == "" && c.Server.SocketPath == "" {
		return errors.New("server.addr or server.socket_path is required")
	}
	if c.Locks.HeartbeatInterval <= 0 {
		return errors.New("locks.heartbeat_interval must be positive")
	}
	if c.Locks.SweepInterval <= 0 {
		return errors.New("locks.sweep_interval must be positive")
	}
	// One missed heartbeat must never expire a live lock.
	if 2*c.Locks.HeartbeatInterval > c.Locks.Expiry {
		return fmt.Errorf("locks.expiry (%s) must be at least twice locks.heartbeat_interval (%s)",
			c.Locks.Expiry, c.Locks.HeartbeatInterval)
	}
	if c.Presence.TypingTimeout <= 0 {
		return errors.New("presence.typing_timeout must be positive")
	}
	if c.Router.IdempotencyCacheSize <= 0 {
		return errors.New("router.idempotency_cache_size must be positive")
	}
	if c.Router.IdempotencyTTL <= 0 {
		return errors.New("router.idempotency_ttl must be positive")
	}
	// snowflake node ids are 10 bits
	if c.Router.NodeID < 0 || c.Router.NodeID > 1023 {
		return fmt.Errorf("router.node_id %d out of range 0-1023", c.Router.NodeID)
	}
	return nil
}

// LogLevel parses Logging.Level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	return parseLogLevel(c.Logging.Level)
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
