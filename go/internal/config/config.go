// Package config loads tabtimer settings from defaults, an optional YAML
// file and TABTIMER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TABTIMER_"

// ErrUnknownBackend is returned by Validate for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown backend")

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StorePgx      = "pgx"
)

// Transport backends. TransportNone runs without live sync.
const (
	TransportNone      = "none"
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
	TransportPgNotify  = "pgnotify"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Timer     TimerConfig     `yaml:"timer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" env:"STORE_BACKEND"`
	// Path is the state directory of the file and SQLite stores.
	Path string `yaml:"path" env:"STORE_PATH"`
	Key  string `yaml:"key" env:"STORE_KEY"`
}

// DatabaseConfig holds Postgres connection settings. URL wins over the
// individual fields when set.
type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
}

type TransportConfig struct {
	Backend    string `yaml:"backend" env:"TRANSPORT_BACKEND"`
	Channel    string `yaml:"channel" env:"CHANNEL"`
	NATSURL    string `yaml:"nats_url" env:"NATS_URL"`
	GatewayURL string `yaml:"gateway_url" env:"GATEWAY_URL"`
}

type TimerConfig struct {
	GapThreshold      time.Duration `yaml:"gap_threshold" env:"GAP_THRESHOLD"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	CatchUpWait       time.Duration `yaml:"catch_up_wait" env:"CATCH_UP_WAIT"`
}

type GatewayConfig struct {
	Port         string        `yaml:"port" env:"GATEWAY_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"GATEWAY_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"GATEWAY_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"GATEWAY_IDLE_TIMEOUT"`
	// Bridge mirrors gateway channels onto another transport backend.
	Bridge string `yaml:"bridge" env:"GATEWAY_BRIDGE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: StoreFile,
			Path:    defaultStateDir(),
			Key:     "tabtimer:state",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Name:     "tabtimer",
			SSLMode:  "disable",
		},
		Transport: TransportConfig{
			Backend:    TransportNone,
			Channel:    "tabtimer",
			NATSURL:    "nats://localhost:4222",
			GatewayURL: "ws://localhost:8081/ws/timer",
		},
		Timer: TimerConfig{
			GapThreshold:      5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			CatchUpWait:       500 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			Port:         "8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
			Bridge:       TransportNone,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// TABTIMER_CONFIG variable is consulted, and no file is fine.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks backend names and the settings each backend needs.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StorePostgres, StorePgx:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store backend %s requires a path", c.Store.Backend)
		}
	default:
		return fmt.Errorf("%w: store %q", ErrUnknownBackend, c.Store.Backend)
	}

	if err := validateTransport("transport", c.Transport.Backend, c.Transport); err != nil {
		return err
	}
	if c.Gateway.Bridge == TransportWebSocket {
		return fmt.Errorf("%w: gateway bridge cannot be %q", ErrUnknownBackend, TransportWebSocket)
	}
	if err := validateTransport("gateway bridge", c.Gateway.Bridge, c.Transport); err != nil {
		return err
	}

	if c.Timer.GapThreshold <= 0 {
		return fmt.Errorf("gap threshold must be positive, got %s", c.Timer.GapThreshold)
	}
	if c.Timer.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Timer.HeartbeatInterval)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

func validateTransport(what, backend string, t TransportConfig) error {
	switch backend {
	case TransportNone, TransportPgNotify:
	case TransportNATS:
		if t.NATSURL == "" {
			return fmt.Errorf("%s %s requires a NATS URL", what, backend)
		}
	case TransportWebSocket:
		if t.GatewayURL == "" {
			return fmt.Errorf("%s %s requires a gateway URL", what, backend)
		}
	default:
		return fmt.Errorf("%w: %s %q", ErrUnknownBackend, what, backend)
	}
	return nil
}

// Level is the parsed log level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// DSN returns the Postgres connection URL.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tabtimer")
	}
	return ".tabtimer"
}
