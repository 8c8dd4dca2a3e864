// Package config loads tether configuration.
//
// Values are layered, later layers winning:
//
//  1. Defaults: built into Default()
//  2. Config file: optional YAML file
//  3. Environment: TETHER_ prefixed variables, "__" separating sections
//     (TETHER_SESSION__REQUEST_TIMEOUT=3s sets session.request_timeout)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TETHER_"

// PathEnvVar names a config file when --config is not given.
const PathEnvVar = EnvPrefix + "CONFIG"

// Config is the full tether configuration.
type Config struct {
	Transport TransportConfig `koanf:"transport"`
	Session   SessionConfig   `koanf:"session"`
	Replica   ReplicaConfig   `koanf:"replica"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
}

// TransportConfig selects the channel a client dials.
type TransportConfig struct {
	Kind        string `koanf:"kind" validate:"oneof=websocket nats"`
	URL         string `koanf:"url" validate:"required"`
	NATSSubject string `koanf:"nats_subject" validate:"required_if=Kind nats"`
	PeerID      string `koanf:"peer_id" validate:"required_if=Kind nats"`
	RemoteID    string `koanf:"remote_id" validate:"required_if=Kind nats"`
}

// SessionConfig tunes timers and the wire codec.
type SessionConfig struct {
	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
	Codec          string        `koanf:"codec" validate:"oneof=json msgpack"`
}

// ReplicaConfig selects the local replica store.
type ReplicaConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory sqlite bolt"`
	Path    string `koanf:"path" validate:"required_if=Backend bolt"`
}

// ServerConfig configures `tether serve`.
type ServerConfig struct {
	Listen        string `koanf:"listen" validate:"required,hostname_port"`
	MetricsListen string `koanf:"metrics_listen" validate:"omitempty,hostname_port"`
	Path          string `koanf:"path" validate:"startswith=/"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:        "websocket",
			URL:         "ws://127.0.0.1:7420/sync",
			NATSSubject: "tether",
		},
		Session: SessionConfig{
			ReconnectDelay: 5 * time.Second,
			RequestTimeout: 10 * time.Second,
			Codec:          "json",
		},
		Replica: ReplicaConfig{
			Backend: "memory",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7420",
			Path:   "/sync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $TETHER_CONFIG when path is empty; no file is fine) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps TETHER_SESSION__REQUEST_TIMEOUT to session.request_timeout.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all failures at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel returns the configured level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
