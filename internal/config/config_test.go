package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Session.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Session.RequestTimeout)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
transport:
  kind: nats
  url: nats://127.0.0.1:4222
  peer_id: client
  remote_id: server
session:
  request_timeout: 3s
  codec: msgpack
replica:
  backend: sqlite
  path: /tmp/replica.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, "tether", cfg.Transport.NATSSubject, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.ReconnectDelay)
	assert.Equal(t, "msgpack", cfg.Session.Codec)
	assert.Equal(t, "sqlite", cfg.Replica.Backend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "session:\n  request_timeout: 3s\n")
	t.Setenv("TETHER_SESSION__REQUEST_TIMEOUT", "7s")
	t.Setenv("TETHER_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeFile(t, "server:\n  listen: 127.0.0.1:9000\n")
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown transport", "transport:\n  kind: carrier-pigeon\n", "Config.Transport.Kind"},
		{"nats without peer", "transport:\n  kind: nats\n  url: nats://x:4222\n", "Config.Transport.PeerID"},
		{"bolt without path", "replica:\n  backend: bolt\n", "Config.Replica.Path"},
		{"zero timeout", "session:\n  request_timeout: 0s\n", "Config.Session.RequestTimeout"},
		{"bad codec", "session:\n  codec: xml\n", "Config.Session.Codec"},
		{"bad log format", "log:\n  format: xml\n", "Config.Log.Format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "session.request_timeout", envKey("TETHER_SESSION__REQUEST_TIMEOUT"))
	assert.Equal(t, "transport.nats_subject", envKey("TETHER_TRANSPORT__NATS_SUBJECT"))
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{}.SlogLevel())
}
