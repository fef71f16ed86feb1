package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.toml")).Load()
	require.NoError(t, err)
	assert.Equal(t, TransportStream, cfg.Transport.Kind)
	assert.Equal(t, KeyProviderFile, cfg.Storage.KeyProvider)
	assert.Equal(t, time.Second, cfg.Params().RetransmitDelay)
	assert.Equal(t, 4, cfg.Params().MaxRetransmissions)
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "agent.toml", `
[transport]
kind = "bluez"
adapter = "hci1"

[framing]
max_retransmissions = 2

[logging]
level = "debug"
`},
		{"yaml", "agent.yaml", `
transport:
  kind: bluez
  adapter: hci1
framing:
  max_retransmissions: 2
logging:
  level: debug
`},
		{"json", "agent.json", `{
  "transport": {"kind": "bluez", "adapter": "hci1"},
  "framing": {"max_retransmissions": 2},
  "logging": {"level": "debug"}
}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			cfg, err := NewLoader(path).Load()
			require.NoError(t, err)
			assert.Equal(t, TransportBlueZ, cfg.Transport.Kind)
			assert.Equal(t, "hci1", cfg.Transport.Adapter)
			assert.Equal(t, 2, cfg.Framing.MaxRetransmissions)
			assert.Equal(t, "debug", cfg.Logging.Level)
			// Untouched fields keep their defaults.
			assert.Equal(t, 1000, cfg.Framing.RetransmitDelayMs)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRUSTAGENT_TRANSPORT", "bluez")
	t.Setenv("TRUSTAGENT_DB_PATH", "/tmp/x.db")
	t.Setenv("TRUSTAGENT_LOG_LEVEL", "warn")
	t.Setenv("TRUSTAGENT_MTU", "247")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, TransportBlueZ, cfg.Transport.Kind)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 247, cfg.Transport.MTU)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.Transport.Kind = "serial" }},
		{"key provider", func(c *Config) { c.Storage.KeyProvider = "hsm" }},
		{"database", func(c *Config) { c.Storage.DatabasePath = "" }},
		{"key path", func(c *Config) { c.Storage.KeyPath = "" }},
		{"agent id", func(c *Config) { c.Agent.ID = "not-a-uuid" }},
		{"mtu", func(c *Config) { c.Transport.MTU = 1000 }},
		{"framing", func(c *Config) { c.Framing.MaxRetransmissions = -1 }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"scope level", func(c *Config) { c.Logging.Scopes = map[string]string{"trust": "loud"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	writeFile(t, path, "[transport]\nkind = \"carrier-pigeon\"\n")
	_, err := NewLoader(path).Load()
	assert.ErrorIs(t, err, ErrInvalid)

	writeFile(t, path, "[transport\n")
	_, err = NewLoader(path).Load()
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "agent.toml")
	cfg := DefaultConfig()
	cfg.Agent.ID = "5e2a8f10-3c1d-4b8e-9a51-7d4c2f6b0e01"
	cfg.Logging.Scopes = map[string]string{"stream": "trace"}
	require.NoError(t, Save(cfg, path))

	loaded, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Agent.ID, loaded.Agent.ID)
	assert.Equal(t, "trace", loaded.Logging.Scopes["stream"])
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	writeFile(t, path, "[logging]\nlevel = \"info\"\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, l.Watch())
	defer l.Close()

	writeFile(t, path, "[logging]\nlevel = \"debug\"\n")

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", l.Config().Logging.Level)
	case err := <-l.Errors():
		t.Fatalf("reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("config not reloaded")
	}
}

func TestLoggerFactoryApply(t *testing.T) {
	var buf bytes.Buffer
	f, err := NewLoggerFactory(LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	log := f.NewLogger("trust")
	log.Info("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, f.Apply(LoggingConfig{Level: "warn", Scopes: map[string]string{"trust": "debug"}}))
	log.Debug("visible")
	assert.True(t, strings.Contains(buf.String(), "visible"))

	assert.Error(t, f.Apply(LoggingConfig{Level: "nope"}))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logging.LogLevel
	}{
		{"", logging.LogLevelInfo},
		{"ERROR", logging.LogLevelError},
		{"warning", logging.LogLevelWarn},
		{"debug", logging.LogLevelDebug},
		{"trace", logging.LogLevelTrace},
		{"off", logging.LogLevelDisabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
