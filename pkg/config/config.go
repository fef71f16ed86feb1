// Package config loads the trust agent daemon configuration.
//
// Files are TOML by default; .yaml/.yml and .json are decoded by extension.
// Environment variables override file values, and Loader.Watch reloads the
// file when it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/backkem/trustagent/pkg/stream"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Transport kinds.
const (
	TransportBlueZ  = "bluez"
	TransportStream = "stream"
)

// Key providers for the session key wrapping key.
const (
	KeyProviderFile = "file"
	KeyProviderTPM  = "tpm"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Agent     AgentConfig     `toml:"agent" json:"agent" yaml:"agent"`
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Framing   FramingConfig   `toml:"framing" json:"framing" yaml:"framing"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	// ID is the agent's device identifier as a UUID string. Generated and
	// persisted next to the database when empty.
	ID string `toml:"id" json:"id" yaml:"id"`

	// ActivationDelayMs is how long the built-in delegate waits before an
	// escrow token becomes active.
	ActivationDelayMs int `toml:"activation_delay_ms" json:"activation_delay_ms" yaml:"activation_delay_ms"`
}

// TransportConfig selects and configures the link.
type TransportConfig struct {
	Kind string `toml:"kind" json:"kind" yaml:"kind"`

	// Adapter is the BlueZ adapter name.
	Adapter string `toml:"adapter" json:"adapter" yaml:"adapter"`

	// ListenAddr is the TCP address of the stream transport.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// Interfaces restricts mDNS advertising. Empty means all.
	Interfaces []string `toml:"interfaces" json:"interfaces" yaml:"interfaces"`

	MTU int `toml:"mtu" json:"mtu" yaml:"mtu"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	KeyProvider string `toml:"key_provider" json:"key_provider" yaml:"key_provider"`

	// KeyPath is the wrapping key file (file provider) or the sealed blob
	// (TPM provider).
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	TPMDevice string `toml:"tpm_device" json:"tpm_device" yaml:"tpm_device"`
}

// FramingConfig tunes message framing flow control.
type FramingConfig struct {
	RetransmitDelayMs  int `toml:"retransmit_delay_ms" json:"retransmit_delay_ms" yaml:"retransmit_delay_ms"`
	MaxRetransmissions int `toml:"max_retransmissions" json:"max_retransmissions" yaml:"max_retransmissions"`
	MaxMessageSize     int `toml:"max_message_size" json:"max_message_size" yaml:"max_message_size"`
}

// LoggingConfig sets log levels.
type LoggingConfig struct {
	// Level is one of disable, error, warn, info, debug, trace.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Scopes overrides Level per logger scope, e.g. {"stream": "debug"}.
	Scopes map[string]string `toml:"scopes" json:"scopes" yaml:"scopes"`
}

// DefaultDir is the default state directory.
func DefaultDir() string {
	if dir := os.Getenv("TRUSTAGENT_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".trustagent")
	}
	return ".trustagent"
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dir := DefaultDir()
	p := stream.DefaultParams()
	return &Config{
		Agent: AgentConfig{
			ActivationDelayMs: 0,
		},
		Transport: TransportConfig{
			Kind:       TransportStream,
			Adapter:    "hci0",
			ListenAddr: "127.0.0.1:0",
			MTU:        185,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dir, "trustagent.db"),
			KeyProvider:  KeyProviderFile,
			KeyPath:      filepath.Join(dir, "wrapping.key"),
			TPMDevice:    "/dev/tpmrm0",
		},
		Framing: FramingConfig{
			RetransmitDelayMs:  int(p.RetransmitDelay / time.Millisecond),
			MaxRetransmissions: p.MaxRetransmissions,
			MaxMessageSize:     p.MaxMessageSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportBlueZ, TransportStream:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport.Kind)
	}
	switch c.Storage.KeyProvider {
	case KeyProviderFile, KeyProviderTPM:
	default:
		return fmt.Errorf("%w: unknown key provider %q", ErrInvalid, c.Storage.KeyProvider)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("%w: storage.database_path is required", ErrInvalid)
	}
	if c.Storage.KeyPath == "" {
		return fmt.Errorf("%w: storage.key_path is required", ErrInvalid)
	}
	if c.Agent.ID != "" {
		if _, err := uuid.Parse(c.Agent.ID); err != nil {
			return fmt.Errorf("%w: agent.id: %v", ErrInvalid, err)
		}
	}
	if c.Transport.MTU != 0 && (c.Transport.MTU < 23 || c.Transport.MTU > 517) {
		return fmt.Errorf("%w: transport.mtu %d out of range", ErrInvalid, c.Transport.MTU)
	}
	if c.Framing.RetransmitDelayMs < 0 || c.Framing.MaxRetransmissions < 0 || c.Framing.MaxMessageSize < 0 {
		return fmt.Errorf("%w: negative framing parameter", ErrInvalid)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	for scope, level := range c.Logging.Scopes {
		if _, err := ParseLevel(level); err != nil {
			return fmt.Errorf("logging.scopes.%s: %w", scope, err)
		}
	}
	return nil
}

// ApplyEnvOverrides overrides fields from TRUSTAGENT_* variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TRUSTAGENT_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("TRUSTAGENT_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("TRUSTAGENT_ADAPTER"); v != "" {
		c.Transport.Adapter = v
	}
	if v := os.Getenv("TRUSTAGENT_LISTEN_ADDR"); v != "" {
		c.Transport.ListenAddr = v
	}
	if v := os.Getenv("TRUSTAGENT_MTU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.MTU = n
		}
	}
	if v := os.Getenv("TRUSTAGENT_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("TRUSTAGENT_KEY_PROVIDER"); v != "" {
		c.Storage.KeyProvider = v
	}
	if v := os.Getenv("TRUSTAGENT_KEY_PATH"); v != "" {
		c.Storage.KeyPath = v
	}
	if v := os.Getenv("TRUSTAGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Params returns the framing parameters.
func (c *Config) Params() stream.Params {
	return stream.Params{
		RetransmitDelay:    time.Duration(c.Framing.RetransmitDelayMs) * time.Millisecond,
		MaxRetransmissions: c.Framing.MaxRetransmissions,
		MaxMessageSize:     c.Framing.MaxMessageSize,
	}
}

// ActivationDelay returns the escrow token activation delay.
func (c *Config) ActivationDelay() time.Duration {
	return time.Duration(c.Agent.ActivationDelayMs) * time.Millisecond
}

// ParseLevel converts a level name to a pion log level.
func ParseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disable", "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}
