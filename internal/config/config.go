// Package config provides configuration types and defaults for relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/relay/internal/bridge"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/tracing"
)

// Config holds all configuration options for relay.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Store   StoreConfig    `mapstructure:"store"`
	Bridge  BridgeConfig   `mapstructure:"bridge"`
	Client  ClientConfig   `mapstructure:"client"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Debug   bool           `mapstructure:"debug"`
}

// ServerConfig holds the sync server's listen settings.
type ServerConfig struct {
	// Addr is the host:port the server binds. Default ":7070".
	Addr string `mapstructure:"addr"`

	// AuthToken, when set, requires clients to present it as a bearer
	// token on the websocket handshake. Empty disables token checks.
	AuthToken string `mapstructure:"auth_token"`
}

// StoreConfig selects and configures the entity store backend.
type StoreConfig struct {
	// Driver is "memory", "sqlite", or "postgres".
	Driver string `mapstructure:"driver"`

	// Path is the sqlite database file. Used when Driver is "sqlite".
	Path string `mapstructure:"path"`

	// DSN is the postgres connection string. Used when Driver is
	// "postgres"; the bridge shares it.
	DSN string `mapstructure:"dsn"`

	// Watch enables the file watcher in sqlite mode so external writes
	// to the database surface as refresh events.
	Watch bool `mapstructure:"watch"`
}

// BridgeConfig tunes the cross-process notify session. Only meaningful
// with the postgres store driver.
type BridgeConfig struct {
	// Channel is the shared notify channel name.
	Channel string `mapstructure:"channel"`

	// InitialBackoff is the first reconnect delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the doubling reconnect delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// ClientConfig holds defaults for the watch command's client.
type ClientConfig struct {
	// ServerURL is the websocket endpoint to dial.
	ServerURL string `mapstructure:"server_url"`

	// PageSize is how many items each load-more adds to a feed window.
	PageSize int `mapstructure:"page_size"`
}

// Defaults returns a Config with sensible default values. The sqlite
// driver makes serve and seed work across two terminals with no setup.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":7070",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".relay/relay.db",
			Watch:  true,
		},
		Bridge: BridgeConfig{
			Channel:        bridge.DefaultChannel,
			InitialBackoff: bridge.DefaultInitialBackoff,
			MaxBackoff:     bridge.DefaultMaxBackoff,
		},
		Client: ClientConfig{
			ServerURL: "ws://localhost:7070/ws",
			PageSize:  50,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// DefaultTracesFilePath returns ~/.config/relay/traces/traces.jsonl, or
// empty when the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "relay", "traces", "traces.jsonl")
}

// Validate checks the whole configuration. Empty values that have
// defaults are fine; contradictions are not.
func Validate(cfg Config) error {
	if err := ValidateStore(cfg.Store); err != nil {
		return err
	}
	if err := ValidateBridge(cfg.Bridge); err != nil {
		return err
	}
	if err := ValidateClient(cfg.Client); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateStore checks the store section.
func ValidateStore(store StoreConfig) error {
	switch store.Driver {
	case "", "memory":
	case "sqlite":
		if store.Path == "" {
			return fmt.Errorf("store.path is required when driver is \"sqlite\"")
		}
	case "postgres":
		if store.DSN == "" {
			return fmt.Errorf("store.dsn is required when driver is \"postgres\"")
		}
	default:
		return fmt.Errorf("store.driver must be \"memory\", \"sqlite\", or \"postgres\", got %q", store.Driver)
	}
	return nil
}

// ValidateBridge checks the bridge section.
func ValidateBridge(b BridgeConfig) error {
	if b.InitialBackoff < 0 || b.MaxBackoff < 0 {
		return fmt.Errorf("bridge backoffs must not be negative")
	}
	if b.InitialBackoff > 0 && b.MaxBackoff > 0 && b.InitialBackoff > b.MaxBackoff {
		return fmt.Errorf("bridge.initial_backoff %v exceeds bridge.max_backoff %v", b.InitialBackoff, b.MaxBackoff)
	}
	return nil
}

// ValidateClient checks the client section.
func ValidateClient(c ClientConfig) error {
	if c.PageSize < 0 {
		return fmt.Errorf("client.page_size must not be negative, got %d", c.PageSize)
	}
	return nil
}

// ValidateTracing checks the tracing section.
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Relay Configuration

# Sync server settings
server:
  addr: ":7070"          # Listen address for the websocket server
  # auth_token: ""       # Require this bearer token on /ws (empty = open)

# Entity store backend
store:
  driver: sqlite         # memory, sqlite, or postgres
  path: .relay/relay.db  # Database file (sqlite driver)
  watch: true            # Refresh subscribers when another process writes the file
  # dsn: "postgres://localhost/relay"  # Connection string (postgres driver)

# Cross-process bridge (postgres driver only)
# With sqlite or memory the bridge stays down and publishes route locally.
bridge:
  channel: relay_events  # Shared NOTIFY channel name
  # initial_backoff: 1s  # First reconnect delay
  # max_backoff: 30s     # Reconnect delay cap

# Client defaults for 'relay watch'
client:
  server_url: ws://localhost:7070/ws
  page_size: 50          # Items added per load-more

# Tracing
# tracing:
#   enabled: false                 # Enable span export (default: false)
#   exporter: file                 # none, file, stdout, otlp (default: file)
#   file_path: ~/.config/relay/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Sampled fraction 0.0-1.0

# Write debug logs to relay-debug.log (same as --debug / RELAY_DEBUG=1)
# debug: true
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "creating config directory failed", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "writing config file failed", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
