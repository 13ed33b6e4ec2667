// Package config loads the server's on-disk TOML configuration and layers
// CLI flag overrides on top of it: config file values are defaults, flags
// always win.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Transport TransportConfig `toml:"transport"`
	Worker    WorkerConfig    `toml:"worker"`
	Log       LogConfig       `toml:"log"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string `toml:"path"`
}

// TransportConfig controls the MCP tool surface's bindings.
type TransportConfig struct {
	// Mode is "stdio", "http", or "sse".
	Mode string `toml:"mode"`
	Port int    `toml:"port"`
	// MCPOnly records --mcp-only / mcp_only. The server has no dashboard,
	// and nothing reads this field: the HTTP handler serves /events and
	// /healthz beside the MCP bindings whether or not it is set.
	MCPOnly     bool   `toml:"mcp_only"`
	CORSOrigins string `toml:"cors_origins"`
}

// WorkerConfig carries the defaults worker types fall back to when they
// don't set their own binary_override/timeout_seconds.
type WorkerConfig struct {
	DefaultBinary  string        `toml:"default_binary"`
	DefaultTimeout time.Duration `toml:"default_timeout"`
	GraceWindow    time.Duration `toml:"grace_window"`
	ScratchRoot    string        `toml:"scratch_root"`
	SettingsTmpl   string        `toml:"settings_template"`
	MCPEndpoint    string        `toml:"mcp_endpoint"`
}

// LogConfig controls the slog text handler.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// ReconcileConfig controls the cron-driven stall sweep.
type ReconcileConfig struct {
	Interval time.Duration `toml:"interval"`
}

// Defaults returns the configuration a bare invocation runs with.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{Path: "loom.db"},
		Transport: TransportConfig{
			Mode:        "stdio",
			Port:        8090,
			CORSOrigins: "*",
		},
		Worker: WorkerConfig{
			DefaultBinary:  "loom-worker",
			DefaultTimeout: 30 * time.Minute,
			GraceWindow:    15 * time.Second,
			ScratchRoot:    "./scratch",
		},
		Log: LogConfig{Level: "info"},
		Reconcile: ReconcileConfig{
			Interval: time.Minute,
		},
	}
}

// Flags are the CLI overrides: `--transport`, `--port`,
// `--mcp-only`, `--config` (consumed by Load itself, not stored here). A
// zero value means "flag not set" so Load can tell omission from an
// explicit zero.
type Flags struct {
	Transport string
	Port      int
	MCPOnly   bool
}

// Load reads configPath (if non-empty) as TOML over the defaults, then
// applies flags on top — flags always win.
func Load(configPath string, flags Flags) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	if flags.Transport != "" {
		cfg.Transport.Mode = flags.Transport
	}
	if flags.Port != 0 {
		cfg.Transport.Port = flags.Port
	}
	if flags.MCPOnly {
		cfg.Transport.MCPOnly = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configuration that would leave the server unable to
// start, distinct from a migration failure (a separate exit code).
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http", "sse":
	default:
		return fmt.Errorf("invalid transport mode %q (must be stdio, http, or sse)", c.Transport.Mode)
	}
	if c.Transport.Mode != "stdio" && c.Transport.Port <= 0 {
		return fmt.Errorf("transport %q requires a positive port", c.Transport.Mode)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Worker.DefaultBinary == "" {
		return fmt.Errorf("worker.default_binary must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}
