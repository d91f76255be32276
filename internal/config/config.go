// Package config handles descartesd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./descartes.yaml, ~/.config/descartes/config.yaml, /config/config.yaml,
// /etc/descartes/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"descartes.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "descartes", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/descartes/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all descartesd configuration.
type Config struct {
	Listen      ListenConfig        `yaml:"listen"`
	Workspace   WorkspaceConfig     `yaml:"workspace"`
	Lease       LeaseConfig         `yaml:"lease"`
	Runtime     RuntimeConfig       `yaml:"runtime"`
	Categories  []AgentCategory     `yaml:"categories"`
	Notify      NotifyConfig        `yaml:"notify"`
	LogLevel    string              `yaml:"log_level"`
}

// ListenConfig defines the RPC and event-stream listeners.
type ListenConfig struct {
	// Socket is the Unix domain socket path for newline-delimited
	// JSON-RPC 2.0 requests. Default: <workspace>/daemon.sock.
	Socket string `yaml:"socket"`
	// EventStreamAddress is the bind address:port for the WebSocket
	// event-stream and attach endpoints.
	EventStreamAddress string `yaml:"event_stream_address"`
}

// WorkspaceConfig defines the on-disk layout descartesd manages.
type WorkspaceConfig struct {
	// Path is the root .descartes workspace directory.
	Path string `yaml:"path"`
	// StatePath is the SQLite database file path. Default:
	// <path>/state.db.
	StatePath string `yaml:"state_path"`
	// TranscriptsDir holds per-session transcript files. Default:
	// <path>/transcripts.
	TranscriptsDir string `yaml:"transcripts_dir"`
	// ScudDir is the read-only SCUD task-fragment import directory.
	ScudDir string `yaml:"scud_dir"`
}

// LeaseConfig defines TTL lease manager defaults.
type LeaseConfig struct {
	DefaultTTLSeconds  int `yaml:"default_ttl_seconds"`
	MaxRenewals        int `yaml:"max_renewals"` // -1 == unlimited
	SweepIntervalSec   int `yaml:"sweep_interval_seconds"`
}

// RuntimeConfig defines agent runtime defaults.
type RuntimeConfig struct {
	// GraceSeconds is how long a terminated agent is given to exit
	// cleanly before SIGKILL.
	GraceSeconds int `yaml:"grace_seconds"`
	// StdioRingBytes bounds the in-memory stdout/stderr ring per agent.
	StdioRingBytes int `yaml:"stdio_ring_bytes"`
}

// AgentCategory declares a reusable subagent category referenced by
// workflow stages and loop-engine build phases.
type AgentCategory struct {
	Name         string `yaml:"name"`
	Command      string `yaml:"command"`
	Parallel     bool   `yaml:"parallel"`
	Backpressure bool   `yaml:"backpressure"`
}

// NotifyConfig defines the outbound notify-gate channel.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load pre-loads a .env file (if present) into the process environment,
// reads the YAML config at path, expands environment variables, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Workspace.Path == "" {
		c.Workspace.Path = ".descartes"
	}
	if c.Workspace.StatePath == "" {
		c.Workspace.StatePath = filepath.Join(c.Workspace.Path, "state.db")
	}
	if c.Workspace.TranscriptsDir == "" {
		c.Workspace.TranscriptsDir = filepath.Join(c.Workspace.Path, "transcripts")
	}
	if c.Workspace.ScudDir == "" {
		c.Workspace.ScudDir = filepath.Join(c.Workspace.Path, "scud")
	}
	if c.Listen.Socket == "" {
		c.Listen.Socket = filepath.Join(c.Workspace.Path, "daemon.sock")
	}
	if c.Listen.EventStreamAddress == "" {
		c.Listen.EventStreamAddress = "127.0.0.1:4771"
	}
	if c.Lease.DefaultTTLSeconds == 0 {
		c.Lease.DefaultTTLSeconds = 60
	}
	if c.Lease.MaxRenewals == 0 {
		c.Lease.MaxRenewals = -1
	}
	if c.Lease.SweepIntervalSec == 0 {
		c.Lease.SweepIntervalSec = 5
	}
	if c.Runtime.GraceSeconds == 0 {
		c.Runtime.GraceSeconds = 5
	}
	if c.Runtime.StdioRingBytes == 0 {
		c.Runtime.StdioRingBytes = 1 << 20 // 1 MiB
	}
	if c.Notify.TimeoutSeconds == 0 {
		c.Notify.TimeoutSeconds = 10
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Lease.MaxRenewals < -1 {
		return fmt.Errorf("lease.max_renewals %d must be >= -1", c.Lease.MaxRenewals)
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("categories: entry missing name")
		}
		if seen[cat.Name] {
			return fmt.Errorf("categories: duplicate name %q", cat.Name)
		}
		seen[cat.Name] = true
	}
	return nil
}

// CategoryByName returns the declared category, or ok=false if unknown.
func (c *Config) CategoryByName(name string) (AgentCategory, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return AgentCategory{}, false
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
