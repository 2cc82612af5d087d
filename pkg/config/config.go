// Package config loads and validates builder-agent configuration.
// Precedence: defaults, then user config (~/.builder-agent/config.yaml),
// then project config (./.builder-agent/config.yaml), then BUILDER_* env vars.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBind is the default HTTP bind address.
	DefaultBind = "0.0.0.0:7778"

	// DefaultToolTimeout bounds a single build run. App builds are slow.
	DefaultToolTimeout = 10 * time.Minute

	// DefaultGracePeriod is how long to wait after SIGTERM before SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

// Config represents the complete builder-agent configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Output  OutputConfig  `yaml:"output"`
	Tool    ToolConfig    `yaml:"tool"`
	Logging LoggingConfig `yaml:"logging"`
	Bus     BusConfig     `yaml:"bus"`
	History HistoryConfig `yaml:"history"`
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OutputConfig controls where artifact bundles are written
type OutputConfig struct {
	// Root is the target output root. Required; the service refuses to
	// start when it is absent or not writable.
	Root string `yaml:"root"`

	// TargetRepo is the workspace repository the build tool runs inside
	// (where .claude skills and reference backends live). Optional.
	TargetRepo string `yaml:"target_repo"`
}

// ToolConfig controls the external code-generation CLI
type ToolConfig struct {
	// Binary overrides discovery of the claude executable.
	Binary string `yaml:"binary"`

	Timeout         time.Duration `yaml:"timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	SkipPermissions bool          `yaml:"skip_permissions"`
}

// LoggingConfig controls structured JSONL logging
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// BusConfig selects the event bus backend
type BusConfig struct {
	// NATSURL enables the NATS-backed bus when set; empty means in-memory.
	NATSURL string `yaml:"nats_url"`
}

// HistoryConfig controls the sqlite build-history store
type HistoryConfig struct {
	// Path to the sqlite database. Empty disables history recording.
	Path string `yaml:"path"`
}

// DefaultConfig returns the baseline configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:           DefaultBind,
			AllowedOrigins: []string{"*"},
		},
		Tool: ToolConfig{
			Timeout:         DefaultToolTimeout,
			GracePeriod:     DefaultGracePeriod,
			SkipPermissions: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".builder-agent/logs",
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".builder-agent", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".builder-agent", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUILDER_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("BUILDER_OUTPUT_ROOT"); v != "" {
		cfg.Output.Root = v
	}
	if v := os.Getenv("BUILDER_TARGET_REPO"); v != "" {
		cfg.Output.TargetRepo = v
	}
	if v := os.Getenv("BUILDER_TOOL_BINARY"); v != "" {
		cfg.Tool.Binary = v
	}
	if v := os.Getenv("BUILDER_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Tool.Timeout = d
		}
	}
	if v, ok := envBool("BUILDER_SKIP_PERMISSIONS"); ok {
		cfg.Tool.SkipPermissions = v
	}
	if v := os.Getenv("BUILDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BUILDER_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("BUILDER_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("BUILDER_HISTORY_DB"); v != "" {
		cfg.History.Path = v
	}
}

func envBool(name string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

// Validate checks that the configuration is usable. Missing or unwritable
// output roots are fatal here so the service fails fast at startup.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.Server.Bind, err)
	}
	if strings.TrimSpace(c.Output.Root) == "" {
		return fmt.Errorf("output root is required (set output.root or BUILDER_OUTPUT_ROOT)")
	}
	if c.Tool.Timeout <= 0 {
		return fmt.Errorf("tool timeout must be positive")
	}
	if c.Tool.GracePeriod <= 0 {
		c.Tool.GracePeriod = DefaultGracePeriod
	}
	return nil
}

// ResolvedOutputRoot returns the absolute output root path.
func (c *Config) ResolvedOutputRoot() (string, error) {
	root := expandHome(c.Output.Root)
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving output root: %w", err)
	}
	return abs, nil
}

// ResolvedTargetRepo returns the absolute target repo path, or empty when
// unset or nonexistent.
func (c *Config) ResolvedTargetRepo() string {
	if strings.TrimSpace(c.Output.TargetRepo) == "" {
		return ""
	}
	path := expandHome(c.Output.TargetRepo)
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	if _, err := os.Stat(abs); err != nil {
		return ""
	}
	return abs
}

// EnsureOutputRoot creates the output root and verifies it is writable.
func (c *Config) EnsureOutputRoot() (string, error) {
	root, err := c.ResolvedOutputRoot()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating output root %s: %w", root, err)
	}
	probe, err := os.CreateTemp(root, ".write-probe-*")
	if err != nil {
		return "", fmt.Errorf("output root %s is not writable: %w", root, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return root, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
