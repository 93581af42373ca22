// ABOUTME: Configuration loading and parsing for agent-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default lifecycle cadences, applied when the config omits them.
const (
	DefaultRetention       = 24 * time.Hour
	DefaultSweepInterval   = time.Hour
	DefaultPersistInterval = 5 * time.Minute
)

// Config represents the complete agent-bridge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the HTTP listener address. The single listener hosts
// the WebSocket endpoint and the read-only health/status surface.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds optional tsnet listener configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// PersistenceConfig holds session store persistence configuration
type PersistenceConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`
}

// SessionsConfig holds session retention configuration
type SessionsConfig struct {
	Retention     time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetentionRaw     string `yaml:"retention"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in lifecycle cadences the config left unset.
func (c *Config) applyDefaults() {
	if c.Sessions.Retention == 0 {
		c.Sessions.Retention = DefaultRetention
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Persistence.Interval == 0 {
		c.Persistence.Interval = DefaultPersistInterval
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.RetentionRaw != "" {
		cfg.Sessions.Retention, err = time.ParseDuration(cfg.Sessions.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Sessions.RetentionRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	if cfg.Persistence.IntervalRaw != "" {
		cfg.Persistence.Interval, err = time.ParseDuration(cfg.Persistence.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing persistence interval %q: %w", cfg.Persistence.IntervalRaw, err)
		}
	}

	return nil
}
