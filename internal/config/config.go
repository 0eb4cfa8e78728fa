// ABOUTME: Configuration loading and parsing for forge-hostd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete forge-hostd configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the event ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent manifest and lifecycle timing configuration
type AgentsConfig struct {
	// ManifestPath points at the TOML file describing spawnable agents
	ManifestPath string `yaml:"manifest_path"`

	StaleSessionTimeout time.Duration `yaml:"-"`
	SweepInterval       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StaleSessionTimeoutRaw string `yaml:"stale_session_timeout"`
	SweepIntervalRaw       string `yaml:"sweep_interval"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.ManifestPath == "" {
		return fmt.Errorf("agents.manifest_path is required")
	}
	if c.Agents.StaleSessionTimeout < 0 {
		return fmt.Errorf("agents.stale_session_timeout must not be negative")
	}
	if c.Agents.SweepInterval < 0 {
		return fmt.Errorf("agents.sweep_interval must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.StaleSessionTimeoutRaw != "" {
		cfg.Agents.StaleSessionTimeout, err = time.ParseDuration(cfg.Agents.StaleSessionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_session_timeout %q: %w", cfg.Agents.StaleSessionTimeoutRaw, err)
		}
	}

	if cfg.Agents.SweepIntervalRaw != "" {
		cfg.Agents.SweepInterval, err = time.ParseDuration(cfg.Agents.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Agents.SweepIntervalRaw, err)
		}
	}

	return nil
}
