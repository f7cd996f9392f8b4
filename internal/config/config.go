// ABOUTME: Configuration loading and parsing for the orchestrator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Agents     AgentsConfig     `yaml:"agents"`
	Barriers   BarriersConfig   `yaml:"barriers"`
	Automation AutomationConfig `yaml:"automation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds agent authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent liveness timing configuration
type AgentsConfig struct {
	HeartbeatCheckInterval time.Duration `yaml:"-"`
	LivenessTimeout        time.Duration `yaml:"-"`
	ReconcileInterval      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatCheckIntervalRaw string `yaml:"heartbeat_check_interval"`
	LivenessTimeoutRaw        string `yaml:"liveness_timeout"`
	ReconcileIntervalRaw      string `yaml:"reconcile_interval"`
}

// BarriersConfig holds step barrier timing configuration
type BarriersConfig struct {
	StepTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	Expiry        time.Duration `yaml:"-"`

	StepTimeoutRaw   string `yaml:"step_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	ExpiryRaw        string `yaml:"expiry"`
}

// AutomationConfig holds the in-process automation engine configuration
type AutomationConfig struct {
	MaxParallel  int           `yaml:"max_parallel"`
	PhaseTimeout time.Duration `yaml:"-"`
	Driver       string        `yaml:"driver"`

	PhaseTimeoutRaw string `yaml:"phase_timeout"`
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Automation.MaxParallel < 0 {
		return fmt.Errorf("automation.max_parallel must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.HeartbeatCheckIntervalRaw, &cfg.Agents.HeartbeatCheckInterval, "heartbeat_check_interval"},
		{cfg.Agents.LivenessTimeoutRaw, &cfg.Agents.LivenessTimeout, "liveness_timeout"},
		{cfg.Agents.ReconcileIntervalRaw, &cfg.Agents.ReconcileInterval, "reconcile_interval"},
		{cfg.Barriers.StepTimeoutRaw, &cfg.Barriers.StepTimeout, "step_timeout"},
		{cfg.Barriers.SweepIntervalRaw, &cfg.Barriers.SweepInterval, "sweep_interval"},
		{cfg.Barriers.ExpiryRaw, &cfg.Barriers.Expiry, "expiry"},
		{cfg.Automation.PhaseTimeoutRaw, &cfg.Automation.PhaseTimeout, "phase_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
