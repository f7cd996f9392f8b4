// ABOUTME: TOML configuration for the warm agent.
// ABOUTME: Connection settings, identity, and execution limits.

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the warm agent configuration, loaded from TOML.
type Config struct {
	// OrchestratorURL is the websocket base URL, e.g. ws://host:8080.
	OrchestratorURL string `toml:"orchestrator_url"`

	// ComputerID is this machine's roster id; it must match the token subject.
	ComputerID string `toml:"computer_id"`

	// Token is the JWT presented on connect.
	Token string `toml:"token"`

	MaxConcurrentExecutions int    `toml:"max_concurrent_executions"`
	MaxBrowsers             int    `toml:"max_browsers"`
	HeartbeatInterval       string `toml:"heartbeat_interval"`
	ActionTimeout           string `toml:"action_timeout"`

	heartbeatInterval time.Duration
	actionTimeout     time.Duration
}

// Defaults applied when the config omits tuning values.
const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultActionTimeout     = 60 * time.Second
	defaultMaxConcurrent     = 5
	defaultMaxBrowsers       = 10
)

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.OrchestratorURL == "" {
		return nil, fmt.Errorf("orchestrator_url is required")
	}
	if cfg.ComputerID == "" {
		return nil, fmt.Errorf("computer_id is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}

	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = defaultMaxConcurrent
	}
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = defaultMaxBrowsers
	}

	cfg.heartbeatInterval = defaultHeartbeatInterval
	if cfg.HeartbeatInterval != "" {
		d, err := time.ParseDuration(cfg.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.HeartbeatInterval, err)
		}
		cfg.heartbeatInterval = d
	}

	cfg.actionTimeout = defaultActionTimeout
	if cfg.ActionTimeout != "" {
		d, err := time.ParseDuration(cfg.ActionTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing action_timeout %q: %w", cfg.ActionTimeout, err)
		}
		cfg.actionTimeout = d
	}

	return &cfg, nil
}
