// ABOUTME: Tests for warm agent TOML configuration loading.
// ABOUTME: Covers defaults, duration parsing, and required-field validation.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgentConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warm-agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeAgentConfig(t, `
orchestrator_url = "ws://localhost:8080"
computer_id = "comp-1"
token = "jwt-token"
`))
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080", cfg.OrchestratorURL)
	assert.Equal(t, "comp-1", cfg.ComputerID)
	assert.Equal(t, defaultMaxConcurrent, cfg.MaxConcurrentExecutions)
	assert.Equal(t, defaultMaxBrowsers, cfg.MaxBrowsers)
	assert.Equal(t, defaultHeartbeatInterval, cfg.heartbeatInterval)
	assert.Equal(t, defaultActionTimeout, cfg.actionTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeAgentConfig(t, `
orchestrator_url = "wss://fleet.example.com"
computer_id = "comp-9"
token = "jwt-token"
max_concurrent_executions = 3
max_browsers = 20
heartbeat_interval = "10s"
action_timeout = "2m"
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 20, cfg.MaxBrowsers)
	assert.Equal(t, 10*time.Second, cfg.heartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.actionTimeout)
}

func TestLoadConfigMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing url", "computer_id = \"c\"\ntoken = \"t\"\n", "orchestrator_url"},
		{"missing computer id", "orchestrator_url = \"ws://x\"\ntoken = \"t\"\n", "computer_id"},
		{"missing token", "orchestrator_url = \"ws://x\"\ncomputer_id = \"c\"\n", "token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeAgentConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	_, err := LoadConfig(writeAgentConfig(t, `
orchestrator_url = "ws://x"
computer_id = "c"
token = "t"
heartbeat_interval = "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/warm-agent.toml")
	assert.Error(t, err)
}
