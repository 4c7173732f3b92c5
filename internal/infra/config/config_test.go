package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 1*time.Second, cfg.Supervisor.BackoffBase)
	assert.Equal(t, 10, cfg.Dispatcher.WorkloadStep)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 1000, cfg.Messaging.QueueLimit)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	data := `
supervisor:
  command: worker
  max_restarts: 5
  backoff_base: 2s
  backoff_max: 1m
  startup_timeout: 10s
dispatcher:
  max_retries: 2
  workload_step: 20
directory:
  agents:
    - id: emp-1
      name: Ada
      role: engineer
      department: engineering
      skills: [go, sql]
      workload: 30
logger:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Supervisor.Command)
	assert.Equal(t, 5, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.BackoffBase)
	assert.Equal(t, 2, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 20, cfg.Dispatcher.WorkloadStep)
	require.Len(t, cfg.Directory.Agents, 1)
	assert.Equal(t, []string{"go", "sql"}, cfg.Directory.Agents[0].Skills)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_LOGGER_LEVEL", "error")
	t.Setenv("FOREMAN_SUPERVISOR_MAX_RESTARTS", "7")
	t.Setenv("FOREMAN_SUPERVISOR_BACKOFF_BASE", "250ms")
	t.Setenv("FOREMAN_GATEWAY_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "error", cfg.Logger.Level)
	assert.Equal(t, 7, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.BackoffBase)
	assert.True(t, cfg.Gateway.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"negative restarts", func(c *Config) { c.Supervisor.MaxRestarts = -1 }, "max_restarts"},
		{"backoff max below base", func(c *Config) { c.Supervisor.BackoffMax = c.Supervisor.BackoffBase / 2 }, "backoff_max"},
		{"zero workload step", func(c *Config) { c.Dispatcher.WorkloadStep = 0 }, "workload_step"},
		{"duplicate agent", func(c *Config) {
			c.Directory.Agents = []AgentConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicated"},
		{"workload out of range", func(c *Config) {
			c.Directory.Agents = []AgentConfig{{ID: "a", Workload: 120}}
		}, "workload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
