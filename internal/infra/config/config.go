package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DirectoryConfig seeds the agent directory.
type DirectoryConfig struct {
	Agents []AgentConfig `yaml:"agents"`
}

// AgentConfig defines one agent in the company directory.
type AgentConfig struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Role       string   `yaml:"role"`
	Department string   `yaml:"department"`
	Skills     []string `yaml:"skills"`
	Workload   int      `yaml:"workload"`
}

// SupervisorConfig holds process supervision settings. Spawn defaults
// apply when a caller does not supply its own spawn spec.
type SupervisorConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args,omitempty"`
	WorkDir        string        `yaml:"workdir"`
	MaxRestarts    int           `yaml:"max_restarts"`    // default 3
	BackoffBase    time.Duration `yaml:"backoff_base"`    // default 1s
	BackoffMax     time.Duration `yaml:"backoff_max"`     // default 30s
	StartupTimeout time.Duration `yaml:"startup_timeout"` // default 5s
	StopTimeout    time.Duration `yaml:"stop_timeout"`    // default 5s; SIGKILL after
}

// DispatcherConfig holds task dispatch settings.
type DispatcherConfig struct {
	MaxRetries       int           `yaml:"max_retries"`       // default 3
	WorkloadStep     int           `yaml:"workload_step"`     // default 10
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout"`  // default 10m; 0 disables
	WatchdogSchedule string        `yaml:"watchdog_schedule"` // cron expr or duration, default "1m"
}

// MessagingConfig holds message router settings.
type MessagingConfig struct {
	QueueLimit    int     `yaml:"queue_limit"`     // per-agent pending queue cap, default 1000
	RatePerSender float64 `yaml:"rate_per_sender"` // messages/sec per sender, default 50
	Burst         int     `yaml:"burst"`           // default 100
}

// StoreConfig holds audit store settings.
type StoreConfig struct {
	Path      string        `yaml:"path"`      // SQLite file; default "./data/foreman.db"
	Retention time.Duration `yaml:"retention"` // Prune cutoff, default 720h
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<file path>
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout|noop
}

// GatewayConfig holds the WebSocket/HTTP gateway settings.
type GatewayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"` // default "127.0.0.1:7700"
	AuthToken     string `yaml:"auth_token"`
	RatePerMinute int    `yaml:"rate_per_minute"` // HTTP rate limit, default 300
	Burst         int    `yaml:"burst"`           // default 50
}

// Config is the top-level application configuration.
type Config struct {
	Directory  DirectoryConfig  `yaml:"directory"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	Store      StoreConfig      `yaml:"store"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Command:        "agent-worker",
			WorkDir:        ".",
			MaxRestarts:    3,
			BackoffBase:    1 * time.Second,
			BackoffMax:     30 * time.Second,
			StartupTimeout: 5 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:       3,
			WorkloadStep:     10,
			WatchdogTimeout:  10 * time.Minute,
			WatchdogSchedule: "1m",
		},
		Messaging: MessagingConfig{
			QueueLimit:    1000,
			RatePerSender: 50,
			Burst:         100,
		},
		Store: StoreConfig{
			Path:      "./data/foreman.db",
			Retention: 720 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr:          "127.0.0.1:7700",
			RatePerMinute: 300,
			Burst:         50,
		},
	}
}

// Load reads the YAML config at path, applies FOREMAN_* environment
// overrides, and validates. A missing file is not an error; defaults
// plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides applies FOREMAN_* environment variables on top of
// the loaded configuration.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FOREMAN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FOREMAN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FOREMAN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FOREMAN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_COMMAND"); v != "" {
		cfg.Supervisor.Command = v
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_WORKDIR"); v != "" {
		cfg.Supervisor.WorkDir = v
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.MaxRestarts = n
		}
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.BackoffBase = d
		}
	}
	if v := os.Getenv("FOREMAN_SUPERVISOR_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.StartupTimeout = d
		}
	}
	if v := os.Getenv("FOREMAN_DISPATCHER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxRetries = n
		}
	}
	if v := os.Getenv("FOREMAN_DISPATCHER_WATCHDOG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.WatchdogTimeout = d
		}
	}
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FOREMAN_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("FOREMAN_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("FOREMAN_GATEWAY_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must be >= 0")
	}
	if cfg.Supervisor.BackoffBase <= 0 {
		return fmt.Errorf("supervisor.backoff_base must be positive")
	}
	if cfg.Supervisor.BackoffMax < cfg.Supervisor.BackoffBase {
		return fmt.Errorf("supervisor.backoff_max must be >= backoff_base")
	}
	if cfg.Supervisor.StartupTimeout <= 0 {
		return fmt.Errorf("supervisor.startup_timeout must be positive")
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must be >= 0")
	}
	if cfg.Dispatcher.WorkloadStep <= 0 || cfg.Dispatcher.WorkloadStep > 100 {
		return fmt.Errorf("dispatcher.workload_step must be in 1..100")
	}
	if cfg.Messaging.QueueLimit <= 0 {
		return fmt.Errorf("messaging.queue_limit must be positive")
	}
	seen := make(map[string]bool, len(cfg.Directory.Agents))
	for _, a := range cfg.Directory.Agents {
		if a.ID == "" {
			return fmt.Errorf("directory agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("directory agent %q duplicated", a.ID)
		}
		seen[a.ID] = true
		if a.Workload < 0 || a.Workload > 100 {
			return fmt.Errorf("directory agent %q workload out of range", a.ID)
		}
	}
	return nil
}
