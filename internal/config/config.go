package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mothlane/relayq/internal/otel"
)

// RetryPolicy controls what an explicit retry does with the attempt counter.
const (
	RetryPolicyPreserve = "preserve"
	RetryPolicyReset    = "reset"
)

// AgentConfig describes the external agent runner the agent executor drives.
// The command is spawned per turn and must emit JSONL chunks on stdout.
type AgentConfig struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Model    string   `yaml:"model"`
	MaxTurns int      `yaml:"max_turns"`
}

// RateLimitConfig bounds how often an identity may perform an action.
type RateLimitConfig struct {
	PerHour int `yaml:"per_hour"`
	PerDay  int `yaml:"per_day"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	PollIntervalMS     int    `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	// MaxAttempts is the default attempt bound for new tasks.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryPolicy is "preserve" (retry keeps the attempt counter and refuses
	// once the bound is reached) or "reset" (retry zeroes the counter, which
	// also revives dead tasks).
	RetryPolicy string `yaml:"retry_policy"`

	// StaleAfterSeconds is how long a claimed/running task may go without a
	// heartbeat before the recovery sweep re-queues it.
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// APIKey guards the HTTP API. Empty disables auth (local development).
	APIKey string `yaml:"api_key"`

	// MaxQueueDepth is the maximum pending tasks before enqueue backpressure.
	// 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// StreamTimeoutSeconds is how long an event stream waits for the next
	// event before emitting a keepalive.
	StreamTimeoutSeconds int `yaml:"stream_timeout_seconds"`

	// DrainTimeoutSeconds bounds worker drain on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// MasterKeyEnv names the env var holding the secrets master key.
	MasterKeyEnv string `yaml:"master_key_env"`

	// Workspace is the root directory script tasks run under.
	Workspace string `yaml:"workspace"`

	DBPath string `yaml:"db_path"`

	DefaultTenant string `yaml:"default_tenant"`

	Agent      AgentConfig                `yaml:"agent"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Telemetry  otel.Config                `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		WorkerCount:              4,
		PollIntervalMS:           500,
		TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
		BindAddr:                 "127.0.0.1:18980",
		LogLevel:                 "info",
		MaxAttempts:              3,
		RetryPolicy:              RetryPolicyPreserve,
		StaleAfterSeconds:        int((5 * time.Minute).Seconds()),
		SweepIntervalSeconds:     60,
		HeartbeatIntervalSeconds: 10,
		MaxQueueDepth:            100,
		StreamTimeoutSeconds:     30,
		DrainTimeoutSeconds:      5,
		MasterKeyEnv:             "RELAYQ_MASTER_KEY",
		DefaultTenant:            "default",
	}
}

func HomeDir() string {
	if override := os.Getenv("RELAYQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relayq")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relayq home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 500
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18980"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryPolicy != RetryPolicyPreserve && cfg.RetryPolicy != RetryPolicyReset {
		cfg.RetryPolicy = RetryPolicyPreserve
	}
	if cfg.StaleAfterSeconds <= 0 {
		cfg.StaleAfterSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 10
	}
	if cfg.StreamTimeoutSeconds <= 0 {
		cfg.StreamTimeoutSeconds = 30
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MasterKeyEnv == "" {
		cfg.MasterKeyEnv = "RELAYQ_MASTER_KEY"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relayq.db")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	if cfg.Agent.MaxTurns <= 0 {
		cfg.Agent.MaxTurns = 50
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAYQ_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("RELAYQ_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("RELAYQ_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("RELAYQ_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RELAYQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAYQ_API_KEY"); raw != "" {
		cfg.APIKey = raw
	}
	if raw := os.Getenv("RELAYQ_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("RELAYQ_RETRY_POLICY"); raw != "" {
		cfg.RetryPolicy = raw
	}
	if raw := os.Getenv("RELAYQ_STALE_AFTER_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleAfterSeconds = v
		}
	}
	if raw := os.Getenv("RELAYQ_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
}

// MasterKey resolves the secrets master key from the configured env var.
func (c Config) MasterKey() string {
	return os.Getenv(c.MasterKeyEnv)
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the tunable runtime knobs, logged on
// startup and whenever the watcher sees config.yaml change, so operators can
// tell whether the on-disk file matches the running process.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|timeout=%d|attempts=%d|retry=%s|stale=%d|bind=%s|log=%s|depth=%d",
		c.WorkerCount, c.PollIntervalMS, c.TaskTimeoutSeconds, c.MaxAttempts,
		c.RetryPolicy, c.StaleAfterSeconds, c.BindAddr, c.LogLevel, c.MaxQueueDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
