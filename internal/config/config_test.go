package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RELAYQ_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", cfg.WorkerCount)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.RetryPolicy != RetryPolicyPreserve {
		t.Errorf("RetryPolicy = %q, want preserve", cfg.RetryPolicy)
	}
	if cfg.StaleAfter() != 5*time.Minute {
		t.Errorf("StaleAfter = %v, want 5m", cfg.StaleAfter())
	}
	if cfg.SweepInterval() != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval())
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.PollInterval())
	}
	if cfg.DBPath == "" {
		t.Error("DBPath not defaulted")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RELAYQ_HOME", home)

	yaml := `
worker_count: 8
poll_interval_ms: 250
max_attempts: 5
retry_policy: reset
stale_after_seconds: 120
bind_addr: "0.0.0.0:9000"
max_queue_depth: 10
agent:
  command: "agent-runner"
  model: "sonnet"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("WorkerCount = %d, want 8", cfg.WorkerCount)
	}
	if cfg.PollIntervalMS != 250 {
		t.Errorf("PollIntervalMS = %d, want 250", cfg.PollIntervalMS)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.RetryPolicy != RetryPolicyReset {
		t.Errorf("RetryPolicy = %q, want reset", cfg.RetryPolicy)
	}
	if cfg.StaleAfterSeconds != 120 {
		t.Errorf("StaleAfterSeconds = %d, want 120", cfg.StaleAfterSeconds)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Agent.Command != "agent-runner" || cfg.Agent.Model != "sonnet" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYQ_HOME", t.TempDir())
	t.Setenv("RELAYQ_WORKER_COUNT", "2")
	t.Setenv("RELAYQ_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("RELAYQ_API_KEY", "test-key")
	t.Setenv("RELAYQ_RETRY_POLICY", "reset")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", cfg.WorkerCount)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.RetryPolicy != RetryPolicyReset {
		t.Errorf("RetryPolicy = %q, want reset", cfg.RetryPolicy)
	}
}

func TestNormalize_BadRetryPolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryPolicy = "sometimes"
	normalize(&cfg)
	if cfg.RetryPolicy != RetryPolicyPreserve {
		t.Errorf("RetryPolicy = %q, want preserve", cfg.RetryPolicy)
	}
}

func TestMasterKey_ResolvesEnv(t *testing.T) {
	cfg := defaultConfig()
	cfg.MasterKeyEnv = "RELAYQ_TEST_MASTER_KEY"
	t.Setenv("RELAYQ_TEST_MASTER_KEY", "hunter2")
	if got := cfg.MasterKey(); got != "hunter2" {
		t.Errorf("MasterKey = %q", got)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.WorkerCount = 16
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs produced identical fingerprints")
	}
}
