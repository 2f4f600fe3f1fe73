package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  url: "redis://localhost:6379"
  namespace: "staging"
runtime:
  worker_count: 8
`)
	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Redis.Namespace != "staging" {
		t.Errorf("namespace = %q", cfg.Redis.Namespace)
	}
	if cfg.Runtime.WorkerCount != 8 {
		t.Errorf("worker count = %d", cfg.Runtime.WorkerCount)
	}
	// Untouched sections keep their defaults.
	if cfg.Runtime.LeaseTTL != 30*time.Second {
		t.Errorf("lease ttl = %s", cfg.Runtime.LeaseTTL)
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  url: "redis://localhost:6379"
  pool_size: 10
`)
	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  url: "redis://from-file:6379"
runtime:
  worker_count: 3
`)
	t.Setenv("LOOM_CONFIG_PATH", path)
	t.Setenv("LOOM_REDIS_URL", "redis://from-env:6379")
	t.Setenv("LOOM_WORKER_COUNT", "7")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Redis.URL != "redis://from-env:6379" {
		t.Errorf("redis url = %q, want the env value", cfg.Redis.URL)
	}
	if cfg.Runtime.WorkerCount != 7 {
		t.Errorf("worker count = %d, want 7", cfg.Runtime.WorkerCount)
	}
}

func TestOptionsWinOverEnv(t *testing.T) {
	t.Setenv("LOOM_REDIS_URL", "redis://from-env:6379")

	cfg, err := NewConfig(WithRedisURL("redis://from-option:6379"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Redis.URL != "redis://from-option:6379" {
		t.Errorf("redis url = %q, want the option value", cfg.Redis.URL)
	}
}

func TestConfigPathMissingFileFails(t *testing.T) {
	t.Setenv("LOOM_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := NewConfig(); err == nil {
		t.Fatal("expected a missing LOOM_CONFIG_PATH file to fail startup")
	}
}

func TestValidateListsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.WorkerCount = 0
	cfg.Queue.MaxAttempts = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
	for _, want := range []string{"runtime.worker_count", "queue.max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestValidateTelemetryNeedsEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.Enabled = true

	err := cfg.Validate()
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("error = %v, want ErrConfigMissing", err)
	}
	if !strings.Contains(err.Error(), "telemetry.otel_endpoint") {
		t.Errorf("error %q does not name the missing key", err.Error())
	}
}
