package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

store:
  type: "memory"

adapters:
  - name: "main"
    port: 4061
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if len(cfg.Adapters) != 1 {
		t.Fatalf("Expected 1 adapter, got %d", len(cfg.Adapters))
	}
	if cfg.Adapters[0].ReadTimeout != 250*time.Millisecond {
		t.Errorf("Expected default adapter read_timeout 250ms, got %v", cfg.Adapters[0].ReadTimeout)
	}
	if cfg.Adapters[0].Retry.MaxAttempts != 5 {
		t.Errorf("Expected default retry.max_attempts 5, got %d", cfg.Adapters[0].Retry.MaxAttempts)
	}
}

func TestLoad_AdapterSettings(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
adapters:
  - name: "public"
    host: "127.0.0.1"
    port: 4061
    max_connections: 50
    idle_timeout: 2m
    requests_per_second: 100
    burst: 20
    retry:
      max_attempts: 3
      initial_interval: 5ms
      max_interval: 100ms
  - name: "admin"
    port: 4062
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Adapters) != 2 {
		t.Fatalf("Expected 2 adapters, got %d", len(cfg.Adapters))
	}
	public := cfg.Adapters[0]
	if public.Host != "127.0.0.1" || public.Port != 4061 || public.MaxConnections != 50 {
		t.Errorf("Unexpected adapter endpoint: %+v", public)
	}
	if public.IdleTimeout != 2*time.Minute {
		t.Errorf("Expected idle_timeout 2m, got %v", public.IdleTimeout)
	}
	if public.RequestsPerSecond != 100 || public.Burst != 20 {
		t.Errorf("Expected rate 100/20, got %d/%d", public.RequestsPerSecond, public.Burst)
	}
	if public.Retry.MaxAttempts != 3 || public.Retry.InitialInterval != 5*time.Millisecond || public.Retry.MaxInterval != 100*time.Millisecond {
		t.Errorf("Unexpected retry settings: %+v", public.Retry)
	}
	if cfg.Adapters[1].Name != "admin" {
		t.Errorf("Expected second adapter 'admin', got %q", cfg.Adapters[1].Name)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A path inside a temp dir keeps the user's own config out of the test
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Expected default store type 'memory', got %q", cfg.Store.Type)
	}
	if len(cfg.Adapters) != 1 || cfg.Adapters[0].Port != 4061 {
		t.Errorf("Expected one default adapter on port 4061, got %+v", cfg.Adapters)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[store]
type = "memory"

[evictor]
size = 42
persistence_mode = "mutation"

[[adapters]]
name = "main"
port = 4070
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Evictor.Size != 42 || cfg.Evictor.PersistenceMode != "mutation" {
		t.Errorf("Unexpected evictor settings: %+v", cfg.Evictor)
	}
	if cfg.Adapters[0].Port != 4070 {
		t.Errorf("Expected port 4070, got %d", cfg.Adapters[0].Port)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
evictor:
  persistence_mode: "sometimes"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown persistence mode")
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.ThreadPool.Size != 4 || cfg.ThreadPool.SizeMax != 16 {
		t.Errorf("Expected thread pool 4/16, got %d/%d", cfg.ThreadPool.Size, cfg.ThreadPool.SizeMax)
	}
	if cfg.Monitor.Interval != 10*time.Second {
		t.Errorf("Expected monitor interval 10s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Server.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in an empty config dir")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	expected := filepath.Join(dir, "dittorpc", "config.yaml")
	if path := GetDefaultConfigPath(); path != expected {
		t.Errorf("Expected %q, got %q", expected, path)
	}
}

func TestGetConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", home)

	expected := filepath.Join(home, ".config", "dittorpc")
	if dir := GetConfigDir(); dir != expected {
		t.Errorf("Expected %q, got %q", expected, dir)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DITTORPC_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTORPC_THREAD_POOL_SIZE", "8")
	t.Setenv("DITTORPC_EVICTOR_PERSISTENCE_MODE", "mutation")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

thread_pool:
  size: 2
  size_max: 32
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.ThreadPool.Size != 8 {
		t.Errorf("Expected thread pool size 8 from env var, got %d", cfg.ThreadPool.Size)
	}
	if cfg.Evictor.PersistenceMode != "mutation" {
		t.Errorf("Expected persistence mode from env var without file entry, got %q", cfg.Evictor.PersistenceMode)
	}
}
