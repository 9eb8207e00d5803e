package config

import (
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/pkg/adapter/object"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_LogLevelCaseInsensitive(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "ERROR"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level
		if err := Validate(cfg); err != nil {
			t.Errorf("Level %q should be valid: %v", level, err)
		}
	}
}

func TestValidate_TagRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty output", func(c *Config) { c.Logging.Output = "" }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"metrics port", func(c *Config) { c.Server.Metrics.Port = 70000 }},
		{"thread pool size", func(c *Config) { c.ThreadPool.Size = 0 }},
		{"size max below size", func(c *Config) { c.ThreadPool.SizeMax = c.ThreadPool.Size - 1 }},
		{"message size max", func(c *Config) { c.ThreadPool.MessageSizeMax = 10 }},
		{"negative poll timeout", func(c *Config) { c.ThreadPool.PollTimeout = -time.Second }},
		{"monitor interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"store type", func(c *Config) { c.Store.Type = "postgres" }},
		{"evictor size", func(c *Config) { c.Evictor.Size = -1 }},
		{"persistence mode", func(c *Config) { c.Evictor.PersistenceMode = "never" }},
		{"trace level", func(c *Config) { c.Evictor.Trace = 3 }},
		{"adapter name", func(c *Config) { c.Adapters[0].Name = "" }},
		{"adapter port", func(c *Config) { c.Adapters[0].Port = -1 }},
		{"adapter max connections", func(c *Config) { c.Adapters[0].MaxConnections = -5 }},
		{"adapter shutdown timeout", func(c *Config) { c.Adapters[0].ShutdownTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidate_NoAdapters(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing adapters")
	}
	if !strings.Contains(err.Error(), "at least one adapter") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_DuplicateAdapterNames(t *testing.T) {
	cfg := GetDefaultConfig()
	second := cfg.Adapters[0]
	second.Port = 5000
	cfg.Adapters = append(cfg.Adapters, second)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate adapter names")
	}
	if !strings.Contains(err.Error(), "duplicate adapter name") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_DuplicateAdapterPorts(t *testing.T) {
	cfg := GetDefaultConfig()
	second := cfg.Adapters[0]
	second.Name = "other"
	cfg.Adapters = append(cfg.Adapters, second)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate adapter ports")
	}
	if !strings.Contains(err.Error(), "already used") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_EphemeralPortsMayRepeat(t *testing.T) {
	cfg := GetDefaultConfig()
	a := object.Config{Name: "a"}
	b := object.Config{Name: "b"}
	a.ApplyDefaults()
	b.ApplyDefaults()
	cfg.Adapters = []object.Config{a, b}

	if err := Validate(cfg); err != nil {
		t.Errorf("Port 0 adapters should be valid: %v", err)
	}
}

func TestValidate_MetricsPortClash(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Metrics.Enabled = true
	cfg.Server.Metrics.Port = cfg.Adapters[0].Port

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error when metrics and adapter share a port")
	}
}

func TestValidate_AdapterRetryIntervals(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters[0].Retry.InitialInterval = time.Second
	cfg.Adapters[0].Retry.MaxInterval = time.Millisecond

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for inverted retry intervals")
	}
	if !strings.Contains(err.Error(), "adapters[0]") {
		t.Errorf("Expected error to name the adapter, got: %v", err)
	}
}
