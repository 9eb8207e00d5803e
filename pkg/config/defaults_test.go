package config

import (
	"testing"
	"time"

	"github.com/marmos91/dittorpc/pkg/adapter/object"
	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/protocol"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_LevelNormalization(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Server.Metrics.Port)
	}
}

func TestApplyDefaults_ThreadPool(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	tp := cfg.ThreadPool
	if tp.Size != 4 {
		t.Errorf("Expected default size 4, got %d", tp.Size)
	}
	if tp.SizeMax != 16 {
		t.Errorf("Expected default size_max 16, got %d", tp.SizeMax)
	}
	if tp.SizeWarn != 12 {
		t.Errorf("Expected default size_warn 12, got %d", tp.SizeWarn)
	}
	if tp.MessageSizeMax != protocol.DefaultMessageSizeMax {
		t.Errorf("Expected default message_size_max %d, got %d", protocol.DefaultMessageSizeMax, tp.MessageSizeMax)
	}
	if tp.PollTimeout != 0 {
		t.Errorf("Expected poll_timeout 0, got %v", tp.PollTimeout)
	}
}

func TestApplyDefaults_Store(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Store.Type != "memory" {
		t.Errorf("Expected default store type 'memory', got %q", cfg.Store.Type)
	}
	if cfg.Store.Badger == nil {
		t.Fatal("Expected Badger map to be initialized")
	}
	if path := cfg.Store.Badger["db_path"]; path != "/tmp/dittorpc-store" {
		t.Errorf("Expected default badger db_path '/tmp/dittorpc-store', got %v", path)
	}
	if prefix := cfg.Store.S3["key_prefix"]; prefix != "dittorpc/" {
		t.Errorf("Expected default s3 key_prefix 'dittorpc/', got %v", prefix)
	}
}

func TestApplyDefaults_Evictor(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Evictor.Size != evictor.DefaultSize {
		t.Errorf("Expected default evictor size %d, got %d", evictor.DefaultSize, cfg.Evictor.Size)
	}
	if cfg.Evictor.PersistenceMode != "eviction" {
		t.Errorf("Expected default persistence mode 'eviction', got %q", cfg.Evictor.PersistenceMode)
	}
}

func TestApplyDefaults_Adapters(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if len(cfg.Adapters) != 1 {
		t.Fatalf("Expected one default adapter, got %d", len(cfg.Adapters))
	}
	a := cfg.Adapters[0]
	if a.Name != "default" || a.Port != 4061 {
		t.Errorf("Expected adapter default:4061, got %s:%d", a.Name, a.Port)
	}
	if a.WriteTimeout != 30*time.Second || a.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected adapter defaults applied, got write=%v idle=%v", a.WriteTimeout, a.IdleTimeout)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging:    LoggingConfig{Level: "WARN", Format: "json", Output: "/var/log/dittorpc.log"},
		Server:     ServerConfig{ShutdownTimeout: time.Minute, Metrics: MetricsConfig{Port: 9191}},
		ThreadPool: ThreadPoolConfig{Size: 2, SizeMax: 3, SizeWarn: -1},
		Monitor:    MonitorConfig{Interval: time.Second},
		Store:      StoreConfig{Type: "badger", Badger: map[string]any{"db_path": "/data"}},
		Evictor:    EvictorConfig{Size: 500, PersistenceMode: "mutation"},
		Adapters: []object.Config{{
			Name:        "custom",
			Port:        5000,
			ReadTimeout: time.Second,
			Retry:       object.RetryConfig{MaxAttempts: 1},
		}},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" || cfg.Logging.Format != "json" || cfg.Logging.Output != "/var/log/dittorpc.log" {
		t.Errorf("Logging values were overwritten: %+v", cfg.Logging)
	}
	if cfg.Server.ShutdownTimeout != time.Minute || cfg.Server.Metrics.Port != 9191 {
		t.Errorf("Server values were overwritten: %+v", cfg.Server)
	}
	if cfg.ThreadPool.Size != 2 || cfg.ThreadPool.SizeMax != 3 || cfg.ThreadPool.SizeWarn != -1 {
		t.Errorf("Thread pool values were overwritten: %+v", cfg.ThreadPool)
	}
	if cfg.Monitor.Interval != time.Second {
		t.Errorf("Monitor interval was overwritten: %v", cfg.Monitor.Interval)
	}
	if cfg.Store.Badger["db_path"] != "/data" {
		t.Errorf("Badger path was overwritten: %v", cfg.Store.Badger["db_path"])
	}
	if cfg.Evictor.Size != 500 || cfg.Evictor.PersistenceMode != "mutation" {
		t.Errorf("Evictor values were overwritten: %+v", cfg.Evictor)
	}
	if len(cfg.Adapters) != 1 || cfg.Adapters[0].Name != "custom" {
		t.Fatalf("Adapters were replaced: %+v", cfg.Adapters)
	}
	if cfg.Adapters[0].ReadTimeout != time.Second || cfg.Adapters[0].Retry.MaxAttempts != 1 {
		t.Errorf("Adapter values were overwritten: %+v", cfg.Adapters[0])
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}
