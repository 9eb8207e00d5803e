package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittorpc/pkg/adapter/object"
	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/protocol"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyThreadPoolDefaults(&cfg.ThreadPool)
	applyMonitorDefaults(&cfg.Monitor)
	applyStoreDefaults(&cfg.Store)
	applyEvictorDefaults(&cfg.Evictor)

	// Add default adapter if none configured
	if len(cfg.Adapters) == 0 {
		cfg.Adapters = []object.Config{{Name: "default", Port: 4061}}
	}
	for i := range cfg.Adapters {
		cfg.Adapters[i].ApplyDefaults()
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyThreadPoolDefaults(cfg *ThreadPoolConfig) {
	if cfg.Size == 0 {
		cfg.Size = 4
	}
	if cfg.SizeMax == 0 {
		cfg.SizeMax = cfg.Size * 4
	}
	if cfg.SizeWarn == 0 {
		cfg.SizeWarn = cfg.SizeMax * 80 / 100
	}
	if cfg.MessageSizeMax == 0 {
		cfg.MessageSizeMax = protocol.DefaultMessageSizeMax
	}
	// PollTimeout defaults to 0 (wait indefinitely)
}

func applyMonitorDefaults(cfg *MonitorConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
}

// applyStoreDefaults sets store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	// Apply defaults for all store types (for config file generation)
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittorpc-store"
	}
	if _, ok := cfg.S3["key_prefix"]; !ok {
		cfg.S3["key_prefix"] = "dittorpc/"
	}
}

func applyEvictorDefaults(cfg *EvictorConfig) {
	if cfg.Size == 0 {
		cfg.Size = evictor.DefaultSize
	}
	if cfg.PersistenceMode == "" {
		cfg.PersistenceMode = "eviction"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Metrics: MetricsConfig{Enabled: false},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
