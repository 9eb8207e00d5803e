package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/dittorpc/pkg/adapter/object"
)

// Config represents the complete dittorpc configuration.
//
// This structure captures all configurable aspects of the server including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - The thread pool shared by every object adapter
//   - The connection monitor
//   - Persistent store selection and configuration (store-specific)
//   - The evictor caching persistent servants
//   - Object adapter definitions
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTORPC_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store implementation defines its own configuration type. The Store
// section contains type-specific sub-sections (store.badger, store.s3) and
// only the one matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// ThreadPool configures the leader/follower pool serving all adapters
	ThreadPool ThreadPoolConfig `mapstructure:"thread_pool" yaml:"thread_pool"`

	// Monitor configures the connection monitor
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`

	// Store specifies the persistent store type and type-specific configuration
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Evictor configures the servant cache in front of the store
	Evictor EvictorConfig `mapstructure:"evictor" yaml:"evictor"`

	// Adapters lists the object adapters to run
	Adapters []object.Config `mapstructure:"adapters" yaml:"adapters" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics and /healthz
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// ThreadPoolConfig mirrors threadpool.Config.
type ThreadPoolConfig struct {
	// Size is the number of workers kept running
	Size int `mapstructure:"size" yaml:"size" validate:"min=1"`

	// SizeMax caps the number of workers
	SizeMax int `mapstructure:"size_max" yaml:"size_max" validate:"gtefield=Size"`

	// SizeWarn logs a warning when this many workers are busy; negative disables
	SizeWarn int `mapstructure:"size_warn" yaml:"size_warn"`

	// MessageSizeMax bounds a single protocol message in bytes
	MessageSizeMax int `mapstructure:"message_size_max" yaml:"message_size_max" validate:"min=1024"`

	// PollTimeout bounds one wait of the leader; 0 waits indefinitely
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" validate:"min=0"`
}

// MonitorConfig configures the connection monitor.
type MonitorConfig struct {
	// Interval is the time between two sweeps over all connections
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,gt=0"`
}

// StoreConfig specifies persistent store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger s3"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// EvictorConfig mirrors evictor.Config.
type EvictorConfig struct {
	// Size is the number of idle servants kept in memory
	Size int `mapstructure:"size" yaml:"size" validate:"min=0"`

	// PersistenceMode selects when state is saved
	// Valid values: eviction, mutation
	PersistenceMode string `mapstructure:"persistence_mode" yaml:"persistence_mode" validate:"required,oneof=eviction mutation"`

	// Compress stores servant state snappy-compressed
	Compress bool `mapstructure:"compress" yaml:"compress"`

	// Trace enables evictor debug logging (0-2)
	Trace int `mapstructure:"trace" yaml:"trace" validate:"min=0,max=2"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTORPC_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTORPC_ prefix and underscores
	// Example: DITTORPC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTORPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Scalar sections are bound explicitly so env vars apply without a file.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittorpc/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.metrics.enabled",
	"server.metrics.port",
	"thread_pool.size",
	"thread_pool.size_max",
	"thread_pool.size_warn",
	"thread_pool.message_size_max",
	"thread_pool.poll_timeout",
	"monitor.interval",
	"store.type",
	"evictor.size",
	"evictor.persistence_mode",
	"evictor.compress",
	"evictor.trace",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittorpc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittorpc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
