package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/dittorpc/pkg/adapter/object"
	"github.com/marmos91/dittorpc/pkg/config"
)

// StoreType represents the kv store backing the evictor
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreBadger StoreType = "badger"
	StoreS3     StoreType = "s3"
)

// TestConfig holds the configuration for a test run
type TestConfig struct {
	Name            string
	Store           StoreType
	PersistenceMode string
	EvictorSize     int

	// S3-specific fields (set by localstack setup)
	s3Endpoint string
	s3Bucket   string
}

// String returns a string representation of the configuration
func (tc *TestConfig) String() string {
	return fmt.Sprintf("%s/%s", tc.Store, tc.PersistenceMode)
}

// ServerConfig builds the server configuration of this run. tempDir holds
// on-disk state.
func (tc *TestConfig) ServerConfig(tempDir string) (*config.Config, error) {
	cfg := config.GetDefaultConfig()

	// Always use ERROR level to keep test output clean
	cfg.Logging.Level = "ERROR"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.ThreadPool.Size = 2
	cfg.ThreadPool.SizeMax = 8
	cfg.ThreadPool.SizeWarn = -1
	cfg.Monitor.Interval = 100 * time.Millisecond

	cfg.Evictor.Size = tc.EvictorSize
	cfg.Evictor.PersistenceMode = tc.PersistenceMode
	cfg.Evictor.Compress = true

	adapter := object.Config{
		Name:            "e2e",
		Host:            "127.0.0.1",
		ShutdownTimeout: 5 * time.Second,
	}
	adapter.ApplyDefaults()
	cfg.Adapters = []object.Config{adapter}

	cfg.Store.Type = string(tc.Store)
	switch tc.Store {
	case StoreMemory:

	case StoreBadger:
		cfg.Store.Badger = map[string]any{"db_path": filepath.Join(tempDir, "objects.db")}

	case StoreS3:
		if tc.s3Bucket == "" {
			return nil, fmt.Errorf("s3 configuration %s has no bucket", tc.Name)
		}
		cfg.Store.S3 = map[string]any{
			"bucket":            tc.s3Bucket,
			"region":            "us-east-1",
			"endpoint":          tc.s3Endpoint,
			"access_key_id":     "test",
			"secret_access_key": "test",
			"key_prefix":        "e2e/",
		}

	default:
		return nil, fmt.Errorf("unknown store type: %s", tc.Store)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AllConfigurations returns every store and persistence mode combination.
// S3 runs only when LOCALSTACK_ENDPOINT is set.
func AllConfigurations() []*TestConfig {
	configs := []*TestConfig{
		{Name: "memory-eviction", Store: StoreMemory, PersistenceMode: "eviction", EvictorSize: 4},
		{Name: "memory-mutation", Store: StoreMemory, PersistenceMode: "mutation", EvictorSize: 4},
		{Name: "badger-eviction", Store: StoreBadger, PersistenceMode: "eviction", EvictorSize: 4},
		{Name: "badger-mutation", Store: StoreBadger, PersistenceMode: "mutation", EvictorSize: 4},
	}

	if os.Getenv("LOCALSTACK_ENDPOINT") != "" {
		configs = append(configs, &TestConfig{
			Name: "s3-mutation", Store: StoreS3, PersistenceMode: "mutation", EvictorSize: 4,
		})
	}
	return configs
}
