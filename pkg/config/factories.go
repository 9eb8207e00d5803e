package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/store/kv"
	kvBadger "github.com/marmos91/dittorpc/pkg/store/kv/badger"
	kvMemory "github.com/marmos91/dittorpc/pkg/store/kv/memory"
	kvS3 "github.com/marmos91/dittorpc/pkg/store/kv/s3"
	"github.com/marmos91/dittorpc/pkg/threadpool"
)

// CreateStore creates a persistent store based on configuration.
//
// This factory function uses the Type field to determine which store implementation
// to create, then decodes the type-specific configuration from the corresponding
// map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": Uses pkg/store/kv/memory (ephemeral, for tests and demos)
//   - "badger": Uses pkg/store/kv/badger (BadgerDB storage, persistent)
//   - "s3": Uses pkg/store/kv/s3 (Amazon S3 or compatible storage)
func CreateStore(ctx context.Context, cfg *StoreConfig) (kv.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return kvMemory.New(), nil
	case "badger":
		return createBadgerStore(ctx, cfg.Badger)
	case "s3":
		return createS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, badger, s3)", cfg.Type)
	}
}

// createBadgerStore creates a BadgerDB-based persistent store.
func createBadgerStore(ctx context.Context, options map[string]any) (kv.Store, error) {
	var storeCfg kvBadger.BadgerStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}

	store, err := kvBadger.New(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}

	logger.Info("Badger store initialized: path=%s in_memory=%v", storeCfg.DBPath, storeCfg.InMemory)
	return store, nil
}

// s3StoreOptions is the s3 section of the store configuration.
type s3StoreOptions struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// createS3Store creates an S3-based store.
func createS3Store(ctx context.Context, options map[string]any) (kv.Store, error) {
	var storeCfg s3StoreOptions
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	client, err := newS3Client(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	store, err := kvS3.New(ctx, kvS3.S3StoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}

// newS3Client builds an S3 client from the store options.
func newS3Client(ctx context.Context, storeCfg s3StoreOptions) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Set credentials if provided, otherwise use default credential chain
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// CreateThreadPool creates the thread pool described by cfg.
func CreateThreadPool(cfg *ThreadPoolConfig, log *logger.Logger, m metrics.ThreadPoolMetrics) (*threadpool.ThreadPool, error) {
	return threadpool.New(threadpool.Config{
		Name:           "server",
		Size:           cfg.Size,
		SizeMax:        cfg.SizeMax,
		SizeWarn:       cfg.SizeWarn,
		MessageSizeMax: cfg.MessageSizeMax,
		PollTimeout:    cfg.PollTimeout,
	}, log, m)
}

// CreateEvictor creates an evictor named name over store.
func CreateEvictor(name string, cfg *EvictorConfig, store kv.Store, codec evictor.Codec, log *logger.Logger, m metrics.EvictorMetrics) (*evictor.Evictor, error) {
	mode, err := evictor.ParsePersistenceMode(cfg.PersistenceMode)
	if err != nil {
		return nil, err
	}
	return evictor.New(evictor.Config{
		Name:            name,
		Size:            cfg.Size,
		PersistenceMode: mode,
		Compress:        cfg.Compress,
		Trace:           cfg.Trace,
	}, store, codec, log, m)
}
