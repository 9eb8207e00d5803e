package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/store/kv"
)

// BadgerStore is a kv.Store backed by BadgerDB.
//
// BadgerDB provides serializable snapshot isolation: a read-write
// transaction that read a key modified by a concurrently committed
// transaction fails to commit with badger.ErrConflict, which is reported as
// kv.ErrConflict.
type BadgerStore struct {
	db *badger.DB
}

// BadgerStoreConfig contains configuration for the BadgerDB store.
type BadgerStoreConfig struct {
	// DBPath is the directory where BadgerDB stores its files
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (DBPath is ignored)
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every commit
	SyncWrites bool `mapstructure:"sync_writes"`

	// BlockCacheSizeMB is the block cache size in MB (0 keeps the BadgerDB default)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is the index cache size in MB (0 keeps the BadgerDB default)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// New opens (or creates) a BadgerDB database.
func New(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DBPath == "" {
			return nil, fmt.Errorf("badger store: db_path is required")
		}
		opts = badger.DefaultOptions(config.DBPath)
	}

	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None) // servant state is compressed upstream when enabled
	opts = opts.WithSyncWrites(config.SyncWrites)

	if config.BlockCacheSizeMB > 0 {
		opts = opts.WithBlockCacheSize(config.BlockCacheSizeMB << 20)
	}
	if config.IndexCacheSizeMB > 0 {
		opts = opts.WithIndexCacheSize(config.IndexCacheSizeMB << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("Badger store opened: path=%q in_memory=%t", config.DBPath, config.InMemory)
	return &BadgerStore{db: db}, nil
}

// Update implements kv.Store.
func (s *BadgerStore) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	}))
}

// View implements kv.Store.
func (s *BadgerStore) View(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	}))
}

// Close implements kv.Store.
func (s *BadgerStore) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", kv.ErrConflict, err)
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%w: %v", kv.ErrKeyNotFound, err)
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return fmt.Errorf("%w: %v", kv.ErrReadOnly, err)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", kv.ErrClosed, err)
	default:
		return err
	}
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, mapError(err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Put(key, value []byte) error {
	return mapError(t.txn.Set(key, value))
}

func (t *badgerTxn) Delete(key []byte) error {
	return mapError(t.txn.Delete(key))
}

func (t *badgerTxn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			return fn(item.Key(), val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
