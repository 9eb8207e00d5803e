package config

import (
	"context"
	"strings"
	"testing"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/pkg/store/kv"
)

func TestCreateStore_Memory(t *testing.T) {
	store, err := CreateStore(context.Background(), &StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Update(ctx, func(txn kv.Txn) error { return txn.Put([]byte("k"), []byte("v")) }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestCreateStore_Badger(t *testing.T) {
	cfg := &StoreConfig{
		Type:   "badger",
		Badger: map[string]any{"db_path": t.TempDir()},
	}

	store, err := CreateStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create badger store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestCreateStore_BadgerMissingPath(t *testing.T) {
	cfg := &StoreConfig{Type: "badger", Badger: map[string]any{}}

	if _, err := CreateStore(context.Background(), cfg); err == nil {
		t.Fatal("Expected error for badger store without db_path")
	}
}

func TestCreateStore_S3MissingBucket(t *testing.T) {
	cfg := &StoreConfig{Type: "s3", S3: map[string]any{"region": "us-east-1"}}

	_, err := CreateStore(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for s3 store without bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestCreateStore_S3MissingRegion(t *testing.T) {
	cfg := &StoreConfig{Type: "s3", S3: map[string]any{"bucket": "objects"}}

	if _, err := CreateStore(context.Background(), cfg); err == nil {
		t.Fatal("Expected error for s3 store without region")
	}
}

func TestCreateStore_UnknownType(t *testing.T) {
	if _, err := CreateStore(context.Background(), &StoreConfig{Type: "postgres"}); err == nil {
		t.Fatal("Expected error for unknown store type")
	}
}

func TestCreateStore_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CreateStore(ctx, &StoreConfig{Type: "memory"}); err == nil {
		t.Fatal("Expected error with canceled context")
	}
}

func TestCreateThreadPool(t *testing.T) {
	cfg := GetDefaultConfig()
	pool, err := CreateThreadPool(&cfg.ThreadPool, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create thread pool: %v", err)
	}
	defer func() {
		pool.Destroy()
		pool.JoinWithAllThreads()
	}()

	if pool.MessageSizeMax() != cfg.ThreadPool.MessageSizeMax {
		t.Errorf("Expected message size max %d, got %d", cfg.ThreadPool.MessageSizeMax, pool.MessageSizeMax())
	}
}

func TestCreateEvictor(t *testing.T) {
	store, err := CreateStore(context.Background(), &StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	cfg := EvictorConfig{Size: 7, PersistenceMode: "mutation"}
	ev, err := CreateEvictor("counters", &cfg, store, counter.Codec(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create evictor: %v", err)
	}
	if ev.Size() != 7 {
		t.Errorf("Expected size 7, got %d", ev.Size())
	}

	cfg.PersistenceMode = "bogus"
	if _, err := CreateEvictor("counters", &cfg, store, counter.Codec(), nil, nil); err == nil {
		t.Error("Expected error for unknown persistence mode")
	}
}
