package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/store/kv"
	kvtesting "github.com/marmos91/dittorpc/pkg/store/kv/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &kvtesting.StoreTestSuite{
		NewStore: func(t *testing.T) kv.Store { return New() },
	}
	suite.Run(t)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := New()
	require.NoError(t, store.Close())

	err := store.View(context.Background(), func(txn kv.Txn) error {
		_, err := txn.Get([]byte("a"))
		return err
	})
	assert.ErrorIs(t, err, kv.ErrClosed)

	err = store.Update(context.Background(), func(txn kv.Txn) error {
		return txn.Put([]byte("a"), []byte("1"))
	})
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Update(ctx, func(kv.Txn) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryStoreConflictOnReadAbsentKey(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.Update(ctx, func(txn kv.Txn) error {
		_, err := txn.Get([]byte("k"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)

		require.NoError(t, store.Update(ctx, func(other kv.Txn) error {
			return other.Put([]byte("k"), []byte("first"))
		}))

		return txn.Put([]byte("k"), []byte("second"))
	})
	assert.ErrorIs(t, err, kv.ErrConflict)
	assert.Equal(t, 1, store.Len())
}
