package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/store/kv"
	kvtesting "github.com/marmos91/dittorpc/pkg/store/kv/testing"
)

func TestBadgerStore(t *testing.T) {
	suite := &kvtesting.StoreTestSuite{
		NewStore: func(t *testing.T) kv.Store {
			store, err := New(context.Background(), BadgerStoreConfig{DBPath: t.TempDir()})
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := New(context.Background(), BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(context.Background(), func(txn kv.Txn) error {
		return txn.Put([]byte("k"), []byte("v"))
	}))

	require.NoError(t, store.View(context.Background(), func(txn kv.Txn) error {
		v, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
		return nil
	}))
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(ctx, BadgerStoreConfig{DBPath: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return txn.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	store, err = New(ctx, BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		v, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
		return nil
	}))
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	_, err := New(context.Background(), BadgerStoreConfig{})
	assert.Error(t, err)
}
