// Package testing provides a conformance suite for kv.Store implementations.
package testing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/store/kv"
)

// StoreTestSuite tests the kv.Store contract, not implementation details,
// so it can be reused across implementations.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &kvtesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) kv.Store { return mystore.New() },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) kv.Store

	// SkipConcurrency skips the concurrent increment test for stores where
	// it would be too slow (remote backends).
	SkipConcurrency bool
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("PutGet", suite.testPutGet)
	t.Run("Delete", suite.testDelete)
	t.Run("Iterate", suite.testIterate)
	t.Run("ReadYourWrites", suite.testReadYourWrites)
	t.Run("AbortOnError", suite.testAbortOnError)
	t.Run("ViewIsReadOnly", suite.testViewIsReadOnly)
	t.Run("Conflict", suite.testConflict)
	if !suite.SkipConcurrency {
		t.Run("ConcurrentIncrements", suite.testConcurrentIncrements)
	}
}

func (suite *StoreTestSuite) newStore(t *testing.T) kv.Store {
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, store kv.Store, key, value string) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(txn kv.Txn) error {
		return txn.Put([]byte(key), []byte(value))
	}))
}

func get(t *testing.T, store kv.Store, key string) (string, error) {
	t.Helper()
	var value []byte
	err := store.View(context.Background(), func(txn kv.Txn) error {
		v, err := txn.Get([]byte(key))
		value = v
		return err
	})
	return string(value), err
}

func (suite *StoreTestSuite) testGetMissing(t *testing.T) {
	store := suite.newStore(t)

	_, err := get(t, store, "missing")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	store := suite.newStore(t)

	put(t, store, "a", "1")
	v, err := get(t, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	put(t, store, "a", "2")
	v, err = get(t, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	put(t, store, "a", "1")
	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return txn.Delete([]byte("a"))
	}))

	_, err := get(t, store, "a")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return txn.Delete([]byte("never-existed"))
	}))
}

func (suite *StoreTestSuite) testIterate(t *testing.T) {
	store := suite.newStore(t)

	put(t, store, "o:c", "3")
	put(t, store, "o:a", "1")
	put(t, store, "o:b", "2")
	put(t, store, "x:a", "ignored")

	var keys, values []string
	require.NoError(t, store.View(context.Background(), func(txn kv.Txn) error {
		return txn.Iterate([]byte("o:"), func(key, value []byte) error {
			keys = append(keys, string(key))
			values = append(values, string(value))
			return nil
		})
	}))

	assert.Equal(t, []string{"o:a", "o:b", "o:c"}, keys)
	assert.Equal(t, []string{"1", "2", "3"}, values)

	stop := errors.New("stop")
	count := 0
	err := store.View(context.Background(), func(txn kv.Txn) error {
		return txn.Iterate([]byte("o:"), func(key, value []byte) error {
			count++
			return stop
		})
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}

func (suite *StoreTestSuite) testReadYourWrites(t *testing.T) {
	store := suite.newStore(t)

	put(t, store, "p:gone", "x")

	require.NoError(t, store.Update(context.Background(), func(txn kv.Txn) error {
		if err := txn.Put([]byte("p:new"), []byte("v")); err != nil {
			return err
		}
		if err := txn.Delete([]byte("p:gone")); err != nil {
			return err
		}

		v, err := txn.Get([]byte("p:new"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))

		_, err = txn.Get([]byte("p:gone"))
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)

		var keys []string
		require.NoError(t, txn.Iterate([]byte("p:"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		}))
		assert.Equal(t, []string{"p:new"}, keys)
		return nil
	}))
}

func (suite *StoreTestSuite) testAbortOnError(t *testing.T) {
	store := suite.newStore(t)
	boom := errors.New("boom")

	err := store.Update(context.Background(), func(txn kv.Txn) error {
		if err := txn.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = get(t, store, "a")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func (suite *StoreTestSuite) testViewIsReadOnly(t *testing.T) {
	store := suite.newStore(t)

	err := store.View(context.Background(), func(txn kv.Txn) error {
		return txn.Put([]byte("a"), []byte("1"))
	})
	assert.ErrorIs(t, err, kv.ErrReadOnly)
}

func (suite *StoreTestSuite) testConflict(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	put(t, store, "k", "0")

	err := store.Update(ctx, func(txn kv.Txn) error {
		if _, err := txn.Get([]byte("k")); err != nil {
			return err
		}

		// A concurrent transaction commits a change to the key we read.
		put(t, store, "k", "other")

		return txn.Put([]byte("k"), []byte("mine"))
	})
	assert.True(t, kv.IsConflict(err), "expected conflict, got %v", err)

	v, err := get(t, store, "k")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func (suite *StoreTestSuite) testConcurrentIncrements(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	put(t, store, "counter", "0")

	const workers = 8
	const perWorker = 10

	increment := func() error {
		for {
			err := store.Update(ctx, func(txn kv.Txn) error {
				raw, err := txn.Get([]byte("counter"))
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(string(raw))
				if err != nil {
					return err
				}
				return txn.Put([]byte("counter"), []byte(strconv.Itoa(n+1)))
			})
			if !kv.IsConflict(err) {
				return err
			}
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := increment(); err != nil {
					errs <- fmt.Errorf("increment: %w", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	v, err := get(t, store, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*perWorker), v)
}
