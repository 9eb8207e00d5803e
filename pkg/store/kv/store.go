// Package kv defines the transactional key/value store the evictor persists
// servant state into.
//
// Implementations:
//   - memory: in-process, optimistic concurrency control (tests, ephemeral servers)
//   - badger: BadgerDB (persistent, serializable snapshot isolation)
//   - s3: S3-compatible object storage with conditional writes
package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get for absent keys.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrConflict is returned by Store.Update when a concurrent transaction
	// changed data this transaction read. The whole unit of work should be
	// retried.
	ErrConflict = errors.New("kv: transaction conflict, retry")

	// ErrReadOnly is returned by mutating Txn methods inside Store.View.
	ErrReadOnly = errors.New("kv: read-only transaction")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is a transactional key/value store.
//
// Update runs fn in a read-write transaction and commits it if fn returns
// nil. View runs fn in a read-only transaction. The Txn must not be used
// after fn returns. Neither method retries on ErrConflict; callers decide.
type Store interface {
	Update(ctx context.Context, fn func(Txn) error) error
	View(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Txn is a single transaction. Reads observe the transaction's own writes.
type Txn interface {
	// Get returns a copy of the value stored under key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix in ascending key
	// order. Returning an error from fn stops the iteration and returns it.
	// Slices passed to fn are only valid during the call.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// IsConflict reports whether err is a transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
