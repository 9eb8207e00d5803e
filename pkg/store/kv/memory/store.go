package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittorpc/pkg/store/kv"
)

// MemoryStore is an in-memory kv.Store with optimistic concurrency control.
//
// Every key carries a version that is bumped on each committed write or
// delete. A read-write transaction records the version of every key it
// reads; commit fails with kv.ErrConflict if any of them changed in the
// meantime. Keys enumerated by Iterate are recorded too, but keys inserted
// under the prefix by other transactions are not detected.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	versions map[string]uint64
	seq      uint64
	closed   bool
}

// New creates an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		versions: make(map[string]uint64),
	}
}

// Update implements kv.Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := &memoryTxn{
		store:  s,
		reads:  make(map[string]uint64),
		writes: make(map[string]*[]byte),
	}
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// View implements kv.Store.
func (s *MemoryStore) View(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTxn{store: s, readOnly: true})
}

// Close implements kv.Store. Closing twice is a no-op.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type memoryTxn struct {
	store    *MemoryStore
	readOnly bool

	// reads maps a key to the version observed when first read
	reads map[string]uint64

	// writes maps a key to its pending value; nil marks a delete
	writes map[string]*[]byte
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	k := string(key)

	if p, ok := t.writes[k]; ok {
		if p == nil {
			return nil, kv.ErrKeyNotFound
		}
		return bytes.Clone(*p), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	if t.store.closed {
		return nil, kv.ErrClosed
	}
	t.recordRead(k)

	v, ok := t.store.data[k]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

// recordRead must be called with the store lock held.
func (t *memoryTxn) recordRead(k string) {
	if t.readOnly {
		return
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = t.store.versions[k]
	}
}

func (t *memoryTxn) Put(key, value []byte) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.writes[string(key)] = &v
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *memoryTxn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	merged := make(map[string][]byte)

	t.store.mu.RLock()
	if t.store.closed {
		t.store.mu.RUnlock()
		return kv.ErrClosed
	}
	for k, v := range t.store.data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
			t.recordRead(k)
		}
	}
	t.store.mu.RUnlock()

	for k, pv := range t.writes {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if pv == nil {
			delete(merged, k)
		} else {
			merged[k] = *pv
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) commit() error {
	if len(t.writes) == 0 {
		return nil
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	for k, version := range t.reads {
		if s.versions[k] != version {
			return kv.ErrConflict
		}
	}

	for k, pv := range t.writes {
		s.seq++
		s.versions[k] = s.seq
		if pv == nil {
			delete(s.data, k)
		} else {
			s.data[k] = *pv
		}
	}
	return nil
}
