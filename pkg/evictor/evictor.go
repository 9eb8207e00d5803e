// Package evictor implements a servant locator that keeps a bounded number
// of persistent servants in memory, backed by a transactional kv.Store.
//
// At most one instance exists per identity. Entries are ordered by recency
// of use; when the cache grows beyond its size, the least recently used
// entries that have no requests in flight are evicted. Entries with
// requests in flight are never evicted, so the cache may temporarily
// exceed its size.
//
// All store I/O happens without the evictor lock held. Races this opens
// are closed by four side tables:
//   - saving: evicted entries whose state is still being written; a Locate
//     for such an identity takes the same instance back instead of
//     reloading stale state
//   - tombstones: identities whose store record is being deleted; they
//     are reported as not found
//   - loading: pin counts of requests waiting on a load; a load that
//     raced with a destroy is discarded and the Locate retried, which is
//     detected through a per-identity destroy generation
//   - creating: identities whose record is being committed by CreateObject;
//     a concurrent create or destroy of them fails with a retryable error
//
// Persistence modes:
//   - SaveUponEviction: state is written when an entry leaves the cache and
//     when the evictor is deactivated
//   - SaveAfterMutatingOperation: state is also written in Finished after
//     every rpc.Normal request, before its usage count is released
//
// Store conflicts surface as rpc.CodeRetry errors so that the caller can
// restart the whole unit of work.
package evictor

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/rpc"
	"github.com/marmos91/dittorpc/pkg/store/kv"
)

// PersistenceMode selects when servant state is written back to the store.
type PersistenceMode int

const (
	// SaveUponEviction writes state when an entry is evicted or the
	// evictor is deactivated
	SaveUponEviction PersistenceMode = iota

	// SaveAfterMutatingOperation writes state after every request whose
	// operation mode is rpc.Normal
	SaveAfterMutatingOperation
)

// ParsePersistenceMode maps "eviction" and "mutation" to a PersistenceMode.
func ParsePersistenceMode(s string) (PersistenceMode, error) {
	switch s {
	case "", "eviction":
		return SaveUponEviction, nil
	case "mutation":
		return SaveAfterMutatingOperation, nil
	}
	return 0, fmt.Errorf("unknown persistence mode %q", s)
}

// DefaultSize is the cache size used when Config.Size is zero.
const DefaultSize = 10

// keyPrefix namespaces servant records in the store.
var keyPrefix = []byte("o:")

func storeKey(id rpc.Identity) []byte {
	return append(append([]byte(nil), keyPrefix...), id.Key()...)
}

// Config configures an Evictor.
type Config struct {
	// Name identifies the evictor in logs and metrics
	Name string

	// Size is the number of idle entries kept in memory (0 means DefaultSize)
	Size int

	// PersistenceMode selects when state is saved
	PersistenceMode PersistenceMode

	// Compress stores state snappy-compressed
	Compress bool

	// Trace enables debug logging: 1 for loads, saves and evictions,
	// 2 adds every locate and finished
	Trace int
}

// ServantInitializer is called after a servant has been loaded from the
// store and before it serves its first request.
type ServantInitializer func(ctx context.Context, id rpc.Identity, servant rpc.Servant)

// Stats is a snapshot of evictor counters.
type Stats struct {
	Size      int
	Cached    int
	InUse     int
	Saving    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	id      rpc.Identity
	servant rpc.Servant
	elem    *list.Element

	// usage is the number of requests in flight against this entry
	usage int

	// destroyed marks the entry for removal once usage drops to zero
	destroyed bool

	// pendingSaves counts eviction saves not yet completed
	pendingSaves int

	// saveMu orders store writes for this entry
	saveMu sync.Mutex
}

// Evictor is an rpc.ServantLocator over a kv.Store.
//
// Lifecycle:
//  1. Creation: New() with the store and the codec of the servant type
//  2. Registration: ObjectAdapter.AddServantLocator(evictor, category)
//  3. Use: Locate/Finished pairs driven by the adapter, plus the
//     management calls CreateObject, DestroyObject, SetSize and friends
//  4. Shutdown: Deactivate() when the servant manager is destroyed
//
// Invariants:
//   - entries and lru always hold the same set of entries; a mismatch is
//     corruption and panics
//   - an entry with usage > 0 is never evicted
//   - a destroyed entry is never handed to a new request
//
// Thread safety:
// All methods are safe for concurrent use. One mutex guards the tables;
// store I/O and codec calls run without it.
type Evictor struct {
	mu sync.Mutex

	cfg     Config
	store   kv.Store
	codec   Codec
	log     *logger.Logger
	metrics metrics.EvictorMetrics

	size        int
	entries     map[rpc.Identity]*entry
	lru         *list.List // front is most recently used
	saving      map[rpc.Identity]*entry
	tombstones  map[rpc.Identity]struct{}
	creating    map[rpc.Identity]struct{}
	loading     map[rpc.Identity]int
	destroyGen  map[rpc.Identity]uint64
	initializer ServantInitializer
	deactivated bool

	savesInFlight int
	savesDone     *sync.Cond

	loads singleflight.Group

	hits, misses, evictions uint64
}

// New creates an Evictor over store.
//
// Parameters:
//   - cfg: cache size, persistence mode, compression and tracing; a zero
//     Size selects DefaultSize
//   - store: transactional store holding one record per object
//   - codec: encodes and decodes servants of the cached type
//   - log: logger for traces and errors (nil uses the default logger)
//   - m: metrics sink (nil records nothing)
//
// Returns an error if store or codec is nil or cfg.Size is negative.
func New(cfg Config, store kv.Store, codec Codec, log *logger.Logger, m metrics.EvictorMetrics) (*Evictor, error) {
	if store == nil {
		return nil, fmt.Errorf("evictor: store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("evictor: codec is required")
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("evictor: negative size %d", cfg.Size)
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Name == "" {
		cfg.Name = "evictor"
	}
	if m == nil {
		m = metrics.NewNoopEvictorMetrics()
	}

	e := &Evictor{
		cfg:        cfg,
		store:      store,
		codec:      codec,
		log:        logger.Or(log),
		metrics:    m,
		size:       cfg.Size,
		entries:    make(map[rpc.Identity]*entry),
		lru:        list.New(),
		saving:     make(map[rpc.Identity]*entry),
		tombstones: make(map[rpc.Identity]struct{}),
		creating:   make(map[rpc.Identity]struct{}),
		loading:    make(map[rpc.Identity]int),
		destroyGen: make(map[rpc.Identity]uint64),
	}
	e.savesDone = sync.NewCond(&e.mu)
	return e, nil
}

func (e *Evictor) trace(level int, format string, args ...any) {
	if e.cfg.Trace >= level {
		e.log.Debug("Evictor %s: "+format, append([]any{e.cfg.Name}, args...)...)
	}
}

// InstallServantInitializer sets the hook run after every load, before the
// loaded servant serves its first request. It replaces any previous hook.
//
// Thread safety:
// Safe to call at any time; loads already in progress keep the hook they
// read.
func (e *Evictor) InstallServantInitializer(init ServantInitializer) {
	e.mu.Lock()
	e.initializer = init
	e.mu.Unlock()
}

// Locate implements rpc.ServantLocator.
//
// A cached entry is moved to the front of the LRU and pinned. Otherwise
// the record is loaded from the store; concurrent loads of one identity
// share a single read and a single servant instance. An entry evicted but
// still being saved is taken back as is.
//
// Returns:
//   - the servant and a cookie to pass to Finished on success
//   - a nil servant when no object exists or it has been destroyed
//   - rpc.CodeDeactivated after Deactivate
//   - a wrapped store or decode error otherwise
//
// Every successful Locate must be paired with exactly one Finished.
func (e *Evictor) Locate(ctx context.Context, current *rpc.Current) (rpc.Servant, rpc.Cookie, error) {
	id := current.ID

	for {
		e.mu.Lock()
		if e.deactivated {
			e.mu.Unlock()
			return nil, nil, rpc.Deactivated("evictor")
		}

		if ent, ok := e.entries[id]; ok {
			if ent.destroyed {
				e.mu.Unlock()
				return nil, nil, nil
			}
			ent.usage++
			e.lru.MoveToFront(ent.elem)
			e.hits++
			e.publishLocked()
			e.mu.Unlock()

			e.metrics.RecordHit()
			e.trace(2, "locate %s: cached", id)
			return ent.servant, ent, nil
		}

		// Record being deleted.
		if _, ok := e.tombstones[id]; ok {
			e.mu.Unlock()
			return nil, nil, nil
		}

		if ent, ok := e.saving[id]; ok {
			if ent.destroyed {
				e.mu.Unlock()
				return nil, nil, nil
			}
			// Evicted but still being written: take the same instance back.
			ent.usage = 1
			ent.elem = e.lru.PushFront(ent)
			e.entries[id] = ent
			e.hits++
			e.checkLocked()
			e.publishLocked()
			e.mu.Unlock()

			e.metrics.RecordHit()
			e.trace(1, "locate %s: resurrected while saving", id)
			return ent.servant, ent, nil
		}

		// Miss: pin the identity so it cannot be evicted before the load
		// lands, and remember the destroy generation to detect races.
		e.loading[id]++
		gen := e.destroyGen[id]
		e.misses++
		e.mu.Unlock()
		e.metrics.RecordMiss()

		servant, err := e.load(ctx, id, gen)

		e.mu.Lock()
		e.loading[id]--
		stale := e.destroyGen[id] != gen
		if e.loading[id] == 0 {
			delete(e.loading, id)
			delete(e.destroyGen, id)
		}

		if err != nil {
			e.mu.Unlock()
			if errors.Is(err, kv.ErrKeyNotFound) {
				return nil, nil, nil
			}
			return nil, nil, err
		}

		if stale {
			e.mu.Unlock()
			e.trace(1, "locate %s: load raced with destroy, retrying", id)
			continue
		}

		ent, ok := e.entries[id]
		if !ok {
			// Another waiter on the same load may have inserted it already.
			ent = &entry{id: id, servant: servant}
			ent.elem = e.lru.PushFront(ent)
			e.entries[id] = ent
		} else {
			e.lru.MoveToFront(ent.elem)
		}
		ent.usage++
		e.checkLocked()
		e.publishLocked()
		e.mu.Unlock()

		e.trace(2, "locate %s: loaded", id)
		return ent.servant, ent, nil
	}
}

// load reads and decodes id, collapsing concurrent loads of one identity
// within one destroy generation. The returned servant is shared by every
// caller that joined the load.
func (e *Evictor) load(ctx context.Context, id rpc.Identity, gen uint64) (rpc.Servant, error) {
	key := string(id.Key()) + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := e.loads.Do(key, func() (any, error) {
		// Callers joining this load must not be failed by the first
		// caller's cancellation.
		ctx := context.WithoutCancel(ctx)

		start := time.Now()
		var record []byte
		err := e.store.View(ctx, func(txn kv.Txn) error {
			var err error
			record, err = txn.Get(storeKey(id))
			return err
		})
		e.metrics.RecordStoreOp("load", time.Since(start), ignoreNotFound(err))
		if err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("evictor %s: load %s: %w", e.cfg.Name, id, err)
		}

		data, err := unframe(record)
		if err != nil {
			return nil, fmt.Errorf("evictor %s: load %s: %w", e.cfg.Name, id, err)
		}
		servant, err := e.codec.Decode(id, data)
		if err != nil {
			return nil, fmt.Errorf("evictor %s: decode %s: %w", e.cfg.Name, id, err)
		}

		e.mu.Lock()
		init := e.initializer
		e.mu.Unlock()
		if init != nil {
			init(ctx, id, servant)
		}

		e.trace(1, "loaded %s from store", id)
		return servant, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(rpc.Servant), nil
}

// Finished implements rpc.ServantLocator. It releases the pin taken by
// Locate.
//
// In SaveAfterMutatingOperation mode the servant is saved before its usage
// count is released when current.Mode is rpc.Normal. When the last request
// against a destroyed entry finishes, its record is deleted. The cache is
// then trimmed back to its size and the victims saved.
//
// Returns:
//   - nil on success
//   - a retryable rpc.Error when the save or delete hit a store conflict;
//     the servant state has already changed at that point
//   - rpc.CodeUsage if cookie was not returned by this evictor
//
// Panics if the usage count goes negative (Finished called twice).
func (e *Evictor) Finished(ctx context.Context, current *rpc.Current, servant rpc.Servant, cookie rpc.Cookie) error {
	ent, ok := cookie.(*entry)
	if !ok || ent == nil {
		return rpc.Errorf(rpc.CodeUsage, "evictor %s: finished with foreign cookie %T", e.cfg.Name, cookie)
	}

	var saveErr error
	if e.cfg.PersistenceMode == SaveAfterMutatingOperation && current.Mode == rpc.Normal {
		saveErr = e.save(ctx, ent, "save")
	}

	e.mu.Lock()
	ent.usage--
	if ent.usage < 0 {
		e.mu.Unlock()
		panic(fmt.Sprintf("evictor %s: negative usage count for %s", e.cfg.Name, ent.id))
	}

	var removed *entry
	if ent.usage == 0 && ent.destroyed && e.entries[ent.id] == ent {
		e.removeLocked(ent)
		e.tombstones[ent.id] = struct{}{}
		removed = ent
	}
	victims := e.evictLocked()
	e.checkLocked()
	e.publishLocked()
	e.mu.Unlock()

	e.trace(2, "finished %s", ent.id)

	var deleteErr error
	if removed != nil {
		deleteErr = e.deleteRecord(ctx, removed)
	}
	e.saveVictims(ctx, victims)

	return errors.Join(saveErr, deleteErr)
}

// Deactivate implements rpc.ServantLocator. It evicts every idle entry,
// waits for all pending saves and rejects further use of the evictor.
// Entries still in use are saved when their requests finish.
//
// Deactivate is idempotent: the servant manager of every adapter sharing
// this evictor may call it.
func (e *Evictor) Deactivate(category string) {
	e.mu.Lock()
	if e.deactivated {
		e.mu.Unlock()
		return
	}
	e.deactivated = true
	e.size = 0
	victims := e.evictLocked()
	e.checkLocked()
	e.publishLocked()
	e.mu.Unlock()

	e.log.Debug("Evictor %s: deactivating for category %q, flushing %d entries", e.cfg.Name, category, len(victims))
	e.saveVictims(context.Background(), victims)

	e.mu.Lock()
	for e.savesInFlight > 0 {
		e.savesDone.Wait()
	}
	e.mu.Unlock()
}

// CreateObject stores a new persistent object and caches servant for it.
//
// The record is committed before the servant is cached; the identity is
// pinned in between so a concurrent DestroyObject cannot remove a record
// that is about to be cached.
//
// Returns:
//   - nil once the record is committed and the servant cached
//   - rpc.CodeAlreadyRegistered if the object exists, cached or stored
//   - a retryable rpc.Error while a create or destroy of id is in progress
//     or on a store conflict
//   - rpc.CodeDeactivated after Deactivate
//   - rpc.CodeUsage for a nil servant
func (e *Evictor) CreateObject(ctx context.Context, id rpc.Identity, servant rpc.Servant) error {
	if servant == nil {
		return rpc.Errorf(rpc.CodeUsage, "evictor %s: nil servant for %s", e.cfg.Name, id)
	}

	e.mu.Lock()
	if e.deactivated {
		e.mu.Unlock()
		return rpc.Deactivated("evictor")
	}
	if ent, ok := e.entries[id]; ok {
		e.mu.Unlock()
		if ent.destroyed {
			return rpc.Retry(fmt.Errorf("destroy of %s in progress", id))
		}
		return rpc.AlreadyRegistered("object", id.String())
	}
	if _, ok := e.tombstones[id]; ok {
		e.mu.Unlock()
		return rpc.Retry(fmt.Errorf("destroy of %s in progress", id))
	}
	if ent, ok := e.saving[id]; ok {
		e.mu.Unlock()
		if ent.destroyed {
			return rpc.Retry(fmt.Errorf("destroy of %s in progress", id))
		}
		return rpc.AlreadyRegistered("object", id.String())
	}
	if _, ok := e.creating[id]; ok {
		e.mu.Unlock()
		return rpc.Retry(fmt.Errorf("creation of %s in progress", id))
	}
	// Pinned until the entry is cached so DestroyObject cannot slip between
	// the commit and the insert.
	e.creating[id] = struct{}{}
	e.mu.Unlock()

	record, err := e.encode(servant)
	if err != nil {
		e.unpinCreate(id)
		return err
	}

	start := time.Now()
	err = e.store.Update(ctx, func(txn kv.Txn) error {
		if _, err := txn.Get(storeKey(id)); err == nil {
			return rpc.AlreadyRegistered("object", id.String())
		} else if !errors.Is(err, kv.ErrKeyNotFound) {
			return err
		}
		return txn.Put(storeKey(id), record)
	})
	e.metrics.RecordStoreOp("create", time.Since(start), err)
	if err != nil {
		e.unpinCreate(id)
		return e.storeError("create", id, err)
	}

	e.mu.Lock()
	delete(e.creating, id)
	if _, ok := e.entries[id]; !ok {
		ent := &entry{id: id, servant: servant}
		ent.elem = e.lru.PushFront(ent)
		e.entries[id] = ent
	}
	victims := e.evictLocked()
	e.checkLocked()
	e.publishLocked()
	e.mu.Unlock()

	e.trace(1, "created %s", id)
	e.saveVictims(ctx, victims)
	return nil
}

func (e *Evictor) unpinCreate(id rpc.Identity) {
	e.mu.Lock()
	delete(e.creating, id)
	e.mu.Unlock()
}

// DestroyObject removes the persistent object for id.
//
// If requests are in flight against it, the object is marked destroyed:
// new Locate calls report it missing and the record is deleted when the
// last request finishes. Loads in flight are invalidated so they cannot
// resurrect the object.
//
// Returns:
//   - nil once the record is deleted or the deletion is deferred
//   - rpc.CodeObjectNotFound for an unknown or already destroyed identity
//   - a retryable rpc.Error while CreateObject of id is committing or on a
//     store conflict
//   - rpc.CodeDeactivated after Deactivate
func (e *Evictor) DestroyObject(ctx context.Context, id rpc.Identity) error {
	e.mu.Lock()
	if e.deactivated {
		e.mu.Unlock()
		return rpc.Deactivated("evictor")
	}
	if _, ok := e.tombstones[id]; ok {
		e.mu.Unlock()
		return rpc.ObjectNotFound(id)
	}
	if _, ok := e.creating[id]; ok {
		e.mu.Unlock()
		return rpc.Retry(fmt.Errorf("creation of %s in progress", id))
	}

	// Loads in flight may return the record being deleted.
	if e.loading[id] > 0 {
		e.destroyGen[id]++
	}

	if ent, ok := e.entries[id]; ok {
		if ent.destroyed {
			e.mu.Unlock()
			return rpc.ObjectNotFound(id)
		}
		ent.destroyed = true
		if ent.usage > 0 {
			e.mu.Unlock()
			e.trace(1, "destroy %s deferred until %d requests finish", id, ent.usage)
			return nil
		}
		e.removeLocked(ent)
		e.tombstones[id] = struct{}{}
		e.checkLocked()
		e.publishLocked()
		e.mu.Unlock()
		return e.deleteRecord(ctx, ent)
	}

	if ent, ok := e.saving[id]; ok {
		if ent.destroyed {
			e.mu.Unlock()
			return rpc.ObjectNotFound(id)
		}
		ent.destroyed = true
		e.tombstones[id] = struct{}{}
		e.mu.Unlock()
		return e.deleteRecord(ctx, ent)
	}

	e.tombstones[id] = struct{}{}
	e.mu.Unlock()

	start := time.Now()
	err := e.store.Update(ctx, func(txn kv.Txn) error {
		if _, err := txn.Get(storeKey(id)); err != nil {
			return err
		}
		return txn.Delete(storeKey(id))
	})
	e.metrics.RecordStoreOp("delete", time.Since(start), ignoreNotFound(err))

	e.mu.Lock()
	delete(e.tombstones, id)
	e.mu.Unlock()

	if errors.Is(err, kv.ErrKeyNotFound) {
		return rpc.ObjectNotFound(id)
	}
	if err != nil {
		return e.storeError("delete", id, err)
	}
	e.trace(1, "destroyed %s", id)
	return nil
}

// deleteRecord deletes the record of a removed entry and lifts its tombstone.
func (e *Evictor) deleteRecord(ctx context.Context, ent *entry) error {
	ent.saveMu.Lock()
	start := time.Now()
	err := e.store.Update(ctx, func(txn kv.Txn) error {
		return txn.Delete(storeKey(ent.id))
	})
	e.metrics.RecordStoreOp("delete", time.Since(start), err)
	ent.saveMu.Unlock()

	e.mu.Lock()
	delete(e.tombstones, ent.id)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("Evictor %s: failed to delete %s: %v", e.cfg.Name, ent.id, err)
		return e.storeError("delete", ent.id, err)
	}
	e.trace(1, "destroyed %s", ent.id)
	return nil
}

// SetSize changes the number of idle entries kept in memory. Shrinking
// evicts immediately.
//
// Returns:
//   - rpc.CodeUsage error for a negative size
//   - rpc.CodeDeactivated error after Deactivate
func (e *Evictor) SetSize(ctx context.Context, n int) error {
	if n < 0 {
		return rpc.Errorf(rpc.CodeUsage, "evictor %s: negative size %d", e.cfg.Name, n)
	}

	e.mu.Lock()
	if e.deactivated {
		e.mu.Unlock()
		return rpc.Deactivated("evictor")
	}
	e.size = n
	victims := e.evictLocked()
	e.checkLocked()
	e.publishLocked()
	e.mu.Unlock()

	e.saveVictims(ctx, victims)
	return nil
}

// Size returns the configured cache size.
func (e *Evictor) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// HasObject reports whether a live persistent object exists for id.
//
// Cached and pending entries are answered from memory; anything else is
// looked up in the store without loading the servant.
func (e *Evictor) HasObject(ctx context.Context, id rpc.Identity) (bool, error) {
	e.mu.Lock()
	if e.deactivated {
		e.mu.Unlock()
		return false, rpc.Deactivated("evictor")
	}
	if ent, ok := e.entries[id]; ok {
		e.mu.Unlock()
		return !ent.destroyed, nil
	}
	if _, ok := e.tombstones[id]; ok {
		e.mu.Unlock()
		return false, nil
	}
	if ent, ok := e.saving[id]; ok {
		e.mu.Unlock()
		return !ent.destroyed, nil
	}
	e.mu.Unlock()

	err := e.store.View(ctx, func(txn kv.Txn) error {
		_, err := txn.Get(storeKey(id))
		return err
	})
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, e.storeError("lookup", id, err)
	}
	return true, nil
}

// ForEach calls fn for every persistent object in ascending identity key
// order. Objects destroyed but still in use are skipped. Objects whose
// state has not been saved yet are reported from their last saved record.
func (e *Evictor) ForEach(ctx context.Context, fn func(id rpc.Identity) error) error {
	var ids []rpc.Identity
	err := e.store.View(ctx, func(txn kv.Txn) error {
		return txn.Iterate(keyPrefix, func(key, _ []byte) error {
			id, err := rpc.IdentityFromKey(key[len(keyPrefix):])
			if err != nil {
				e.log.Warn("Evictor %s: skipping malformed key %q", e.cfg.Name, key)
				return nil
			}
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("evictor %s: iterate: %w", e.cfg.Name, err)
	}

	for _, id := range ids {
		if e.isDestroyed(id) {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evictor) isDestroyed(id rpc.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tombstones[id]; ok {
		return true
	}
	if ent, ok := e.entries[id]; ok {
		return ent.destroyed
	}
	return false
}

// Stats returns a snapshot of the evictor's counters.
func (e *Evictor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Size:      e.size,
		Cached:    len(e.entries),
		InUse:     e.inUseLocked(),
		Saving:    len(e.saving),
		Hits:      e.hits,
		Misses:    e.misses,
		Evictions: e.evictions,
	}
}

// evictLocked removes least recently used idle entries until the cache is
// within size. Entries with requests in flight or pending loads are
// skipped. Victims that must be saved are returned and recorded in saving.
func (e *Evictor) evictLocked() []*entry {
	var victims []*entry

	for elem := e.lru.Back(); elem != nil && len(e.entries) > e.size; {
		prev := elem.Prev()
		ent := elem.Value.(*entry)

		// Busy entries stay, even if the cache ends up over size.
		if ent.usage == 0 && e.loading[ent.id] == 0 {
			e.removeLocked(ent)
			e.evictions++
			e.metrics.RecordEviction()

			// In mutation mode the record is already current.
			if e.cfg.PersistenceMode == SaveUponEviction && !ent.destroyed {
				ent.pendingSaves++
				e.saving[ent.id] = ent
				e.savesInFlight++
				victims = append(victims, ent)
			}
			e.trace(1, "evicted %s", ent.id)
		}
		elem = prev
	}
	return victims
}

// removeLocked drops ent from both the map and the LRU list.
func (e *Evictor) removeLocked(ent *entry) {
	e.lru.Remove(ent.elem)
	ent.elem = nil
	delete(e.entries, ent.id)
}

// saveVictims writes evicted entries and releases them from saving.
func (e *Evictor) saveVictims(ctx context.Context, victims []*entry) {
	for _, ent := range victims {
		if err := e.save(ctx, ent, "evict"); err != nil {
			e.log.Error("Evictor %s: failed to save evicted %s: %v", e.cfg.Name, ent.id, err)
		}

		e.mu.Lock()
		ent.pendingSaves--
		// A Locate may have taken the entry back meanwhile; it then stays
		// cached and only leaves saving.
		if ent.pendingSaves == 0 && e.saving[ent.id] == ent {
			delete(e.saving, ent.id)
		}
		e.savesInFlight--
		if e.savesInFlight == 0 {
			e.savesDone.Broadcast()
		}
		e.publishLocked()
		e.mu.Unlock()
	}
}

// save writes the current state of ent unless it has been destroyed.
// Writes for one entry are serialized so the last encode is the last write.
func (e *Evictor) save(ctx context.Context, ent *entry, op string) error {
	ent.saveMu.Lock()
	defer ent.saveMu.Unlock()

	e.mu.Lock()
	destroyed := ent.destroyed
	e.mu.Unlock()
	if destroyed {
		return nil
	}

	// Encoded under saveMu so concurrent saves cannot reorder states.
	record, err := e.encode(ent.servant)
	if err != nil {
		return err
	}

	start := time.Now()
	err = e.store.Update(ctx, func(txn kv.Txn) error {
		return txn.Put(storeKey(ent.id), record)
	})
	e.metrics.RecordStoreOp("save", time.Since(start), err)
	if err != nil {
		return e.storeError(op, ent.id, err)
	}
	e.trace(1, "saved %s (%s)", ent.id, op)
	return nil
}

// encode serializes servant, holding its read lock when it has one, and
// frames the result.
func (e *Evictor) encode(servant rpc.Servant) ([]byte, error) {
	if locker, ok := servant.(StateLocker); ok {
		locker.RLock()
		defer locker.RUnlock()
	}
	data, err := e.codec.Encode(servant)
	if err != nil {
		return nil, fmt.Errorf("evictor %s: encode: %w", e.cfg.Name, err)
	}
	return frame(data, e.cfg.Compress), nil
}

// storeError wraps store failures; conflicts become retryable.
func (e *Evictor) storeError(op string, id rpc.Identity, err error) error {
	if _, ok := rpc.CodeOf(err); ok {
		return err
	}
	if kv.IsConflict(err) {
		return rpc.Retry(fmt.Errorf("evictor %s: %s %s: %w", e.cfg.Name, op, id, err))
	}
	return fmt.Errorf("evictor %s: %s %s: %w", e.cfg.Name, op, id, err)
}

// inUseLocked counts cached entries with requests in flight.
func (e *Evictor) inUseLocked() int {
	n := 0
	for _, ent := range e.entries {
		if ent.usage > 0 {
			n++
		}
	}
	return n
}

func (e *Evictor) publishLocked() {
	e.metrics.SetCached(len(e.entries), e.inUseLocked())
}

// checkLocked panics if the cache map and LRU list disagree.
func (e *Evictor) checkLocked() {
	if len(e.entries) != e.lru.Len() {
		panic(fmt.Sprintf("evictor %s: cache map has %d entries but LRU list has %d",
			e.cfg.Name, len(e.entries), e.lru.Len()))
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	return err
}
