package metrics

import "time"

// EvictorMetrics provides observability for the evictor's object cache.
//
// Example usage:
//
//	// With metrics enabled
//	ev, err := evictor.New(cfg, store, codec, log, prometheus.NewEvictorMetrics("counter"))
//
//	// Without metrics (no-op)
//	ev, err := evictor.New(cfg, store, codec, log, nil)
type EvictorMetrics interface {
	// RecordHit records a locate served from the cache.
	RecordHit()

	// RecordMiss records a locate that required a store load.
	RecordMiss()

	// RecordStoreOp records a persistent store operation ("load", "save",
	// "delete", "create") with its duration and outcome.
	RecordStoreOp(op string, duration time.Duration, err error)

	// RecordEviction records one entry evicted from the cache.
	RecordEviction()

	// SetCached updates the number of cached entries and of entries in use.
	SetCached(cached, inUse int)
}

// NewNoopEvictorMetrics returns an EvictorMetrics that records nothing.
func NewNoopEvictorMetrics() EvictorMetrics {
	return noopEvictorMetrics{}
}

type noopEvictorMetrics struct{}

func (noopEvictorMetrics) RecordHit()                                                 {}
func (noopEvictorMetrics) RecordMiss()                                                {}
func (noopEvictorMetrics) RecordStoreOp(op string, duration time.Duration, err error) {}
func (noopEvictorMetrics) RecordEviction()                                            {}
func (noopEvictorMetrics) SetCached(cached, inUse int)                                {}
