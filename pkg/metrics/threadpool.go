package metrics

import "time"

// ThreadPoolMetrics provides observability for the leader/follower thread pool.
type ThreadPoolMetrics interface {
	// SetThreads updates the running and in-use worker gauges.
	SetThreads(running, inUse int)

	// SetLoad updates the smoothed load estimate.
	SetLoad(load float64)

	// RecordDispatch records one handler dispatch and its outcome.
	RecordDispatch(duration time.Duration, err error)

	// RecordThreadStarted increments the spawned workers counter.
	RecordThreadStarted()

	// RecordThreadStopped increments the exited workers counter.
	RecordThreadStopped()

	// RecordSizeWarning increments the counter of in-use warnings.
	RecordSizeWarning()
}

// NewNoopThreadPoolMetrics returns a ThreadPoolMetrics that records nothing.
func NewNoopThreadPoolMetrics() ThreadPoolMetrics {
	return noopThreadPoolMetrics{}
}

type noopThreadPoolMetrics struct{}

func (noopThreadPoolMetrics) SetThreads(running, inUse int)                    {}
func (noopThreadPoolMetrics) SetLoad(load float64)                             {}
func (noopThreadPoolMetrics) RecordDispatch(duration time.Duration, err error) {}
func (noopThreadPoolMetrics) RecordThreadStarted()                             {}
func (noopThreadPoolMetrics) RecordThreadStopped()                             {}
func (noopThreadPoolMetrics) RecordSizeWarning()                               {}
