package metrics

import "time"

// AdapterMetrics provides observability for object adapter dispatch and
// connection lifecycle.
type AdapterMetrics interface {
	// RecordRequest records a completed request with its operation name,
	// reply status and duration.
	RecordRequest(operation, status string, duration time.Duration)

	// RecordRetry records a unit of work restarted after a store conflict.
	RecordRetry(operation string)

	// RecordRateLimited records a request rejected by admission control.
	RecordRateLimited()

	// RecordBytesTransferred records bytes read from or written to clients.
	// direction is "in" or "out".
	RecordBytesTransferred(direction string, bytes int)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	// reason is "peer", "idle", "error", "shutdown" or "rejected".
	RecordConnectionClosed(reason string)
}

// NewNoopAdapterMetrics returns an AdapterMetrics that records nothing.
func NewNoopAdapterMetrics() AdapterMetrics {
	return noopAdapterMetrics{}
}

type noopAdapterMetrics struct{}

func (noopAdapterMetrics) RecordRequest(operation, status string, duration time.Duration) {}
func (noopAdapterMetrics) RecordRetry(operation string)                                   {}
func (noopAdapterMetrics) RecordRateLimited()                                             {}
func (noopAdapterMetrics) RecordBytesTransferred(direction string, bytes int)             {}
func (noopAdapterMetrics) SetActiveConnections(count int32)                               {}
func (noopAdapterMetrics) RecordConnectionAccepted()                                      {}
func (noopAdapterMetrics) RecordConnectionClosed(reason string)                           {}
