package adapter

import (
	"context"
)

// Adapter is a network endpoint that can be managed by a Server.
//
// Each adapter accepts connections on its own port and dispatches the
// requests it receives to servants. All adapters of a server share the
// server's thread pool and connection monitor.
//
// Lifecycle:
//  1. Creation: Adapter is created with its configuration
//  2. Attachment: the server hands it the shared thread pool and monitor
//  3. Startup: Serve() starts listening and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. Stop() may be called
// concurrently with Serve().
type Adapter interface {
	// Serve starts the adapter and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful shutdown:
	//   - Stop accepting new connections
	//   - Wait for in-flight requests to complete (with timeout)
	//   - Clean up resources
	//
	// If Serve returns before context cancellation, the Server treats it as
	// a fatal error and stops all other adapters.
	//
	// Returns:
	//   - nil or context.Canceled on graceful shutdown
	//   - error if startup fails or shutdown is not graceful
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown of the adapter.
	//
	// Implementations must:
	//   - Be safe to call multiple times (idempotent)
	//   - Be safe to call concurrently with Serve()
	//   - Respect the context timeout for shutdown operations
	//
	// Returns:
	//   - nil if shutdown completed successfully
	//   - error if shutdown exceeded timeout or encountered errors
	Stop(ctx context.Context) error

	// Protocol returns the adapter name for logging and metrics.
	//
	// The returned value should be constant for the lifecycle of the adapter.
	Protocol() string

	// Port returns the TCP port the adapter is listening on, or the
	// configured port before Serve() has bound it.
	Port() int
}
