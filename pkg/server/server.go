package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/adapter"
	"github.com/marmos91/dittorpc/pkg/monitor"
	"github.com/marmos91/dittorpc/pkg/threadpool"
)

// DefaultShutdownTimeout bounds the Stop call of every adapter.
const DefaultShutdownTimeout = 30 * time.Second

// attachable is implemented by adapters served by the shared thread pool
// and connection monitor (object.ObjectAdapter).
type attachable interface {
	Attach(pool *threadpool.ThreadPool, mon *monitor.ConnectionMonitor)
}

// RPCServer manages the lifecycle of the object adapters of one process
// and of the thread pool and connection monitor they share.
//
// Lifecycle:
//  1. Creation: New() with the pool and monitor
//  2. Registration: AddAdapter() for each adapter
//  3. Startup: Serve() starts all adapters concurrently
//  4. Shutdown: context cancellation (or an adapter failure) stops the
//     adapters in reverse registration order, then destroys the monitor and
//     the pool and joins every pool worker
//
// Thread safety:
// RPCServer is safe for concurrent use. Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(pool, mon)
//	srv.AddAdapter(adapter)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type RPCServer struct {
	pool    *threadpool.ThreadPool
	monitor *monitor.ConnectionMonitor

	// adapters contains all registered adapters in registration order
	adapters []adapter.Adapter

	shutdownTimeout time.Duration

	// mu protects adapters and served
	mu     sync.RWMutex
	served bool
}

// New creates a server owning pool and mon. Both are destroyed when Serve
// returns.
//
// Panics if either is nil (indicates programmer error).
func New(pool *threadpool.ThreadPool, mon *monitor.ConnectionMonitor) *RPCServer {
	if pool == nil {
		panic("thread pool cannot be nil")
	}
	if mon == nil {
		panic("connection monitor cannot be nil")
	}

	return &RPCServer{
		pool:            pool,
		monitor:         mon,
		adapters:        make([]adapter.Adapter, 0, 2),
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetShutdownTimeout changes the time each adapter gets to stop.
func (s *RPCServer) SetShutdownTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// AddAdapter registers an adapter. Adapters served by the thread pool are
// attached to the server's pool and monitor.
//
// Duplicate adapter names and fixed-port conflicts return an error.
//
// Panics if the adapter is nil or Serve() has already been called.
func (s *RPCServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	name := a.Protocol()
	port := a.Port()
	for _, existing := range s.adapters {
		if existing.Protocol() == name {
			return fmt.Errorf("adapter %s already registered", name)
		}
		// Port 0 picks a free port at Serve time.
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	if att, ok := a.(attachable); ok {
		att.Attach(s.pool, s.monitor)
	}
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", name, port)
	return nil
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// Returns ctx.Err() after a shutdown triggered by cancellation, the
// adapter's error when one failed, or an error when nothing is registered.
// In every case the monitor and the pool are destroyed before Serve returns.
func (s *RPCServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("server: Serve() has already been called")
	}
	s.served = true
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	defer s.destroy()

	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting server with %d adapter(s)", len(adapters))

	// Buffered so every adapter goroutine can report without blocking
	errChan := make(chan adapterError, len(adapters))

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			name := a.Protocol()
			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", name, err)
					errChan <- adapterError{name: name, err: err}
				} else {
					logger.Debug("%s adapter stopped gracefully", name)
				}
			} else {
				logger.Info("%s adapter stopped", name)
			}
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.name, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.name, adapterErr.err)
	}

	s.stopAllAdapters(adapters)

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	return shutdownErr
}

// adapterError pairs an adapter name with its error for better error reporting.
type adapterError struct {
	name string
	err  error
}

// stopAllAdapters stops all adapters in reverse registration order.
func (s *RPCServer) stopAllAdapters(adapters []adapter.Adapter) {
	s.mu.RLock()
	timeout := s.shutdownTimeout
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		logger.Debug("Stopping %s adapter (port %d)", adp.Protocol(), adp.Port())

		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		}
	}
}

// destroy tears down the monitor and the pool once every adapter is gone.
func (s *RPCServer) destroy() {
	if err := s.monitor.Destroy(); err != nil {
		logger.Warn("Connection monitor: %v", err)
	}
	s.pool.Destroy()
	s.pool.JoinWithAllThreads()
	logger.Info("Server stopped")
}

// Adapters returns a snapshot of currently registered adapters.
func (s *RPCServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
