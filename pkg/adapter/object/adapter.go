// Package object implements the object adapter: a TCP endpoint whose
// listener and connections are served by a shared leader/follower thread
// pool, and whose requests are dispatched to servants registered directly
// or resolved through servant locators.
package object

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/ratelimiter"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/monitor"
	"github.com/marmos91/dittorpc/pkg/rpc"
	"github.com/marmos91/dittorpc/pkg/servant"
	"github.com/marmos91/dittorpc/pkg/threadpool"
)

// Config configures an ObjectAdapter.
//
// Default values (applied if zero):
//   - Host: all interfaces
//   - ReadTimeout: 250ms bounds how long the leader waits for the rest of
//     a partially received message before serving other connections
//   - WriteTimeout: 30s
//   - IdleTimeout: 5m
//   - ShutdownTimeout: 30s
//   - Retry: 5 attempts, 10ms initial interval, 1s max interval
type Config struct {
	// Name identifies the adapter in logs, metrics and request Currents.
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Host is the interface to bind. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP port to listen on. 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// MaxConnections limits the number of concurrent client connections.
	// Connections beyond the limit are closed as soon as they are accepted.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=0"`

	// ReadTimeout bounds the time spent reading the remainder of a
	// partially received message in one go. The read resumes at the next
	// readiness event.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=0"`

	// WriteTimeout is the maximum duration for writing a reply.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`

	// IdleTimeout closes connections that have received nothing for this
	// long. Checked by the connection monitor.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`

	// RequestsPerSecond limits the request rate across all connections.
	// 0 means unlimited.
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the number of requests admitted at once (default RequestsPerSecond).
	Burst uint `mapstructure:"burst" yaml:"burst"`

	// Retry controls how requests failing with a store conflict are restarted.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// ShutdownTimeout is the maximum duration to wait for in-flight
	// requests and connections during graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// MetricsLogInterval is the interval at which active connections are
	// logged. 0 disables periodic logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`
}

// RetryConfig controls the exponential backoff applied to retryable requests.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. 1 disables retries.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=0"`

	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval" validate:"min=0"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "adapter"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 250 * time.Millisecond
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 10 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = time.Second
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid max_connections %d: must be >= 0", c.MaxConnections)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("invalid timeouts: read=%v write=%v idle=%v must be >= 0",
			c.ReadTimeout, c.WriteTimeout, c.IdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown_timeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry.max_attempts %d: must be >= 1", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("invalid retry intervals: max %v is below initial %v",
			c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	return nil
}

// ObjectAdapter accepts connections and dispatches their requests.
//
// The listener and every accepted connection are event handlers of the
// thread pool handed over by Attach, and every connection is probed by the
// connection monitor. Requests are resolved through the adapter's
// servant.Manager: a directly registered servant first, then the servant
// locator for the identity's category, then the default locator.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Acceptor unregistered (no new connections)
//  3. shutdownCtx cancelled (signals in-flight requests to abort)
//  4. Every connection sent CloseConnection and unregistered
//  5. Wait for in-flight requests and connections (up to ShutdownTimeout)
//  6. Force-close any remaining connections after timeout
//  7. Servant manager destroyed, deactivating every locator
//
// Accept failures other than a closed listener (descriptor exhaustion,
// aborted handshakes) are logged and the listener keeps serving.
//
// Thread safety:
// Servant and locator registration is safe for concurrent use at any time,
// including while serving. Attach must be called once before Serve; Stop
// may be called concurrently with Serve and more than once.
type ObjectAdapter struct {
	config  Config
	log     *logger.Logger
	metrics metrics.AdapterMetrics

	servants *servant.Manager
	limiter  *ratelimiter.RateLimiter

	pool    *threadpool.ThreadPool
	monitor *monitor.ConnectionMonitor

	listener *net.TCPListener
	acceptor *acceptor
	ready    chan struct{}
	failed   chan error
	port     atomic.Int32

	shutdownOnce   sync.Once
	shutdown       chan struct{}
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc
	stopOnce       sync.Once
	stopErr        error

	// mu guards stopping against dispatches registering themselves.
	mu         sync.RWMutex
	stopping   bool
	dispatches sync.WaitGroup

	// acceptTCP accepts on the listener. Tests substitute failures.
	acceptTCP func(*net.TCPListener) (*net.TCPConn, error)

	connSemaphore     chan struct{}
	connCount         atomic.Int32
	activeConns       sync.WaitGroup
	activeConnections sync.Map // fd -> *connection
}

// New creates an ObjectAdapter in a stopped state. Call Attach before Serve.
//
// Parameters:
//   - config: endpoint, limits, timeouts and retry policy; zero values are
//     replaced with defaults (see ApplyDefaults)
//   - log: logger for adapter events (nil uses the default logger)
//   - m: metrics sink (nil records nothing)
//
// Returns an error if the configuration is invalid after defaults.
func New(config Config, log *logger.Logger, m metrics.AdapterMetrics) (*ObjectAdapter, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("object adapter %s: %w", config.Name, err)
	}
	if m == nil {
		m = metrics.NewNoopAdapterMetrics()
	}
	log = logger.Or(log)

	shutdownCtx, cancel := context.WithCancel(context.Background())
	a := &ObjectAdapter{
		config:         config,
		log:            log,
		metrics:        m,
		servants:       servant.New(config.Name, log),
		limiter:        ratelimiter.New(config.RequestsPerSecond, config.Burst),
		ready:          make(chan struct{}),
		failed:         make(chan error, 1),
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
		acceptTCP:      (*net.TCPListener).AcceptTCP,
	}
	a.port.Store(int32(config.Port))
	if config.MaxConnections > 0 {
		a.connSemaphore = make(chan struct{}, config.MaxConnections)
	}
	return a, nil
}

// Attach hands the adapter the thread pool serving its sockets and the
// monitor probing its connections. It must be called once before Serve.
//
// RPCServer.AddAdapter calls Attach with the server's shared pool and
// monitor; standalone users call it themselves.
//
// Thread safety:
// Called exactly once before Serve(), no synchronization needed.
func (a *ObjectAdapter) Attach(pool *threadpool.ThreadPool, mon *monitor.ConnectionMonitor) {
	a.pool = pool
	a.monitor = mon
}

// Name returns the adapter name.
func (a *ObjectAdapter) Name() string {
	return a.config.Name
}

// Add registers servant for id. Directly registered servants take
// precedence over servant locators.
//
// Returns rpc.CodeAlreadyRegistered if id already has a servant and
// rpc.CodeDeactivated once the adapter has stopped.
func (a *ObjectAdapter) Add(s rpc.Servant, id rpc.Identity) error {
	return a.servants.AddServant(s, id)
}

// AddWithUUID registers servant under a fresh identity in category and
// returns that identity.
func (a *ObjectAdapter) AddWithUUID(s rpc.Servant, category string) (rpc.Identity, error) {
	id := rpc.Identity{Category: category, Name: uuid.NewString()}
	if err := a.servants.AddServant(s, id); err != nil {
		return rpc.Identity{}, err
	}
	return id, nil
}

// Remove unregisters the servant for id.
func (a *ObjectAdapter) Remove(id rpc.Identity) error {
	return a.servants.RemoveServant(id)
}

// FindServant returns the servant registered for id, or nil.
func (a *ObjectAdapter) FindServant(id rpc.Identity) rpc.Servant {
	return a.servants.FindServant(id)
}

// AddServantLocator registers locator for category. The empty category
// registers the default locator.
func (a *ObjectAdapter) AddServantLocator(locator rpc.ServantLocator, category string) error {
	return a.servants.AddServantLocator(locator, category)
}

// RemoveServantLocator unregisters and deactivates the locator for category.
func (a *ObjectAdapter) RemoveServantLocator(category string) error {
	return a.servants.RemoveServantLocator(category)
}

// FindServantLocator returns the locator registered for category, or nil.
func (a *ObjectAdapter) FindServantLocator(category string) rpc.ServantLocator {
	return a.servants.FindServantLocator(category)
}

// Serve binds the listener, registers it with the thread pool and blocks
// until the context is cancelled, Stop is called or the listener fails.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener cannot be created, fails while serving, or
//     shutdown is not graceful
func (a *ObjectAdapter) Serve(ctx context.Context) error {
	if a.pool == nil || a.monitor == nil {
		return fmt.Errorf("object adapter %s: Attach must be called before Serve", a.config.Name)
	}

	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener for adapter %s on %s: %w", a.config.Name, addr, err)
	}
	a.listener = ln.(*net.TCPListener)
	a.port.Store(int32(a.listener.Addr().(*net.TCPAddr).Port))

	acc, err := newAcceptor(a, a.listener)
	if err != nil {
		_ = a.listener.Close()
		return err
	}
	if err := a.pool.Register(acc.fd, acc); err != nil {
		_ = a.listener.Close()
		return fmt.Errorf("adapter %s: register listener: %w", a.config.Name, err)
	}
	a.acceptor = acc
	close(a.ready)

	a.log.Info("Adapter %s listening on %s", a.config.Name, a.listener.Addr())
	a.log.Debug("Adapter %s config: max_connections=%d read_timeout=%v write_timeout=%v idle_timeout=%v rps=%d",
		a.config.Name, a.config.MaxConnections, a.config.ReadTimeout, a.config.WriteTimeout,
		a.config.IdleTimeout, a.config.RequestsPerSecond)

	if a.config.MetricsLogInterval > 0 {
		go a.logMetrics(ctx)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("Adapter %s shutdown signal received: %v", a.config.Name, ctx.Err())
	case <-a.shutdown:
	case serveErr = <-a.failed:
		a.log.Error("Adapter %s listener failed: %v", a.config.Name, serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Ready is closed once Serve has bound the listener.
func (a *ObjectAdapter) Ready() <-chan struct{} {
	return a.ready
}

// initiateShutdown stops accepting, cancels in-flight requests and closes
// every connection. It is safe to call multiple times.
func (a *ObjectAdapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		a.log.Debug("Adapter %s shutdown initiated", a.config.Name)
		close(a.shutdown)

		a.mu.Lock()
		a.stopping = true
		a.mu.Unlock()

		if a.acceptor != nil {
			if err := a.pool.Unregister(a.acceptor.fd); err != nil {
				// The pool is gone and will never call Finished.
				a.acceptor.Finished(a.pool)
			}
		}

		a.cancelRequests()

		a.activeConnections.Range(func(_, value any) bool {
			value.(*connection).close(closeShutdown)
			return true
		})
	})
}

// Stop initiates graceful shutdown and waits for in-flight requests and
// connections to finish, up to ctx's deadline or ShutdownTimeout when ctx
// has none. Remaining connections are then force-closed. Finally the servant
// manager is destroyed, deactivating every servant locator.
//
// Stop is safe to call multiple times and concurrently with Serve.
func (a *ObjectAdapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	a.stopOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.config.ShutdownTimeout)
			defer cancel()
		}
		a.stopErr = a.gracefulShutdown(ctx)

		if err := a.servants.Destroy(); err != nil && !rpc.IsDeactivated(err) {
			a.log.Error("Adapter %s: destroy servant manager: %v", a.config.Name, err)
		}
		a.log.Info("Adapter %s stopped", a.config.Name)
	})
	return a.stopErr
}

// gracefulShutdown waits for dispatches, then connections, to complete.
func (a *ObjectAdapter) gracefulShutdown(ctx context.Context) error {
	a.log.Info("Adapter %s graceful shutdown: waiting for %d active connection(s)",
		a.config.Name, a.connCount.Load())

	done := make(chan struct{})
	go func() {
		a.dispatches.Wait()
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.log.Info("Adapter %s graceful shutdown complete: all connections closed", a.config.Name)
		return nil

	case <-ctx.Done():
		remaining := a.connCount.Load()
		a.log.Warn("Adapter %s shutdown timeout exceeded: %d connection(s) still active - forcing closure",
			a.config.Name, remaining)
		a.forceCloseConnections()
		return fmt.Errorf("adapter %s shutdown timeout: %d connections force-closed", a.config.Name, remaining)
	}
}

// forceCloseConnections closes the sockets of every remaining connection so
// that blocked writes fail immediately.
func (a *ObjectAdapter) forceCloseConnections() {
	closed := 0
	a.activeConnections.Range(func(_, value any) bool {
		c := value.(*connection)
		if err := c.conn.Close(); err != nil {
			a.log.Debug("Error force-closing connection %s: %v", c, err)
		} else {
			closed++
		}
		return true
	})
	if closed > 0 {
		a.log.Info("Adapter %s force-closed %d connection(s)", a.config.Name, closed)
	}
}

// logMetrics periodically logs the active connection count.
func (a *ObjectAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.log.Info("Adapter %s metrics: active_connections=%d", a.config.Name, a.connCount.Load())
		}
	}
}

// fail reports a fatal listener error to Serve.
func (a *ObjectAdapter) fail(err error) {
	select {
	case a.failed <- err:
	default:
	}
}

// ActiveConnections returns the current number of open connections.
func (a *ObjectAdapter) ActiveConnections() int32 {
	return a.connCount.Load()
}

// Addr returns the listener address, or nil before Serve has bound it.
func (a *ObjectAdapter) Addr() net.Addr {
	select {
	case <-a.ready:
		return a.listener.Addr()
	default:
		return nil
	}
}

// Port returns the bound port once Serve is listening, the configured
// port before that.
func (a *ObjectAdapter) Port() int {
	return int(a.port.Load())
}

// Protocol returns the adapter name.
func (a *ObjectAdapter) Protocol() string {
	return a.config.Name
}

func (a *ObjectAdapter) isShuttingDown() bool {
	select {
	case <-a.shutdown:
		return true
	default:
		return false
	}
}

var errClosed = errors.New("connection closed")
