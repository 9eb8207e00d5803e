package e2e

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/adapter/object"
	"github.com/marmos91/dittorpc/pkg/admin"
	"github.com/marmos91/dittorpc/pkg/client"
	"github.com/marmos91/dittorpc/pkg/config"
	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/monitor"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
	"github.com/marmos91/dittorpc/pkg/server"
	"github.com/marmos91/dittorpc/pkg/store/kv"
	"github.com/marmos91/dittorpc/pkg/threadpool"
)

// TestContext provides a complete testing environment with:
// - Running dittorpc server (pool, monitor, evictor, object adapter)
// - A connected client
// - Cleanup mechanisms
//
// The store outlives Restart so that persisted objects can be reloaded by
// a fresh server.
type TestContext struct {
	T       testing.TB
	Config  *TestConfig
	Cfg     *config.Config
	Store   kv.Store
	Server  *server.RPCServer
	Pool    *threadpool.ThreadPool
	Adapter *object.ObjectAdapter
	Evictor *evictor.Evictor
	Client  *client.Client

	cancel context.CancelFunc
	done   chan error
	s3     *LocalstackHelper
}

// NewTestContext creates a new test environment with the specified
// configuration and starts the server.
func NewTestContext(t testing.TB, cfg *TestConfig) *TestContext {
	t.Helper()

	tc := &TestContext{T: t, Config: cfg}

	if cfg.Store == StoreS3 {
		tc.s3 = NewLocalstackHelper(t)
		SetupS3Config(t, cfg, tc.s3)
	}

	serverCfg, err := cfg.ServerConfig(t.TempDir())
	if err != nil {
		t.Fatalf("Invalid configuration %s: %v", cfg, err)
	}
	tc.Cfg = serverCfg

	logger.SetLevel(serverCfg.Logging.Level)

	tc.Store, err = config.CreateStore(context.Background(), &serverCfg.Store)
	if err != nil {
		t.Fatalf("Failed to create %s store: %v", cfg.Store, err)
	}

	tc.startServer()
	return tc
}

// startServer builds a server over tc.Store and connects a client to it.
func (tc *TestContext) startServer() {
	tc.T.Helper()
	cfg := tc.Cfg

	pool, err := config.CreateThreadPool(&cfg.ThreadPool, nil, nil)
	if err != nil {
		tc.T.Fatalf("Failed to create thread pool: %v", err)
	}
	mon, err := monitor.New(cfg.Monitor.Interval, nil)
	if err != nil {
		tc.T.Fatalf("Failed to create monitor: %v", err)
	}
	tc.Pool = pool
	tc.Server = server.New(pool, mon)
	tc.Server.SetShutdownTimeout(cfg.Server.ShutdownTimeout)

	tc.Evictor, err = config.CreateEvictor(counter.Category, &cfg.Evictor, tc.Store, counter.Codec(), nil, nil)
	if err != nil {
		tc.T.Fatalf("Failed to create evictor: %v", err)
	}

	tc.Adapter, err = object.New(cfg.Adapters[0], nil, nil)
	if err != nil {
		tc.T.Fatalf("Failed to create adapter: %v", err)
	}
	mustNoError(tc.T, tc.Adapter.AddServantLocator(tc.Evictor, counter.Category))
	mustNoError(tc.T, tc.Adapter.Add(&counter.Factory{Evictor: tc.Evictor}, counter.FactoryIdentity))
	mustNoError(tc.T, tc.Adapter.Add(admin.NewEvictorServant(tc.Evictor, nil), admin.EvictorIdentity))
	mustNoError(tc.T, tc.Server.AddAdapter(tc.Adapter))

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	tc.done = make(chan error, 1)
	go func() { tc.done <- tc.Server.Serve(ctx) }()

	select {
	case <-tc.Adapter.Ready():
	case err := <-tc.done:
		tc.T.Fatalf("Server failed to start: %v", err)
	case <-time.After(10 * time.Second):
		tc.T.Fatalf("Timeout waiting for server to start")
	}

	tc.Client = tc.Dial()
}

// Dial opens an additional client connection.
func (tc *TestContext) Dial() *client.Client {
	tc.T.Helper()
	c, err := client.Dial(context.Background(), tc.Adapter.Addr().String(), client.Options{})
	if err != nil {
		tc.T.Fatalf("Failed to connect to %s: %v", tc.Adapter.Addr(), err)
	}
	return c
}

// stopServer shuts the running server down, leaving the store open.
func (tc *TestContext) stopServer() {
	tc.T.Helper()
	if tc.cancel == nil {
		return
	}

	_ = tc.Client.Close()
	tc.cancel()
	tc.cancel = nil

	select {
	case err := <-tc.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			tc.T.Errorf("Server error: %v", err)
		}
	case <-time.After(15 * time.Second):
		tc.T.Errorf("Server stop timeout")
	}
}

// Restart stops the server and starts a new one over the same store.
func (tc *TestContext) Restart() {
	tc.T.Helper()
	tc.stopServer()
	tc.startServer()
}

// Cleanup cleans up all resources
func (tc *TestContext) Cleanup() {
	tc.T.Helper()
	tc.stopServer()
	if tc.Store != nil {
		if err := tc.Store.Close(); err != nil {
			tc.T.Logf("Warning: failed to close store: %v", err)
		}
		tc.Store = nil
	}
	if tc.s3 != nil {
		tc.s3.Cleanup()
	}
}

// Invoke calls op on id with params encoded by protocol.Marshal and decodes
// the result into result when it is not nil.
func (tc *TestContext) Invoke(c *client.Client, id rpc.Identity, op string, mode rpc.OperationMode, params, result any) error {
	var in []byte
	if params != nil {
		var err error
		if in, err = protocol.Marshal(params); err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := c.Invoke(ctx, id, op, mode, in)
	if err != nil {
		return err
	}
	if result != nil {
		return protocol.Unmarshal(out, result)
	}
	return nil
}

// CreateCounter creates a counter through the factory servant.
func (tc *TestContext) CreateCounter(name string, initial int64) {
	tc.T.Helper()
	err := tc.Invoke(tc.Client, counter.FactoryIdentity, counter.OpCreate, rpc.Normal,
		&counter.CreateArgs{Name: name, Initial: initial}, nil)
	mustNoError(tc.T, err)
}

// Add adds delta to the counter called name and returns the new value.
func (tc *TestContext) Add(c *client.Client, name string, delta int64) (int64, error) {
	var v counter.Value
	err := tc.Invoke(c, counter.Identity(name), counter.OpAdd, rpc.Normal, &counter.AddArgs{Delta: delta}, &v)
	return v.Value, err
}

// Get returns the value of the counter called name.
func (tc *TestContext) Get(name string) (int64, error) {
	var v counter.Value
	err := tc.Invoke(tc.Client, counter.Identity(name), counter.OpGet, rpc.Nonmutating, nil, &v)
	return v.Value, err
}

func mustNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}
