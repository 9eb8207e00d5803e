package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/adapter/object"
	"github.com/marmos91/dittorpc/pkg/admin"
	"github.com/marmos91/dittorpc/pkg/config"
	"github.com/marmos91/dittorpc/pkg/monitor"
	"github.com/marmos91/dittorpc/pkg/server"
)

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file (default "+config.GetDefaultConfigPath()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("dittorpc - object RPC server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	store, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("create %s store: %w", cfg.Store.Type, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store: %v", err)
		}
	}()
	logger.Info("Store: %s", cfg.Store.Type)

	var srv *server.RPCServer
	m := config.InitializeMetrics(cfg, func(context.Context) error {
		if srv == nil {
			return errors.New("server not started")
		}
		if len(srv.Adapters()) == 0 {
			return errors.New("no adapters")
		}
		return nil
	})

	pool, err := config.CreateThreadPool(&cfg.ThreadPool, nil, m.ThreadPool("server"))
	if err != nil {
		return fmt.Errorf("create thread pool: %w", err)
	}

	mon, err := monitor.New(cfg.Monitor.Interval, nil)
	if err != nil {
		pool.Destroy()
		pool.JoinWithAllThreads()
		return fmt.Errorf("create connection monitor: %w", err)
	}

	// From here on the server owns the pool and the monitor.
	srv = server.New(pool, mon)
	srv.SetShutdownTimeout(cfg.Server.ShutdownTimeout)

	ev, err := config.CreateEvictor(counter.Category, &cfg.Evictor, store, counter.Codec(), nil, m.Evictor(counter.Category))
	if err != nil {
		return abort(srv, fmt.Errorf("create evictor: %w", err))
	}
	logger.Info("Evictor: size=%d persistence=%s", ev.Size(), cfg.Evictor.PersistenceMode)

	for _, adapterCfg := range cfg.Adapters {
		a, err := object.New(adapterCfg, nil, m.Adapter(adapterCfg.Name))
		if err != nil {
			return abort(srv, fmt.Errorf("create adapter %s: %w", adapterCfg.Name, err))
		}
		if err := a.AddServantLocator(ev, counter.Category); err != nil {
			return abort(srv, err)
		}
		if err := a.Add(&counter.Factory{Evictor: ev}, counter.FactoryIdentity); err != nil {
			return abort(srv, err)
		}
		if err := a.Add(admin.NewEvictorServant(ev, nil), admin.EvictorIdentity); err != nil {
			return abort(srv, err)
		}
		if err := srv.AddAdapter(a); err != nil {
			return abort(srv, err)
		}

		logger.Info("Adapter %s: port=%d max_connections=%d idle_timeout=%v",
			adapterCfg.Name, adapterCfg.Port, adapterCfg.MaxConnections, adapterCfg.IdleTimeout)
	}

	metricsDone := make(chan struct{})
	if m.Server != nil {
		go func() {
			defer close(metricsDone)
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	} else {
		close(metricsDone)
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	err = srv.Serve(ctx)
	stop()
	<-metricsDone

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// abort releases the pool and monitor of a server that never served.
func abort(srv *server.RPCServer, err error) error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Serve on a cancelled context stops whatever was registered and
	// destroys the pool and the monitor.
	_ = srv.Serve(ctx)
	return err
}
