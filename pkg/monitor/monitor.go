// Package monitor runs periodic liveness probes over live connections.
//
// One ConnectionMonitor is shared by every object adapter of a process.
// Adapters add a connection when it is accepted and remove it when it
// closes; the probe itself decides whether the connection is idle, dead
// or due for a validation message.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Monitored is a connection that can be probed.
type Monitored interface {
	// Monitor probes the connection, closing it if the peer is dead or
	// the connection has been idle for too long.
	Monitor() error
	String() string
}

// ConnectionMonitor probes every registered connection once per interval
// on a dedicated goroutine.
//
// Each sweep works on a snapshot of the connection set so that connections
// can be added or removed while probes run. A failing or panicking probe is
// logged and does not stop the sweep.
//
// Lifecycle:
//  1. Creation: New() starts the sweep goroutine
//  2. Use: Add() and Remove() as connections come and go
//  3. Shutdown: Destroy() stops the goroutine and waits for it
//
// Thread safety:
// All methods are safe for concurrent use. Add, Remove and Len may also be
// called from inside a probe.
type ConnectionMonitor struct {
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	connections map[Monitored]struct{}
	destroyed   bool

	stop chan struct{}
	done chan struct{}
}

// New starts a monitor that sweeps every interval.
//
// Parameters:
//   - interval: time between sweeps; must be positive
//   - log: logger for probe failures (nil uses the default logger)
//
// Returns an error for a non-positive interval.
func New(interval time.Duration, log *logger.Logger) (*ConnectionMonitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("connection monitor: interval must be positive, got %v", interval)
	}

	m := &ConnectionMonitor{
		interval:    interval,
		log:         logger.Or(log),
		connections: make(map[Monitored]struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Add registers c for probing. Adding c twice is harmless.
//
// Returns rpc.CodeDeactivated after Destroy.
func (m *ConnectionMonitor) Add(c Monitored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return rpc.Deactivated("connection monitor")
	}
	m.connections[c] = struct{}{}
	return nil
}

// Remove unregisters c. Removing an unknown connection is not an error.
func (m *ConnectionMonitor) Remove(c Monitored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return rpc.Deactivated("connection monitor")
	}
	delete(m.connections, c)
	return nil
}

// Len returns the number of registered connections.
func (m *ConnectionMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// Interval returns the sweep interval.
func (m *ConnectionMonitor) Interval() time.Duration {
	return m.interval
}

// Destroy clears the connection set, stops the monitor goroutine and waits
// for it to exit. A sweep in progress stops before its next probe.
//
// Must not be called from inside a probe. Returns rpc.CodeDeactivated when
// called a second time.
func (m *ConnectionMonitor) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return rpc.Deactivated("connection monitor")
	}
	m.destroyed = true
	m.connections = make(map[Monitored]struct{})
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	return nil
}

func (m *ConnectionMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		for _, c := range m.snapshot() {
			select {
			case <-m.stop:
				return
			default:
			}
			m.probe(c)
		}
	}
}

func (m *ConnectionMonitor) snapshot() []Monitored {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Monitored, 0, len(m.connections))
	for c := range m.connections {
		out = append(out, c)
	}
	return out
}

func (m *ConnectionMonitor) probe(c Monitored) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Connection monitor: panic while probing %s: %v", c, r)
		}
	}()
	if err := c.Monitor(); err != nil {
		m.log.Warn("Connection monitor: probe of %s failed: %v", c, err)
	}
}
