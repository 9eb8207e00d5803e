// Package threadpool implements a leader/follower pool of workers that
// multiplexes readiness events for many file descriptors.
//
// Exactly one worker, the leader, waits in the poller at a time. When an
// event arrives the leader reads it, hands leadership to a follower and
// only then runs the handler. The pool grows up to SizeMax workers when
// every worker is busy and shrinks back towards Size when its smoothed
// load drops.
//
// Registration changes are queued and applied by the leader between waits,
// never while a wait is in progress.
//
// The poller is epoll with an eventfd interrupt on linux and poll(2) with
// a self-pipe on other unix systems.
package threadpool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// EventHandler is a readable file descriptor served by the pool.
type EventHandler interface {
	// Fd returns the descriptor watched for readability.
	Fd() int

	// Read is called by the leader when Fd is readable and returns the next
	// message, or nil when the handler has nothing to dispatch. Reads of
	// one handler are never concurrent. Errors whose Timeout method
	// reports true are ignored.
	Read(pool *ThreadPool) (*protocol.Message, error)

	// Message processes what Read returned. It runs after leadership has
	// been handed on and may block.
	Message(msg *protocol.Message, pool *ThreadPool)

	// Exception reports a Read error. The descriptor has already been
	// removed from the wait set; the handler is expected to Unregister.
	// Handlers that can recover from a read error return nil from Read
	// instead.
	Exception(err error)

	// Finished is called once after the handler has been unregistered and
	// removed from the wait set.
	Finished(pool *ThreadPool)

	String() string
}

// Config configures a ThreadPool.
type Config struct {
	// Name identifies the pool in logs and metrics
	Name string

	// Size is the number of workers started and kept (default 1)
	Size int

	// SizeMax caps the number of workers (default Size)
	SizeMax int

	// SizeWarn logs a warning when this many workers are busy
	// (default 80% of SizeMax, negative disables)
	SizeWarn int

	// MessageSizeMax bounds messages read by handlers (default 1 MiB)
	MessageSizeMax int

	// PollTimeout bounds one wait; 0 waits indefinitely
	PollTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "server"
	}
	if c.Size < 1 {
		c.Size = 1
	}
	if c.SizeMax < c.Size {
		c.SizeMax = c.Size
	}
	if c.SizeWarn == 0 {
		c.SizeWarn = c.SizeMax * 80 / 100
	}
	if c.MessageSizeMax <= 0 {
		c.MessageSizeMax = protocol.DefaultMessageSizeMax
	}
}

// Stats is a snapshot of the pool state.
type Stats struct {
	// Running is the number of live workers
	Running int

	// InUse is the number of workers running a handler
	InUse int

	// Load is the smoothed number of busy workers
	Load float64

	// Registered is the number of handlers in the wait set
	Registered int

	SizeMax int
}

type change struct {
	fd      int
	handler EventHandler // nil removes
}

// event is what the leader hands to itself for processing after promotion.
type event struct {
	handler  EventHandler
	msg      *protocol.Message
	err      error
	finished []EventHandler
}

// ThreadPool is a leader/follower worker pool over a poller.
//
// Lifecycle:
//  1. Creation: New() starts Size workers; one becomes leader
//  2. Registration: Register()/Unregister() queue changes and interrupt
//     the leader, which applies them before its next wait
//  3. Dispatch: the leader reads a ready handler, promotes a follower
//     (spawning one when all are busy and SizeMax allows) and runs
//     Message; afterwards it rejoins as follower or exits if surplus
//  4. Shutdown: Destroy() wakes every worker, JoinWithAllThreads() waits
//     for them and closes the poller
//
// Thread safety:
// All exported methods are safe for concurrent use, including from inside
// handler callbacks. Handler Read calls are serialized by leadership.
type ThreadPool struct {
	cfg     Config
	log     *logger.Logger
	metrics metrics.ThreadPoolMetrics
	poller  poller

	// leader holds a token while a worker leads.
	leader chan struct{}

	mu         sync.Mutex
	handlers   map[int]EventHandler
	registered map[int]bool // handlers plus queued changes
	changes    []change
	lastFd     int
	destroyed  bool
	running    int
	inUse      int
	load       float64

	workers  sync.WaitGroup
	joinOnce sync.Once
}

// New creates a pool and starts cfg.Size workers.
//
// Parameters:
//   - cfg: worker bounds, warning threshold, message limit and poll
//     timeout; zero values are replaced by defaults (see ApplyDefaults)
//   - log: logger for pool events (nil uses the default logger)
//   - m: metrics sink (nil records nothing)
//
// Returns an error if the poller cannot be created.
func New(cfg Config, log *logger.Logger, m metrics.ThreadPoolMetrics) (*ThreadPool, error) {
	cfg.ApplyDefaults()
	if m == nil {
		m = metrics.NewNoopThreadPoolMetrics()
	}

	pl, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("thread pool %s: %w", cfg.Name, err)
	}

	p := &ThreadPool{
		cfg:        cfg,
		log:        logger.Or(log),
		metrics:    m,
		poller:     pl,
		leader:     make(chan struct{}, 1),
		handlers:   make(map[int]EventHandler),
		registered: make(map[int]bool),
		lastFd:     -1,
	}

	p.mu.Lock()
	for i := 0; i < cfg.Size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.log.Debug("Thread pool %s: started %d workers (max %d, warn %d)", cfg.Name, cfg.Size, cfg.SizeMax, cfg.SizeWarn)
	return p, nil
}

// Name returns the pool name.
func (p *ThreadPool) Name() string {
	return p.cfg.Name
}

// MessageSizeMax returns the message size limit handlers should enforce.
func (p *ThreadPool) MessageSizeMax() int {
	return p.cfg.MessageSizeMax
}

// Register adds handler for fd. The change takes effect at the start of the
// next wait.
//
// Returns:
//   - rpc.CodeAlreadyRegistered if fd is registered or queued
//   - rpc.CodeDeactivated after Destroy
//   - rpc.CodeUsage for a nil handler
func (p *ThreadPool) Register(fd int, handler EventHandler) error {
	if handler == nil {
		return rpc.Errorf(rpc.CodeUsage, "thread pool %s: nil handler for fd %d", p.cfg.Name, fd)
	}
	return p.queue(change{fd: fd, handler: handler})
}

// Unregister removes the handler for fd. Its Finished method is called once
// the leader has removed it from the wait set, on a worker that no longer
// leads.
//
// Returns rpc.CodeNotRegistered for an unknown fd and rpc.CodeDeactivated
// after Destroy. In the latter case Finished is never called.
func (p *ThreadPool) Unregister(fd int) error {
	return p.queue(change{fd: fd})
}

func (p *ThreadPool) queue(c change) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return rpc.Deactivated("thread pool")
	}
	if c.handler != nil {
		if p.registered[c.fd] {
			p.mu.Unlock()
			return rpc.AlreadyRegistered("event handler", fmt.Sprintf("fd %d", c.fd))
		}
		p.registered[c.fd] = true
	} else {
		if !p.registered[c.fd] {
			p.mu.Unlock()
			return rpc.NotRegistered("event handler", fmt.Sprintf("fd %d", c.fd))
		}
		delete(p.registered, c.fd)
	}
	p.changes = append(p.changes, c)
	p.mu.Unlock()

	return p.poller.interrupt()
}

// Destroy stops the pool. Workers exit once they finish their current
// handler. Registration fails afterwards.
//
// Destroy does not wait; call JoinWithAllThreads for that. It is safe to
// call more than once and from inside a handler.
func (p *ThreadPool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	// The interrupt is never cleared after destroy so every worker that
	// becomes leader wakes up and exits.
	if err := p.poller.interrupt(); err != nil {
		p.log.Error("Thread pool %s: failed to interrupt poller: %v", p.cfg.Name, err)
	}
}

// JoinWithAllThreads blocks until every worker has exited and releases the
// poller. It must be called exactly once, after Destroy, and never from a
// pool worker.
//
// Panics if called before Destroy or more than once.
func (p *ThreadPool) JoinWithAllThreads() {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if !destroyed {
		panic(fmt.Sprintf("thread pool %s: JoinWithAllThreads called before Destroy", p.cfg.Name))
	}

	joined := false
	p.joinOnce.Do(func() {
		joined = true
		p.workers.Wait()

		p.mu.Lock()
		remaining := len(p.handlers) + len(p.changes)
		p.mu.Unlock()
		if remaining > 0 {
			p.log.Warn("Thread pool %s: destroyed with %d handlers still registered", p.cfg.Name, remaining)
		}

		if err := p.poller.close(); err != nil {
			p.log.Error("Thread pool %s: failed to close poller: %v", p.cfg.Name, err)
		}
	})
	if !joined {
		panic(fmt.Sprintf("thread pool %s: JoinWithAllThreads called twice", p.cfg.Name))
	}
}

// Stats returns a snapshot of the pool state.
func (p *ThreadPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:    p.running,
		InUse:      p.inUse,
		Load:       p.load,
		Registered: len(p.handlers),
		SizeMax:    p.cfg.SizeMax,
	}
}

// Destroyed reports whether Destroy has been called.
func (p *ThreadPool) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *ThreadPool) spawnLocked() {
	p.running++
	p.workers.Add(1)
	p.metrics.RecordThreadStarted()
	p.metrics.SetThreads(p.running, p.inUse)
	go p.worker()
}

func (p *ThreadPool) worker() {
	defer p.workers.Done()

	for {
		p.leader <- struct{}{}

		ev, ok := p.follow()
		if !ok {
			<-p.leader
			p.mu.Lock()
			p.running--
			p.metrics.SetThreads(p.running, p.inUse)
			p.mu.Unlock()
			p.metrics.RecordThreadStopped()
			return
		}

		p.promoteFollower()

		start := time.Now()
		err := p.dispatch(ev)
		p.metrics.RecordDispatch(time.Since(start), err)

		if p.release() {
			p.log.Debug("Thread pool %s: surplus worker exiting", p.cfg.Name)
			p.metrics.RecordThreadStopped()
			return
		}
	}
}

// follow runs while holding leadership and returns the next event to
// process. It returns false when the worker must exit.
func (p *ThreadPool) follow() (event, bool) {
	for {
		if p.Destroyed() {
			return event{}, false
		}

		ready, interrupted, err := p.poller.wait(p.cfg.PollTimeout)
		if err != nil {
			p.log.Error("Thread pool %s: %v", p.cfg.Name, err)
			return event{}, false
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return event{}, false
		}

		if interrupted {
			if err := p.poller.clearInterrupt(); err != nil {
				p.mu.Unlock()
				p.log.Error("Thread pool %s: %v", p.cfg.Name, err)
				return event{}, false
			}
			finished := p.applyChangesLocked()
			p.mu.Unlock()
			if len(finished) > 0 {
				return event{finished: finished}, true
			}
			continue
		}

		fd, ok := p.nextReadyLocked(ready)
		if !ok {
			p.mu.Unlock()
			continue
		}
		handler, ok := p.handlers[fd]
		if !ok {
			p.mu.Unlock()
			p.log.Warn("Thread pool %s: fd %d is not registered", p.cfg.Name, fd)
			continue
		}
		p.mu.Unlock()

		msg, err := p.read(handler)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// Stop watching a failed handler until it is unregistered so a
			// dead descriptor does not keep waking the leader.
			if rerr := p.poller.remove(fd); rerr != nil {
				p.log.Warn("Thread pool %s: %v", p.cfg.Name, rerr)
			}
			return event{handler: handler, err: err}, true
		}
		return event{handler: handler, msg: msg}, true
	}
}

// applyChangesLocked applies every queued change and returns the handlers
// that were removed.
func (p *ThreadPool) applyChangesLocked() []EventHandler {
	var finished []EventHandler
	for _, c := range p.changes {
		if c.handler != nil {
			if err := p.poller.add(c.fd); err != nil {
				p.log.Error("Thread pool %s: cannot watch %s: %v", p.cfg.Name, c.handler, err)
			}
			p.handlers[c.fd] = c.handler
			continue
		}

		handler, ok := p.handlers[c.fd]
		if !ok {
			continue
		}
		if err := p.poller.remove(c.fd); err != nil {
			p.log.Warn("Thread pool %s: %v", p.cfg.Name, err)
		}
		delete(p.handlers, c.fd)
		finished = append(finished, handler)
	}
	p.changes = nil
	return finished
}

// nextReadyLocked picks the ready fd after the last one served, wrapping
// around, so that busy descriptors cannot starve the others.
func (p *ThreadPool) nextReadyLocked(ready []int) (int, bool) {
	if len(ready) == 0 {
		return 0, false
	}
	sort.Ints(ready)
	fd := ready[0]
	for _, r := range ready {
		if r > p.lastFd {
			fd = r
			break
		}
	}
	p.lastFd = fd
	return fd, true
}

// read calls h.Read, turning a panic into an error so the leader survives.
func (p *ThreadPool) read(h EventHandler) (msg *protocol.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in read: %v", r)
		}
	}()
	return h.Read(p)
}

// promoteFollower marks the calling worker busy and hands leadership on,
// starting a new worker when none is idle and the pool may grow.
func (p *ThreadPool) promoteFollower() {
	p.mu.Lock()
	p.inUse++
	if p.cfg.SizeWarn > 0 && p.inUse == p.cfg.SizeWarn {
		p.log.Warn("Thread pool %s is running low on threads: size=%d, sizeMax=%d, sizeWarn=%d",
			p.cfg.Name, p.running, p.cfg.SizeMax, p.cfg.SizeWarn)
		p.metrics.RecordSizeWarning()
	}
	// Never leave the poller unattended while a worker could be started.
	if !p.destroyed && p.inUse == p.running && p.running < p.cfg.SizeMax {
		p.spawnLocked()
	}
	p.metrics.SetThreads(p.running, p.inUse)
	p.mu.Unlock()

	// Releasing the token lets the next follower lead.
	<-p.leader
}

// dispatch runs the handler callback for ev after leadership was handed
// on. Panics are logged and contained.
func (p *ThreadPool) dispatch(ev event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			name := "finished handlers"
			if ev.handler != nil {
				name = ev.handler.String()
			}
			p.log.Error("Thread pool %s: panic while dispatching %s: %v", p.cfg.Name, name, r)
		}
	}()

	switch {
	case ev.finished != nil:
		for _, h := range ev.finished {
			p.finish(h)
		}
	case ev.err != nil:
		ev.handler.Exception(ev.err)
		return ev.err
	default:
		ev.handler.Message(ev.msg, p)
	}
	return nil
}

// finish calls h.Finished, containing a panic so the other removed
// handlers still get theirs.
func (p *ThreadPool) finish(h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Thread pool %s: panic in finished for %s: %v", p.cfg.Name, h, r)
		}
	}()
	h.Finished(p)
}

// release marks the worker idle, updates the load average and reports
// whether this worker is surplus and should exit.
func (p *ThreadPool) release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.load = p.load*0.95 + float64(p.inUse)*0.05
	p.inUse--

	// Keep one spare worker above the rounded load and never drop below
	// Size or below the workers still busy.
	exit := !p.destroyed &&
		p.running > p.cfg.Size &&
		int(math.Round(p.load))+1 < p.running &&
		p.running-1 > p.inUse
	if exit {
		p.running--
	}

	p.metrics.SetLoad(p.load)
	p.metrics.SetThreads(p.running, p.inUse)
	return exit
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
